package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ShayCichocki/scribe/internal/orchestrator"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (r conversationRequest) validate() *apiError {
	if strings.TrimSpace(r.ConversationID) == "" {
		return badRequest("conversation_id is required")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.opts.Version})
}

type startRequest struct {
	UserRequest       string `json:"user_request"`
	ConversationTitle string `json:"conversation_title"`
	Category          string `json:"category"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) *apiError {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	res, err := s.coord.Start(r.Context(), orchestrator.StartRequest{
		UserRequest: req.UserRequest,
		Title:       req.ConversationTitle,
		Category:    req.Category,
		Channel:     "http",
	})
	if err != nil {
		return fromError(err, "")
	}
	writeJSON(w, http.StatusAccepted, res)
	return nil
}

type transformRequest struct {
	ConversationID string `json:"conversation_id"`
	Draft          string `json:"draft"`
	Category       string `json:"category"`
	Format         string `json:"format"`
	Feedback       string `json:"feedback"`
	TemplateID     string `json:"template_id"`
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) *apiError {
	var req transformRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := (conversationRequest{req.ConversationID}).validate(); err != nil {
		return err
	}
	ctx, cancel := s.stepContext(r)
	defer cancel()
	res, err := s.coord.Transform(ctx, orchestrator.TransformRequest{
		ConversationID: req.ConversationID,
		Draft:          req.Draft,
		Category:       req.Category,
		Format:         req.Format,
		Feedback:       req.Feedback,
		TemplateID:     req.TemplateID,
	})
	if err != nil {
		return fromError(err, req.ConversationID)
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

type feedbackRequest struct {
	ConversationID string `json:"conversation_id"`
	Feedback       string `json:"feedback"`
	Format         string `json:"format"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) *apiError {
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := (conversationRequest{req.ConversationID}).validate(); err != nil {
		return err
	}
	ctx, cancel := s.stepContext(r)
	defer cancel()
	res, err := s.coord.Feedback(ctx, orchestrator.FeedbackRequest{
		ConversationID: req.ConversationID,
		Feedback:       req.Feedback,
		Format:         req.Format,
	})
	if err != nil {
		return fromError(err, req.ConversationID)
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

type continueRequest struct {
	ConversationID string `json:"conversation_id"`
	Response       string `json:"response"`
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) *apiError {
	var req continueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := (conversationRequest{req.ConversationID}).validate(); err != nil {
		return err
	}
	ctx, cancel := s.stepContext(r)
	defer cancel()
	res, err := s.coord.Continue(ctx, req.ConversationID, req.Response)
	if err != nil {
		return fromError(err, req.ConversationID)
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

type saveRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Status         string `json:"status"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) *apiError {
	var req saveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := (conversationRequest{req.ConversationID}).validate(); err != nil {
		return err
	}
	status, err := orchestrator.ParseSaveStatus(req.Status)
	if err != nil {
		return fromError(err, req.ConversationID)
	}
	res, err := s.coord.Save(r.Context(), orchestrator.SaveRequest{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Status:         status,
	})
	if err != nil {
		return fromError(err, req.ConversationID)
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) *apiError {
	var req conversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	conv, err := s.coord.Archive(r.Context(), req.ConversationID)
	if err != nil {
		return fromError(err, req.ConversationID)
	}
	writeJSON(w, http.StatusOK, conv)
	return nil
}

func (s *Server) handlePolish(w http.ResponseWriter, r *http.Request) *apiError {
	var req conversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	ctx, cancel := s.stepContext(r)
	defer cancel()
	msg, err := s.coord.Polish(ctx, req.ConversationID)
	if err != nil {
		return fromError(err, req.ConversationID)
	}
	writeJSON(w, http.StatusOK, msg)
	return nil
}

type ideasRequest struct {
	Source string `json:"source"`
	Title  string `json:"title"`
}

func (s *Server) handleIdeas(w http.ResponseWriter, r *http.Request) *apiError {
	var req ideasRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	ctx, cancel := s.stepContext(r)
	defer cancel()
	res, err := s.coord.GenerateIdeas(ctx, orchestrator.IdeasRequest{
		Source:  req.Source,
		Title:   req.Title,
		Channel: "http",
	})
	if err != nil {
		return fromError(err, "")
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

type selectRequest struct {
	ConversationID string `json:"conversation_id"`
	Index          int    `json:"index"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) *apiError {
	var req selectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := (conversationRequest{req.ConversationID}).validate(); err != nil {
		return err
	}
	res, err := s.coord.SelectIdea(r.Context(), req.ConversationID, req.Index)
	if err != nil {
		return fromError(err, req.ConversationID)
	}
	writeJSON(w, http.StatusAccepted, res)
	return nil
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) *apiError {
	var req conversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	if _, err := s.coord.Summarize(r.Context(), req.ConversationID); err != nil {
		return fromError(err, req.ConversationID)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"conversation_id": req.ConversationID,
		"status":          "summarizing",
	})
	return nil
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) *apiError {
	id := r.PathValue("id")
	conv, err := s.coord.GetConversation(r.Context(), id)
	if err != nil {
		return fromError(err, id)
	}
	writeJSON(w, http.StatusOK, conv)
	return nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) *apiError {
	id := r.PathValue("id")
	order := state.Chronological
	switch strings.ToLower(r.URL.Query().Get("order")) {
	case "", "asc":
	case "desc":
		order = state.ReverseChronological
	default:
		return badRequest("order must be asc or desc")
	}
	msgs, err := s.coord.ListMessages(r.Context(), id, order)
	if err != nil {
		return fromError(err, id)
	}
	writeJSON(w, http.StatusOK, msgs)
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	id := r.PathValue("id")
	st, err := s.coord.Status(r.Context(), id)
	if err != nil {
		return fromError(err, id)
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func parseLimit(r *http.Request) (int, *apiError) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) *apiError {
	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		return apiErr
	}
	var status *models.ConversationStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.ConversationStatus(strings.ToLower(raw))
		if !st.Valid() {
			return badRequest("unknown status " + raw)
		}
		status = &st
	}
	convs, err := s.coord.ListConversations(r.Context(), status, limit)
	if err != nil {
		return fromError(err, "")
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
	return nil
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) *apiError {
	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		return apiErr
	}
	q := r.URL.Query()
	tpls, err := s.templates.ListTemplates(r.Context(), q.Get("category"), q.Get("format"), limit)
	if err != nil {
		return fromError(err, "")
	}
	writeJSON(w, http.StatusOK, tpls)
	return nil
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) *apiError {
	var tpl models.Template
	if err := decodeJSON(w, r, &tpl); err != nil {
		return err
	}
	if strings.TrimSpace(tpl.Content) == "" {
		return badRequest("content is required")
	}
	if strings.TrimSpace(tpl.Category) == "" || strings.TrimSpace(tpl.Format) == "" {
		return badRequest("category and format are required")
	}
	if err := s.templates.CreateTemplate(r.Context(), &tpl); err != nil {
		return fromError(err, "")
	}
	writeJSON(w, http.StatusCreated, tpl)
	return nil
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) *apiError {
	tpl, err := s.templates.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		return fromError(err, "")
	}
	writeJSON(w, http.StatusOK, tpl)
	return nil
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) *apiError {
	if err := s.templates.DeleteTemplate(r.Context(), r.PathValue("id")); err != nil {
		return fromError(err, "")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
