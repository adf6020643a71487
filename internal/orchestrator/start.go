package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/source"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// StatusStarted is reported when a Writer step was accepted.
const StatusStarted = "started"

// StateKeyIdeas holds the Strategist's ideas in the state extension map.
const StateKeyIdeas = "ideas"

// StartRequest opens a conversation.
type StartRequest struct {
	UserRequest string
	Title       string
	Category    string
	// Channel records where the request came from, e.g. "http" or "telegram".
	Channel string
}

// StartResult acknowledges an accepted Writer step.
type StartResult struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`

	step *pendingStep
}

// Wait blocks until the draft is stored and returns it.
func (r *StartResult) Wait(ctx context.Context) (*models.Message, error) {
	return r.step.wait(ctx)
}

// Start creates a conversation for a user request and queues the Writer.
// It returns once the step is queued; the draft lands asynchronously.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	text := strings.TrimSpace(req.UserRequest)
	if text == "" {
		return nil, invalid("user_request is required")
	}

	in := source.ParseInstruction(text)
	category := models.NormalizeLabel(firstNonEmpty(req.Category, in.Category, c.opts.defaultCategory))
	format := models.NormalizeLabel(in.Format)

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultTitle(text)
	}

	conv, err := c.store.CreateConversation(ctx, title, models.ConversationState{
		Category:    category,
		Format:      format,
		UserRequest: text,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	meta := map[string]any{models.MetaType: "request"}
	if req.Channel != "" {
		meta[models.MetaSource] = req.Channel
	}
	if _, err := c.store.AppendMessage(ctx, conv.ID, state.NewMessage{
		Role:     models.RoleUser,
		Content:  text,
		Metadata: meta,
	}); err != nil {
		return nil, fmt.Errorf("append request: %w", err)
	}

	c.logger.Info("conversation started", "conversation_id", conv.ID, "category", category, "channel", req.Channel)
	c.publish(EventStarted, conv, "")

	return c.submitDraft(ctx, conv.ID, agent.Params{Request: text, Instruction: &in, Category: category})
}

// submitDraft moves the conversation to drafting and queues a Writer step.
func (c *Coordinator) submitDraft(ctx context.Context, id string, params agent.Params) (*StartResult, error) {
	seq, err := c.store.NextStep(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := c.mutate(ctx, id, func(conv *models.Conversation) (state.StepCommit, error) {
		if conv.Terminal() {
			return state.StepCommit{}, precondition("conversation %s is %s", conv.ID, conv.Stage)
		}
		return state.StepCommit{Stage: models.StageDrafting}, nil
	})
	if err != nil {
		return nil, err
	}
	step, err := c.submitStep(stepSpec{
		name:   "draft",
		agent:  models.AgentWriter,
		convID: id,
		seq:    seq,
		invoke: func(ctx context.Context, conv *models.Conversation) (*agent.Result, error) {
			p := params
			if p.Article == nil {
				p.Article = c.fetchArticle(ctx, id, p.Request, p.Instruction)
			}
			history, err := c.history(ctx, id)
			if err != nil {
				return nil, err
			}
			p.History = history
			return c.agents.Invoke(ctx, models.AgentWriter, conv, "", p)
		},
		commit: func(conv *models.Conversation, res *agent.Result) state.StepCommit {
			patch := models.StatePatch{WaitingForUser: models.Ptr(true)}
			if cat, ok := res.Metadata[agent.MetaCategory].(string); ok && cat != "" && conv.State.Category == "" {
				patch.Category = models.Ptr(cat)
			}
			return state.StepCommit{
				Patch:           patch,
				Stage:           models.StageAwaitingReview,
				SetDraftPointer: true,
			}
		},
		event: EventDraftReady,
	})
	if err != nil {
		// Nothing will run; hand the stage back.
		if _, rerr := c.mutate(ctx, id, func(conv *models.Conversation) (state.StepCommit, error) {
			stage := models.StageStarted
			if conv.LastDraftMessageID != "" {
				stage = models.StageAwaitingReview
			}
			return state.StepCommit{Stage: stage, Automatic: true}, nil
		}); rerr != nil {
			c.logger.Warn("could not restore stage after rejected submit", "conversation_id", id, "error", rerr)
		}
		return nil, err
	}

	c.publish(EventDraftQueued, out.Conversation, "")
	return &StartResult{ConversationID: id, Status: StatusStarted, step: step}, nil
}

// fetchArticle retrieves a linked Readwise document. Failures are logged
// and the Writer proceeds without the article.
func (c *Coordinator) fetchArticle(ctx context.Context, id, request string, in *source.Instruction) *source.Article {
	if c.opts.fetcher == nil || !c.opts.fetcher.Configured() {
		return nil
	}
	link, ok := source.ExtractReadwiseURL(request)
	if !ok && in != nil && in.URL != "" {
		link, ok = source.ExtractReadwiseURL(in.URL)
	}
	if !ok {
		return nil
	}
	article, err := c.opts.fetcher.Retrieve(ctx, link)
	if err != nil {
		c.logger.Warn("source retrieval failed", "conversation_id", id, "url", link, "error", err)
		return nil
	}
	return article
}

// SelectIdea drafts a post from one of the conversation's stored ideas.
// index is 1-based.
func (c *Coordinator) SelectIdea(ctx context.Context, id string, index int) (*StartResult, error) {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Terminal() {
		return nil, precondition("conversation %s is %s", id, conv.Stage)
	}
	ideas, err := IdeasFromState(conv.State)
	if err != nil {
		return nil, err
	}
	if len(ideas) == 0 {
		return nil, precondition("conversation %s has no ideas", id)
	}
	if index < 1 || index > len(ideas) {
		return nil, invalid("idea %d out of range 1-%d", index, len(ideas))
	}
	idea := ideas[index-1]

	category := models.NormalizeLabel(idea.PillarCategory)
	if _, err := c.mutate(ctx, id, func(conv *models.Conversation) (state.StepCommit, error) {
		commit := state.StepCommit{
			Message: &state.NewMessage{
				Role:     models.RoleUser,
				Content:  fmt.Sprintf("Selected idea %d: %s", index, idea.ContentIdea),
				Metadata: map[string]any{models.MetaType: "select_idea"},
			},
		}
		if category != "" {
			commit.Patch.Category = models.Ptr(category)
		}
		return commit, nil
	}); err != nil {
		return nil, err
	}

	return c.submitDraft(ctx, id, agent.Params{
		Request:  conv.State.UserRequest,
		Category: category,
		Idea:     &idea,
	})
}

// IdeasFromState decodes the ideas stored in a conversation's state.
func IdeasFromState(st models.ConversationState) ([]models.Idea, error) {
	raw, ok := st.Get(StateKeyIdeas)
	if !ok || raw == nil {
		return nil, nil
	}
	if ideas, ok := raw.([]models.Idea); ok {
		return ideas, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode stored ideas: %w", err)
	}
	var ideas []models.Idea
	if err := json.Unmarshal(data, &ideas); err != nil {
		return nil, fmt.Errorf("decode stored ideas: %w", err)
	}
	return ideas, nil
}

func defaultTitle(text string) string {
	line := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	line = strings.TrimLeft(line, "- ")
	if r := []rune(line); len(r) > 60 {
		line = string(r[:60]) + "..."
	}
	if line == "" {
		line = "Untitled post"
	}
	return line
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
