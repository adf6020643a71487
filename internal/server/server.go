// Package server exposes the coordinator over HTTP and streams conversation
// events over websockets.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ShayCichocki/scribe/internal/dispatch"
	"github.com/ShayCichocki/scribe/internal/logging"
	"github.com/ShayCichocki/scribe/internal/orchestrator"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// Coordinator is the part of the orchestrator the HTTP channel drives.
type Coordinator interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.StartResult, error)
	Transform(ctx context.Context, req orchestrator.TransformRequest) (*orchestrator.TransformResult, error)
	Feedback(ctx context.Context, req orchestrator.FeedbackRequest) (*orchestrator.TransformResult, error)
	Continue(ctx context.Context, id, response string) (*orchestrator.ContinueResult, error)
	Save(ctx context.Context, req orchestrator.SaveRequest) (*orchestrator.SaveResult, error)
	Archive(ctx context.Context, id string) (*models.Conversation, error)
	Polish(ctx context.Context, id string) (*models.Message, error)
	GenerateIdeas(ctx context.Context, req orchestrator.IdeasRequest) (*orchestrator.IdeasResult, error)
	SelectIdea(ctx context.Context, id string, index int) (*orchestrator.StartResult, error)
	Summarize(ctx context.Context, id string) (*dispatch.Ticket, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListMessages(ctx context.Context, id string, order state.Order) ([]models.Message, error)
	ListConversations(ctx context.Context, status *models.ConversationStatus, limit int) ([]models.Conversation, error)
	Status(ctx context.Context, id string) (*orchestrator.StatusResult, error)
	Events() *orchestrator.EventBus
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// AuthToken, when set, is required as a bearer token on every API route.
	AuthToken string
	// AllowedOrigins lists websocket origins besides the request host.
	AllowedOrigins []string
	// RequestTimeout bounds synchronous agent steps. Zero means 3 minutes.
	RequestTimeout time.Duration
	// Version is reported by /healthz.
	Version string
	Logger  *slog.Logger
}

// Server is the HTTP channel adapter.
type Server struct {
	coord     Coordinator
	templates state.TemplateStore
	opts      Options
	logger    *slog.Logger
	mux       *http.ServeMux
	srv       *http.Server
}

// New builds a server. Additional handlers, such as the Telegram webhook,
// can be attached with Mount before Handler or ListenAndServe is called.
func New(coord Coordinator, templates state.TemplateStore, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 3 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		coord:     coord,
		templates: templates,
		opts:      opts,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.handle("POST /coordinator/start", s.handleStart)
	s.handle("POST /format-agent/transform", s.handleTransform)
	s.handle("POST /coordinator/feedback", s.handleFeedback)
	s.handle("POST /coordinator/continue", s.handleContinue)
	s.handle("POST /coordinator/save", s.handleSave)
	s.handle("POST /coordinator/archive", s.handleArchive)
	s.handle("POST /coordinator/polish", s.handlePolish)
	s.handle("POST /coordinator/ideas", s.handleIdeas)
	s.handle("POST /coordinator/select", s.handleSelect)
	s.handle("POST /coordinator/summarize", s.handleSummarize)

	s.handle("GET /conversations", s.handleListConversations)
	s.handle("GET /conversation/{id}", s.handleGetConversation)
	s.handle("GET /conversation/{id}/messages", s.handleListMessages)
	s.handle("GET /conversation/{id}/status", s.handleStatus)
	s.handle("GET /conversation/{id}/events", s.handleEvents)

	s.handle("GET /templates", s.handleListTemplates)
	s.handle("POST /templates", s.handleCreateTemplate)
	s.handle("GET /templates/{id}", s.handleGetTemplate)
	s.handle("DELETE /templates/{id}", s.handleDeleteTemplate)
}

func (s *Server) handle(pattern string, h apiHandler) {
	s.mux.Handle(pattern, jsonErrorMiddleware(s.logger, authMiddleware(s.opts.AuthToken, h)))
}

// Mount attaches an extra handler, bypassing API token auth.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the root handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	return recoverMiddleware(s.logger, loggingMiddleware(s.logger, securityHeadersMiddleware(s.mux)))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) stepContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
}
