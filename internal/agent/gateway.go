// Package agent provides the invocation gateway for scribe's content agents.
// The gateway assembles each agent's context from the conversation, its
// current system prompt and the caller's parameters, calls the language
// model and returns the text with metadata. It never persists anything.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ShayCichocki/scribe/internal/llm"
	"github.com/ShayCichocki/scribe/internal/logging"
	"github.com/ShayCichocki/scribe/internal/source"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// Metadata keys set by the gateway, in addition to models.MetaModel and
// models.MetaSystemPromptVersion.
const (
	MetaCategory     = "category"
	MetaFormat       = "format"
	MetaTemplateID   = "template_id"
	MetaInputTokens  = "input_tokens"
	MetaOutputTokens = "output_tokens"
	MetaSourceURL    = "source_url"
)

// BuiltinPromptVersion is reported when no stored prompt exists for an agent.
const BuiltinPromptVersion = "builtin"

// PromptSource supplies the current system prompt for an agent.
type PromptSource interface {
	GetCurrentPrompt(ctx context.Context, agentName string) (*models.PromptVersion, error)
}

// TemplateSource supplies reference posts for the Format Agent.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	LatestTemplate(ctx context.Context, category, format string) (*models.Template, error)
}

// Params are the caller-supplied inputs of an invocation.
type Params struct {
	Category   string
	Format     string
	Feedback   string
	TemplateID string
	// Request is the user's original request (Writer).
	Request string
	// Instruction is the parsed form of Request, if it carried one.
	Instruction *source.Instruction
	// Article is retrieved source material (Writer, Strategist).
	Article *source.Article
	// Idea is the selected content angle (Writer).
	Idea *models.Idea
	// History is recent conversation messages (Writer, Summarizer).
	History []models.Message
}

// keys lists the populated parameters, for logging the payload shape.
func (p Params) keys() []string {
	var keys []string
	add := func(set bool, k string) {
		if set {
			keys = append(keys, k)
		}
	}
	add(p.Category != "", "category")
	add(p.Format != "", "format")
	add(p.Feedback != "", "feedback")
	add(p.TemplateID != "", "template_id")
	add(p.Request != "", "request")
	add(p.Instruction != nil, "instruction")
	add(p.Article != nil, "article")
	add(p.Idea != nil, "idea")
	add(len(p.History) > 0, "history")
	return keys
}

// Result is what an agent produced.
type Result struct {
	Content  string
	Metadata map[string]any
}

// Invoker runs an agent. Gateway is the production implementation.
type Invoker interface {
	Invoke(ctx context.Context, agentName string, conv *models.Conversation, draft string, p Params) (*Result, error)
}

// Gateway invokes agents over a language model backend.
type Gateway struct {
	completer llm.Completer
	overrides map[string]llm.Completer
	prompts   PromptSource
	templates TemplateSource
	limiter   *rate.Limiter
	timeout   time.Duration
	maxTokens int64
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTemplates sets the template source used by the Format Agent.
func WithTemplates(t TemplateSource) Option {
	return func(g *Gateway) { g.templates = t }
}

// WithTimeout bounds each invocation. Expiry is reported as ErrUnavailable.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithRateLimit caps backend calls per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxTokens sets the response token bound.
func WithMaxTokens(n int64) Option {
	return func(g *Gateway) { g.maxTokens = n }
}

// WithAgentCompleter routes one agent to a different backend.
func WithAgentCompleter(agentName string, c llm.Completer) Option {
	return func(g *Gateway) { g.overrides[agentName] = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logging.Component(l, "agent") }
}

// NewGateway creates a gateway over completer.
func NewGateway(completer llm.Completer, prompts PromptSource, opts ...Option) *Gateway {
	g := &Gateway{
		completer: completer,
		overrides: make(map[string]llm.Completer),
		prompts:   prompts,
		timeout:   2 * time.Minute,
		maxTokens: 4096,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Usage is the token spend recorded across a gateway's backends.
type Usage struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Usage sums the token trackers of every distinct backend. Backends
// without a tracker are skipped.
func (g *Gateway) Usage() Usage {
	var u Usage
	seen := make(map[*llm.TokenTracker]bool)
	add := func(c llm.Completer) {
		tc, ok := c.(interface{ Tracker() *llm.TokenTracker })
		if !ok {
			return
		}
		t := tc.Tracker()
		if t == nil || seen[t] {
			return
		}
		seen[t] = true
		in, out := t.Total()
		u.Calls += t.Calls()
		u.InputTokens += in
		u.OutputTokens += out
	}
	if g.completer != nil {
		add(g.completer)
	}
	for _, c := range g.overrides {
		add(c)
	}
	return u
}

// Invoke runs agentName against conv. draft is the text the agent works on
// (the Writer's output for the Format Agent and the Final Editor).
func (g *Gateway) Invoke(ctx context.Context, agentName string, conv *models.Conversation, draft string, p Params) (*Result, error) {
	if conv == nil {
		return nil, rejected(agentName, errors.New("no conversation"))
	}

	completer := g.completer
	if c, ok := g.overrides[agentName]; ok {
		completer = c
	}
	if completer == nil {
		return nil, unavailable(agentName, errors.New("no language model configured"))
	}

	system, version, err := g.systemPrompt(ctx, agentName)
	if err != nil {
		return nil, unavailable(agentName, err)
	}
	if conv.Summary != "" && agentName != models.AgentSummarizer {
		system = "Conversation summary:\n" + conv.Summary + "\n\n" + system
	}

	meta := map[string]any{
		models.MetaSystemPromptVersion: version,
	}

	var prompt string
	switch agentName {
	case models.AgentWriter:
		prompt, err = writerPrompt(conv, p, meta)
	case models.AgentFormat:
		prompt, err = g.formatPrompt(ctx, conv, draft, p, meta)
	case models.AgentFinalEditor:
		prompt, err = editorPrompt(draft)
	case models.AgentStrategist:
		prompt, err = strategistPrompt(p, meta)
	case models.AgentSummarizer:
		prompt, err = summarizerPrompt(p.History)
	default:
		err = fmt.Errorf("unknown agent %q", agentName)
	}
	if err != nil {
		g.logger.Warn("agent rejected input",
			"agent", agentName,
			"conversation_id", conv.ID,
			"draft_len", len(draft),
			"params", p.keys(),
			"error", err)
		return nil, rejected(agentName, err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, classify(agentName, err)
		}
	}

	start := time.Now()
	out, err := completer.Complete(ctx, llm.Request{System: system, Prompt: prompt, MaxTokens: g.maxTokens})
	if err != nil {
		err = classify(agentName, err)
		g.logger.Warn("agent call failed",
			"agent", agentName,
			"conversation_id", conv.ID,
			"retryable", Retryable(err),
			"error", err)
		return nil, err
	}

	content := strings.TrimSpace(out.Text)
	if content == "" {
		return nil, unavailable(agentName, errors.New("empty response"))
	}

	model := out.Model
	if model == "" {
		model = completer.Model()
	}
	meta[models.MetaModel] = model
	meta[MetaInputTokens] = out.InputTokens
	meta[MetaOutputTokens] = out.OutputTokens

	g.logger.Debug("agent call complete",
		"agent", agentName,
		"conversation_id", conv.ID,
		"model", model,
		"duration", time.Since(start),
		"output_len", len(content))

	return &Result{Content: content, Metadata: meta}, nil
}

// systemPrompt returns the agent's current prompt, or the built-in default
// when none is stored.
func (g *Gateway) systemPrompt(ctx context.Context, agentName string) (string, string, error) {
	if g.prompts != nil {
		pv, err := g.prompts.GetCurrentPrompt(ctx, agentName)
		switch {
		case err == nil:
			return pv.Prompt, pv.Version, nil
		case !errors.Is(err, state.ErrNotFound):
			return "", "", fmt.Errorf("load system prompt: %w", err)
		}
	}
	return DefaultPrompt(agentName), BuiltinPromptVersion, nil
}

// resolveTemplate picks an explicit template, else the latest one for the
// normalized category and format. A missing template is not an error.
func (g *Gateway) resolveTemplate(ctx context.Context, templateID, category, format string) *models.Template {
	if g.templates == nil {
		return nil
	}
	var tpl *models.Template
	var err error
	switch {
	case templateID != "":
		tpl, err = g.templates.GetTemplate(ctx, templateID)
	case category != "" && format != "":
		tpl, err = g.templates.LatestTemplate(ctx, category, format)
	default:
		return nil
	}
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			g.logger.Warn("template lookup failed", "template_id", templateID, "error", err)
		}
		return nil
	}
	if strings.TrimSpace(tpl.Content) == "" {
		return nil
	}
	return tpl
}
