package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/source"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// IdeasRequest asks the Strategist for content angles on a source.
type IdeasRequest struct {
	// Source is a Readwise link or the source text itself.
	Source  string
	Title   string
	Channel string
}

// IdeasResult lists the ideas stored on a new conversation.
type IdeasResult struct {
	ConversationID string        `json:"conversation_id"`
	Ideas          []models.Idea `json:"ideas"`
}

// GenerateIdeas opens a conversation around a source, runs the Strategist
// and stores its ideas in the conversation state. It waits for the ideas.
func (c *Coordinator) GenerateIdeas(ctx context.Context, req IdeasRequest) (*IdeasResult, error) {
	text := strings.TrimSpace(req.Source)
	if text == "" {
		return nil, invalid("source is required")
	}

	article, err := c.resolveSource(ctx, text, req.Title)
	if err != nil {
		return nil, err
	}

	title := firstNonEmpty(req.Title, article.Title)
	if title == "" {
		title = defaultTitle(text)
	}
	conv, err := c.store.CreateConversation(ctx, "Ideas: "+title, models.ConversationState{UserRequest: text})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	meta := map[string]any{models.MetaType: "ideas_request"}
	if req.Channel != "" {
		meta[models.MetaSource] = req.Channel
	}
	if _, err := c.store.AppendMessage(ctx, conv.ID, state.NewMessage{Role: models.RoleUser, Content: text, Metadata: meta}); err != nil {
		return nil, fmt.Errorf("append request: %w", err)
	}
	c.publish(EventStarted, conv, "")

	seq, err := c.store.NextStep(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	var ideas []models.Idea
	step, err := c.submitStep(stepSpec{
		name:   "ideas",
		agent:  models.AgentStrategist,
		convID: conv.ID,
		seq:    seq,
		invoke: func(ctx context.Context, conv *models.Conversation) (*agent.Result, error) {
			res, err := c.agents.Invoke(ctx, models.AgentStrategist, conv, "", agent.Params{Article: article})
			if err != nil {
				return nil, err
			}
			parsed, err := agent.ParseIdeas(res.Content)
			if err != nil {
				// Model output varies between calls; another attempt may parse.
				return nil, fmt.Errorf("%w: %v", agent.ErrUnavailable, err)
			}
			ideas = parsed
			return res, nil
		},
		commit: func(*models.Conversation, *agent.Result) state.StepCommit {
			return state.StepCommit{Patch: models.StatePatch{
				WaitingForUser: models.Ptr(true),
				Extra:          map[string]any{StateKeyIdeas: ideas},
			}}
		},
		event: EventIdeasReady,
	})
	if err != nil {
		return nil, err
	}

	if _, err := step.wait(ctx); err != nil {
		return nil, err
	}
	if ideas == nil {
		// The step had already run; read back what it stored.
		stored, err := c.store.GetConversation(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		if ideas, err = IdeasFromState(stored.State); err != nil {
			return nil, err
		}
	}
	return &IdeasResult{ConversationID: conv.ID, Ideas: ideas}, nil
}

// resolveSource turns a request into source material: a Readwise document
// when the text links one and a token is configured, else the text itself.
func (c *Coordinator) resolveSource(ctx context.Context, text, title string) (*source.Article, error) {
	if link, ok := source.ExtractReadwiseURL(text); ok {
		if c.opts.fetcher == nil || !c.opts.fetcher.Configured() {
			return nil, precondition("readwise link given but no readwise token configured")
		}
		article, err := c.opts.fetcher.Retrieve(ctx, link)
		if err != nil {
			return nil, fmt.Errorf("retrieve %s: %w", link, err)
		}
		return article, nil
	}
	return agent.ArticleFromText(title, text), nil
}
