package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/dispatch"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// TransformRequest asks the Format Agent to rework a draft.
type TransformRequest struct {
	ConversationID string
	// Draft is the text to format. Empty uses the latest draft.
	Draft      string
	Category   string
	Format     string
	Feedback   string
	TemplateID string
}

// TransformResult is the stored formatted message.
type TransformResult struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
	Status         string `json:"status"`
}

// Transform formats a draft and waits for the result. It fails with
// ErrPreconditionFailed, writing nothing, when the conversation has no draft
// or is in a terminal stage.
func (c *Coordinator) Transform(ctx context.Context, req TransformRequest) (*TransformResult, error) {
	conv, err := c.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Terminal() {
		return nil, precondition("conversation %s is %s", conv.ID, conv.Stage)
	}
	if conv.LastDraftMessageID == "" {
		return nil, precondition("conversation %s has no draft", conv.ID)
	}

	draft := req.Draft
	if strings.TrimSpace(draft) == "" {
		msg, err := c.store.GetMessage(ctx, conv.LastDraftMessageID)
		if err != nil {
			return nil, err
		}
		draft = msg.Content
	}

	category := models.NormalizeLabel(firstNonEmpty(req.Category, conv.State.Category))
	format := models.NormalizeLabel(firstNonEmpty(req.Format, conv.State.Format, c.opts.defaultFormat))
	params := agent.Params{
		Category:   category,
		Format:     format,
		Feedback:   req.Feedback,
		TemplateID: req.TemplateID,
	}

	seq, err := c.store.NextStep(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	var meta map[string]any
	if req.Feedback != "" {
		meta = map[string]any{models.MetaFeedback: req.Feedback}
	}

	step, err := c.submitStep(stepSpec{
		name:     "format",
		agent:    models.AgentFormat,
		convID:   conv.ID,
		seq:      seq,
		begin:    &state.StepCommit{Stage: models.StageFormatting, Automatic: true},
		metadata: meta,
		invoke: func(ctx context.Context, conv *models.Conversation) (*agent.Result, error) {
			return c.agents.Invoke(ctx, models.AgentFormat, conv, draft, params)
		},
		commit: func(conv *models.Conversation, res *agent.Result) state.StepCommit {
			patch := models.StatePatch{WaitingForUser: models.Ptr(true)}
			if f, _ := res.Metadata[agent.MetaFormat].(string); f != "" {
				patch.Format = models.Ptr(f)
			} else if format != "" {
				patch.Format = models.Ptr(format)
			}
			if cat, _ := res.Metadata[agent.MetaCategory].(string); cat != "" {
				patch.Category = models.Ptr(cat)
			} else if category != "" {
				patch.Category = models.Ptr(category)
			}
			if req.Feedback != "" {
				patch.LastFeedback = models.Ptr(req.Feedback)
			}
			return state.StepCommit{
				Patch:               patch,
				Stage:               models.StageAwaitingReview,
				SetFormattedPointer: true,
			}
		},
		done: func(out *state.StepOutcome) {
			if c.opts.autoSummarize && out.Advanced {
				if _, err := c.Summarize(context.Background(), conv.ID); err != nil && !errors.Is(err, dispatch.ErrBusy) {
					c.logger.Warn("summary not scheduled", "conversation_id", conv.ID, "error", err)
				}
			}
		},
		event: EventFormatted,
	})
	if err != nil {
		return nil, err
	}

	msg, err := step.wait(ctx)
	if err != nil {
		return nil, err
	}
	stage := models.StageAwaitingReview
	if step.conv != nil {
		stage = step.conv.Stage
	}
	return &TransformResult{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		Status:         string(stage),
	}, nil
}

// FeedbackRequest carries a user's review of the latest output.
type FeedbackRequest struct {
	ConversationID string
	Feedback       string
	// Format overrides the feedback format policy when set.
	Format string
}

// Feedback records the user's feedback and re-runs the Format Agent with it.
// The feedback message and state.last_feedback are stored before dispatch.
func (c *Coordinator) Feedback(ctx context.Context, req FeedbackRequest) (*TransformResult, error) {
	text := strings.TrimSpace(req.Feedback)
	if text == "" {
		return nil, invalid("feedback is required")
	}

	out, err := c.mutate(ctx, req.ConversationID, func(conv *models.Conversation) (state.StepCommit, error) {
		if conv.Terminal() {
			return state.StepCommit{}, precondition("conversation %s is %s", conv.ID, conv.Stage)
		}
		if conv.LastDraftMessageID == "" {
			return state.StepCommit{}, precondition("conversation %s has no draft", conv.ID)
		}
		return state.StepCommit{
			Message: &state.NewMessage{
				Role:    models.RoleUser,
				Content: text,
				Metadata: map[string]any{
					models.MetaType:     "feedback",
					models.MetaFeedback: text,
				},
			},
			Patch: models.StatePatch{LastFeedback: models.Ptr(text)},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	conv := out.Conversation
	c.publish(EventFeedback, conv, out.Message.ID)

	return c.Transform(ctx, TransformRequest{
		ConversationID: conv.ID,
		Category:       conv.State.Category,
		Format:         c.feedbackFormat(conv, req.Format),
		Feedback:       text,
	})
}

// feedbackFormat applies the feedback format policy.
func (c *Coordinator) feedbackFormat(conv *models.Conversation, requested string) string {
	if requested != "" {
		return requested
	}
	if c.opts.feedbackPolicy == FeedbackLastUsed && conv.State.Format != "" {
		return conv.State.Format
	}
	return c.opts.defaultFormat
}

var satisfactionIndicators = []string{
	"perfect", "great", "good", "looks good", "that works",
	"i'm satisfied", "done", "complete", "thanks", "approve",
}

// Satisfied reports whether a user reply accepts the current output.
func Satisfied(response string) bool {
	r := strings.ToLower(response)
	for _, s := range satisfactionIndicators {
		if strings.Contains(r, s) {
			return true
		}
	}
	return false
}

// ContinueResult reports how a free-form reply was handled.
type ContinueResult struct {
	Satisfied bool             `json:"satisfied"`
	Save      *SaveResult      `json:"save,omitempty"`
	Transform *TransformResult `json:"transform,omitempty"`
}

// Continue handles a free-form reply to the latest output. An approving
// reply completes the conversation with the latest content; anything else
// is treated as feedback.
func (c *Coordinator) Continue(ctx context.Context, id, response string) (*ContinueResult, error) {
	if !Satisfied(response) {
		tr, err := c.Feedback(ctx, FeedbackRequest{ConversationID: id, Feedback: response})
		if err != nil {
			return nil, err
		}
		return &ContinueResult{Transform: tr}, nil
	}

	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Terminal() {
		return nil, precondition("conversation %s is %s", id, conv.Stage)
	}
	latest, err := c.latestContent(ctx, conv)
	if err != nil {
		return nil, err
	}
	saved, err := c.Save(ctx, SaveRequest{ConversationID: id, Content: latest.Content, Status: SaveCompleted})
	if err != nil {
		return nil, err
	}
	return &ContinueResult{Satisfied: true, Save: saved}, nil
}

// Polish runs the Final Editor over the latest content and waits for it.
// The stage is unchanged.
func (c *Coordinator) Polish(ctx context.Context, id string) (*models.Message, error) {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Terminal() {
		return nil, precondition("conversation %s is %s", id, conv.Stage)
	}
	latest, err := c.latestContent(ctx, conv)
	if err != nil {
		return nil, err
	}

	seq, err := c.store.NextStep(ctx, id)
	if err != nil {
		return nil, err
	}
	step, err := c.submitStep(stepSpec{
		name:     "polish",
		agent:    models.AgentFinalEditor,
		convID:   id,
		seq:      seq,
		metadata: map[string]any{models.MetaType: "polish"},
		invoke: func(ctx context.Context, conv *models.Conversation) (*agent.Result, error) {
			return c.agents.Invoke(ctx, models.AgentFinalEditor, conv, latest.Content, agent.Params{})
		},
		commit: func(*models.Conversation, *agent.Result) state.StepCommit {
			return state.StepCommit{}
		},
		event: EventPolished,
	})
	if err != nil {
		return nil, err
	}
	return step.wait(ctx)
}
