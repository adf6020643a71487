// Package orchestrator implements the coordinator state machine that drives
// a conversation through drafting, formatting and review. It owns every
// stage transition; agents run as dispatcher tasks and persist their output
// through the store's atomic step commits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/dispatch"
	"github.com/ShayCichocki/scribe/internal/logging"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// Store is the persistence the coordinator needs.
type Store interface {
	state.ConversationStore
	state.MessageStore
}

// Coordinator drives conversations through the post pipeline.
type Coordinator struct {
	store      Store
	agents     agent.Invoker
	dispatcher *dispatch.Dispatcher
	events     *EventBus
	logger     *slog.Logger
	opts       coordinatorOptions
}

// New creates a coordinator. The dispatcher's lifecycle stays with the caller.
func New(store Store, agents agent.Invoker, dispatcher *dispatch.Dispatcher, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Component(o.logger, "coordinator")
	events := o.events
	if events == nil {
		events = NewEventBus(logger)
	}
	return &Coordinator{
		store:      store,
		agents:     agents,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
		opts:       o,
	}
}

// Events returns the bus transitions are published on.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// GetConversation returns a conversation.
func (c *Coordinator) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return c.store.GetConversation(ctx, id)
}

// ListMessages returns a conversation's messages in order.
func (c *Coordinator) ListMessages(ctx context.Context, id string, order state.Order) ([]models.Message, error) {
	return c.store.ListMessages(ctx, id, order)
}

// ListConversations lists conversations newest first.
func (c *Coordinator) ListConversations(ctx context.Context, status *models.ConversationStatus, limit int) ([]models.Conversation, error) {
	return c.store.ListConversations(ctx, status, limit)
}

// StatusResult is a snapshot of a conversation's pipeline position.
type StatusResult struct {
	ConversationID         string                    `json:"conversation_id"`
	Status                 models.ConversationStatus `json:"status"`
	Stage                  models.Stage              `json:"stage"`
	Busy                   bool                      `json:"busy"`
	WaitingForUser         bool                      `json:"waiting_for_user"`
	Version                int64                     `json:"version"`
	LastDraftMessageID     string                    `json:"last_draft_message_id,omitempty"`
	LastFormattedMessageID string                    `json:"last_formatted_message_id,omitempty"`
}

// Status reports where a conversation is and whether work is queued for it.
func (c *Coordinator) Status(ctx context.Context, id string) (*StatusResult, error) {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		ConversationID:         conv.ID,
		Status:                 conv.Status,
		Stage:                  conv.Stage,
		Busy:                   c.dispatcher.Busy(conv.ID),
		WaitingForUser:         conv.State.WaitingForUser,
		Version:                conv.Version,
		LastDraftMessageID:     conv.LastDraftMessageID,
		LastFormattedMessageID: conv.LastFormattedMessageID,
	}, nil
}

// mutate reads the conversation, lets fn decide the commit and writes it
// with the read version as a precondition. A concurrent write triggers a
// fresh read, up to the configured number of retries.
func (c *Coordinator) mutate(ctx context.Context, id string, fn func(conv *models.Conversation) (state.StepCommit, error)) (*state.StepOutcome, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.conflictRetries; attempt++ {
		conv, err := c.store.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		commit, err := fn(conv)
		if err != nil {
			return nil, err
		}
		version := conv.Version
		commit.ExpectedVersion = &version

		out, err := c.store.CommitStep(ctx, id, commit)
		if errors.Is(err, state.ErrConflict) {
			lastErr = err
			c.logger.Debug("conflicting write, retrying", "conversation_id", id, "attempt", attempt+1)
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("after %d retries: %w", c.opts.conflictRetries, lastErr)
}

func (c *Coordinator) publish(t EventType, conv *models.Conversation, messageID string) {
	e := Event{Type: t, MessageID: messageID}
	if conv != nil {
		e.ConversationID = conv.ID
		e.Stage = conv.Stage
	}
	c.events.Publish(e)
}

// stepKey is the idempotency key of a pipeline step.
func stepKey(conversationID string, seq int64) string {
	return fmt.Sprintf("%s:%d", conversationID, seq)
}

// stepSpec describes one agent step run on the dispatcher.
type stepSpec struct {
	name   string
	agent  string
	convID string
	seq    int64
	// begin, when set, is committed before the agent runs.
	begin *state.StepCommit
	// invoke calls the agent.
	invoke func(ctx context.Context, conv *models.Conversation) (*agent.Result, error)
	// commit builds the transition stored with the agent's message.
	commit func(conv *models.Conversation, res *agent.Result) state.StepCommit
	// metadata is merged into the message metadata.
	metadata map[string]any
	// done runs after a successful commit.
	done func(out *state.StepOutcome)
	// event is published after a successful commit.
	event EventType
}

// pendingStep tracks a submitted step.
type pendingStep struct {
	spec    stepSpec
	ticket  *dispatch.Ticket
	message *models.Message
	conv    *models.Conversation
}

// wait blocks until the step finished and returns its stored message.
func (p *pendingStep) wait(ctx context.Context) (*models.Message, error) {
	if err := p.ticket.Wait(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		return nil, &StepError{ConversationID: p.spec.convID, Step: p.spec.name, Seq: p.spec.seq, Err: err}
	}
	return p.message, nil
}

// submitStep enqueues s. The agent's output is kept across attempts so a
// failed commit never calls the agent twice, and a step whose message is
// already stored is not run again.
func (c *Coordinator) submitStep(s stepSpec) (*pendingStep, error) {
	key := stepKey(s.convID, s.seq)
	p := &pendingStep{spec: s}
	var result *agent.Result
	began := s.begin == nil

	run := func(ctx context.Context, attempt int) error {
		existing, err := c.store.FindMessageByKey(ctx, key)
		switch {
		case err == nil:
			p.message = existing
			return nil
		case !errors.Is(err, state.ErrNotFound):
			return err
		}

		if !began {
			begin := *s.begin
			out, err := c.mutate(ctx, s.convID, func(*models.Conversation) (state.StepCommit, error) {
				return begin, nil
			})
			if err != nil {
				return err
			}
			began = true
			if out.Advanced {
				c.publish(EventFormatting, out.Conversation, "")
			}
		}

		if result == nil {
			conv, err := c.store.GetConversation(ctx, s.convID)
			if err != nil {
				return err
			}
			res, err := s.invoke(ctx, conv)
			if err != nil {
				return err
			}
			result = res
		}

		meta := maps.Clone(result.Metadata)
		if meta == nil {
			meta = map[string]any{}
		}
		maps.Copy(meta, s.metadata)
		meta[models.MetaStep] = s.seq

		out, err := c.mutate(ctx, s.convID, func(conv *models.Conversation) (state.StepCommit, error) {
			commit := s.commit(conv, result)
			commit.Message = &state.NewMessage{
				Role:           models.RoleAssistant,
				Content:        result.Content,
				AgentName:      s.agent,
				Metadata:       meta,
				IdempotencyKey: key,
			}
			commit.Automatic = true
			return commit, nil
		})
		if err != nil {
			return err
		}

		p.message = out.Message
		p.conv = out.Conversation
		if out.Duplicate {
			return nil
		}
		if !out.Advanced {
			c.logger.Info("conversation reached a terminal stage during step, transition skipped",
				"conversation_id", s.convID,
				"step", s.name,
				"stage", out.Conversation.Stage)
		}
		if s.done != nil {
			s.done(out)
		}
		if s.event != "" {
			c.publish(s.event, out.Conversation, out.Message.ID)
		}
		return nil
	}

	ticket, err := c.dispatcher.Submit(dispatch.Task{
		Key:            s.convID,
		Name:           s.name,
		IdempotencyKey: key,
		Run:            run,
		OnFailure: func(err error) {
			// A cancelled step is left in place for Recover.
			if !errors.Is(err, context.Canceled) {
				c.restoreStage(s.convID, s.name)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	p.ticket = ticket

	go func() {
		<-ticket.Done()
		if err := ticket.Err(); err != nil {
			c.events.Publish(Event{Type: EventStepFailed, ConversationID: s.convID, Step: s.name, Error: err.Error()})
		}
	}()
	return p, nil
}

const restoreTimeout = 10 * time.Second

// restoreStage hands a conversation whose step failed back to the last stage
// it reached: formatting returns to awaiting_review, and drafting without a
// draft returns to started.
func (c *Coordinator) restoreStage(id, step string) {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	conv, err := c.store.GetConversation(ctx, id)
	if err != nil || settledStage(conv) == conv.Stage {
		return
	}
	out, err := c.mutate(ctx, id, func(conv *models.Conversation) (state.StepCommit, error) {
		return state.StepCommit{Stage: settledStage(conv), Automatic: true}, nil
	})
	if err != nil {
		c.logger.Warn("could not restore stage after failed step", "conversation_id", id, "step", step, "error", err)
		return
	}
	if out.Advanced {
		c.logger.Info("stage restored after failed step", "conversation_id", id, "step", step, "stage", out.Conversation.Stage)
	}
}

// settledStage is the stage a conversation rests in when no step runs.
func settledStage(conv *models.Conversation) models.Stage {
	switch {
	case conv.Stage == models.StageFormatting:
		return models.StageAwaitingReview
	case conv.Stage == models.StageDrafting && conv.LastDraftMessageID == "":
		return models.StageStarted
	case conv.Stage == models.StageDrafting:
		return models.StageAwaitingReview
	}
	return conv.Stage
}

// latestContent returns the content a review step works on: the message
// behind the formatted pointer, else the draft pointer.
func (c *Coordinator) latestContent(ctx context.Context, conv *models.Conversation) (*models.Message, error) {
	for _, id := range []string{conv.LastFormattedMessageID, conv.LastDraftMessageID} {
		if id == "" {
			continue
		}
		return c.store.GetMessage(ctx, id)
	}
	return nil, precondition("conversation %s has no draft", conv.ID)
}

// history returns the most recent messages, oldest first.
func (c *Coordinator) history(ctx context.Context, id string) ([]models.Message, error) {
	if c.opts.historyLimit == 0 {
		return nil, nil
	}
	msgs, err := c.store.ListMessages(ctx, id, state.Chronological)
	if err != nil {
		return nil, err
	}
	if len(msgs) > c.opts.historyLimit {
		msgs = msgs[len(msgs)-c.opts.historyLimit:]
	}
	return msgs, nil
}
