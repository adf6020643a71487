package orchestrator

import (
	"context"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/dispatch"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// summaryKey serializes summaries of one conversation apart from its
// pipeline steps, which they only read.
func summaryKey(id string) string {
	return id + "#summary"
}

// Summarize refreshes the conversation's running summary in the background.
// It returns dispatch.ErrBusy when a summary is already in flight.
func (c *Coordinator) Summarize(ctx context.Context, id string) (*dispatch.Ticket, error) {
	if _, err := c.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}

	return c.dispatcher.Submit(dispatch.Task{
		Key:          summaryKey(id),
		Name:         "summarize",
		RejectIfBusy: true,
		Run: func(ctx context.Context, attempt int) error {
			conv, err := c.store.GetConversation(ctx, id)
			if err != nil {
				return err
			}
			msgs, err := c.store.ListMessages(ctx, id, state.Chronological)
			if err != nil {
				return err
			}
			res, err := c.agents.Invoke(ctx, models.AgentSummarizer, conv, "", agent.Params{History: msgs})
			if err != nil {
				return err
			}
			if err := c.store.UpdateSummary(ctx, id, res.Content); err != nil {
				return err
			}
			c.publish(EventSummaryUpdated, conv, "")
			return nil
		},
	})
}
