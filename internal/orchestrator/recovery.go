package orchestrator

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/source"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// Recover resumes conversations interrupted by a restart. A drafting
// conversation without a draft gets its Writer step queued again; any other
// interrupted step returns the conversation to awaiting_review so the user
// can retry. It returns the number of conversations touched.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	convs, err := c.store.ListInterrupted(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, conv := range convs {
		if conv.Stage == models.StageDrafting && conv.LastDraftMessageID == "" {
			in := source.ParseInstruction(conv.State.UserRequest)
			if _, err := c.submitDraft(ctx, conv.ID, agent.Params{
				Request:     conv.State.UserRequest,
				Instruction: &in,
				Category:    conv.State.Category,
			}); err != nil {
				return recovered, fmt.Errorf("resume draft for %s: %w", conv.ID, err)
			}
			c.logger.Info("resumed interrupted draft", "conversation_id", conv.ID)
			recovered++
			continue
		}

		if _, err := c.mutate(ctx, conv.ID, func(*models.Conversation) (state.StepCommit, error) {
			return state.StepCommit{Stage: models.StageAwaitingReview, Automatic: true}, nil
		}); err != nil {
			return recovered, fmt.Errorf("reset %s: %w", conv.ID, err)
		}
		c.logger.Info("reset interrupted step", "conversation_id", conv.ID, "stage", conv.Stage)
		recovered++
	}
	return recovered, nil
}
