package orchestrator

import (
	"context"
	"strings"

	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// SaveStatus is the lifecycle outcome requested by a save.
type SaveStatus string

const (
	// SaveActive keeps the conversation open.
	SaveActive SaveStatus = "active"
	// SaveCompleted accepts the content as final.
	SaveCompleted SaveStatus = "completed"
	// SaveArchived closes the conversation.
	SaveArchived SaveStatus = "archived"
)

// ParseSaveStatus validates a save status. Empty means active.
func ParseSaveStatus(s string) (SaveStatus, error) {
	switch st := SaveStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return SaveActive, nil
	case SaveActive, SaveCompleted, SaveArchived:
		return st, nil
	default:
		return "", invalid("unknown status %q", s)
	}
}

// SaveRequest stores user-approved content.
type SaveRequest struct {
	ConversationID string
	Content        string
	Status         SaveStatus
}

// SaveResult acknowledges a save.
type SaveResult struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	MessageID      string `json:"message_id"`
}

// Save writes final content and applies the requested status in one commit:
// state.final_content, a Final Editor message tagged as user-sourced and the
// status transition land together. Saving an archived conversation fails
// with ErrPreconditionFailed.
func (c *Coordinator) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, invalid("content is required")
	}
	status := req.Status
	if status == "" {
		status = SaveActive
	}
	if _, err := ParseSaveStatus(string(status)); err != nil {
		return nil, err
	}

	out, err := c.mutate(ctx, req.ConversationID, func(conv *models.Conversation) (state.StepCommit, error) {
		if conv.Status == models.ConversationArchived {
			return state.StepCommit{}, precondition("conversation %s is archived", conv.ID)
		}

		commit := state.StepCommit{
			Message: &state.NewMessage{
				Role:      models.RoleAssistant,
				Content:   req.Content,
				AgentName: models.AgentFinalEditor,
				Metadata:  map[string]any{models.MetaSource: "user"},
			},
			Patch: models.StatePatch{FinalContent: models.Ptr(req.Content)},
		}
		switch status {
		case SaveActive:
			commit.Status = models.ConversationActive
		case SaveCompleted:
			commit.Stage = models.StageCompleted
			commit.Patch.UserSatisfied = models.Ptr(true)
			commit.Patch.WaitingForUser = models.Ptr(false)
		case SaveArchived:
			commit.Status = models.ConversationArchived
			commit.Stage = models.StageArchived
		}
		return commit, nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("content saved", "conversation_id", req.ConversationID, "status", status)
	c.publish(EventSaved, out.Conversation, out.Message.ID)
	if status == SaveArchived {
		c.publish(EventArchived, out.Conversation, "")
	}
	return &SaveResult{ConversationID: req.ConversationID, Status: string(status), MessageID: out.Message.ID}, nil
}

// Archive closes a conversation. Archiving twice is a no-op. Steps already
// running still store their messages but no longer move the stage.
func (c *Coordinator) Archive(ctx context.Context, id string) (*models.Conversation, error) {
	var already *models.Conversation
	out, err := c.mutate(ctx, id, func(conv *models.Conversation) (state.StepCommit, error) {
		if conv.Status == models.ConversationArchived {
			already = conv
			return state.StepCommit{}, errAlreadyArchived
		}
		return state.StepCommit{Status: models.ConversationArchived, Stage: models.StageArchived}, nil
	})
	if already != nil {
		return already, nil
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info("conversation archived", "conversation_id", id)
	c.publish(EventArchived, out.Conversation, "")
	return out.Conversation, nil
}
