package models

import "time"

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	// ConversationActive indicates the conversation is open for work.
	ConversationActive ConversationStatus = "active"
	// ConversationArchived indicates the user closed the conversation.
	// Archived conversations are soft-terminal and never hard-deleted by the coordinator.
	ConversationArchived ConversationStatus = "archived"
)

// Valid returns true if the status is a known value.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationArchived:
		return true
	default:
		return false
	}
}

// Stage is the position of a conversation in the post generation pipeline.
type Stage string

const (
	// StageStarted indicates the conversation was created but no work is queued yet.
	StageStarted Stage = "started"
	// StageDrafting indicates a Writer step is queued or running.
	StageDrafting Stage = "drafting"
	// StageAwaitingReview indicates agent output is ready for the user.
	StageAwaitingReview Stage = "awaiting_review"
	// StageFormatting indicates a Format Agent step is running.
	StageFormatting Stage = "formatting"
	// StageCompleted indicates the user accepted the final content.
	StageCompleted Stage = "completed"
	// StageArchived indicates the conversation was archived.
	StageArchived Stage = "archived"
)

// Valid returns true if the stage is a known value.
func (s Stage) Valid() bool {
	switch s {
	case StageStarted, StageDrafting, StageAwaitingReview, StageFormatting, StageCompleted, StageArchived:
		return true
	default:
		return false
	}
}

// Terminal returns true if no automatic transition may leave this stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageArchived
}

// Conversation is the durable unit of work tracking one post's generation lifecycle.
type Conversation struct {
	// ID is the opaque unique identifier.
	ID string `json:"id"`
	// Title is the user-facing name of the conversation.
	Title string `json:"title"`
	// Status is the lifecycle status (active or archived).
	Status ConversationStatus `json:"status"`
	// Stage is the pipeline position maintained by the coordinator.
	Stage Stage `json:"stage"`
	// State is the scratch space shared across agents.
	State ConversationState `json:"state"`
	// Summary is the running summary of the conversation, if any.
	Summary string `json:"summary,omitempty"`
	// LastDraftMessageID points at the most recent Writer message.
	LastDraftMessageID string `json:"last_draft_message_id,omitempty"`
	// LastFormattedMessageID points at the most recent Format Agent message.
	LastFormattedMessageID string `json:"last_formatted_message_id,omitempty"`
	// Version increments on every mutation and backs optimistic concurrency.
	Version int64 `json:"version"`
	// StepSeq is the number of pipeline steps allocated so far.
	StepSeq int64 `json:"step_seq"`
	// CreatedAt is when the conversation was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the conversation was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the conversation has reached a terminal stage.
func (c *Conversation) Terminal() bool {
	return c.Status == ConversationArchived || c.Stage.Terminal()
}
