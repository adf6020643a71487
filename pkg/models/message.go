package models

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid returns true if the role is a known value.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	default:
		return false
	}
}

// Agent names recognized by the coordinator.
const (
	AgentWriter      = "Writer"
	AgentFormat      = "Format Agent"
	AgentFinalEditor = "Final Editor"
	AgentStrategist  = "Strategist"
	AgentSummarizer  = "Summarizer"
)

// Metadata keys written by the coordinator.
const (
	MetaFeedback            = "feedback"
	MetaType                = "type"
	MetaSource              = "source"
	MetaModel               = "model"
	MetaSystemPromptVersion = "system_prompt_version"
	MetaStep                = "step"
)

// Message is an immutable, ordered record of content produced within a conversation.
// Corrections are new messages; existing rows are never edited.
type Message struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	AgentName      string         `json:"agent_name,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Feedback returns the feedback annotation recorded on the message, if any.
func (m *Message) Feedback() string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[MetaFeedback].(string)
	return s
}

// Before reports whether m is ordered before other.
// Ordering is by creation time with ties broken by store-assigned sequence.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}
