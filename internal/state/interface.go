package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/scribe/pkg/models"
)

// ConversationStore handles conversation-level persistence.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string, initialState models.ConversationState) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, status *models.ConversationStatus, limit int) ([]models.Conversation, error)
	UpdateConversationState(ctx context.Context, id string, patch models.StatePatch, expectedVersion *int64) (*models.Conversation, error)
	ResetConversationState(ctx context.Context, id string, st models.ConversationState) (*models.Conversation, error)
	UpdateSummary(ctx context.Context, id, summary string) error
	NextStep(ctx context.Context, id string) (int64, error)
	PurgeArchivedConversations(ctx context.Context, olderThan time.Duration) (int64, error)
	ListInterrupted(ctx context.Context) ([]models.Conversation, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	AppendMessage(ctx context.Context, conversationID string, msg NewMessage) (*models.Message, error)
	CommitStep(ctx context.Context, conversationID string, c StepCommit) (*StepOutcome, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	FindMessageByKey(ctx context.Context, key string) (*models.Message, error)
	LatestMessageByAgent(ctx context.Context, conversationID, agentName string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string, order Order) ([]models.Message, error)
}

// PromptStore handles versioned system prompts.
type PromptStore interface {
	SetSystemPrompt(ctx context.Context, agentName, version, prompt string, current bool) (bool, error)
	SetCurrentPrompt(ctx context.Context, agentName, version string) error
	GetCurrentPrompt(ctx context.Context, agentName string) (*models.PromptVersion, error)
	GetPrompt(ctx context.Context, agentName, version string) (*models.PromptVersion, error)
	ListPrompts(ctx context.Context, agentName string) ([]models.PromptVersion, error)
}

// TemplateStore handles content templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tpl *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	LatestTemplate(ctx context.Context, category, format string) (*models.Template, error)
	ListTemplates(ctx context.Context, category, format string, limit int) ([]models.Template, error)
	DeleteTemplate(ctx context.Context, id string) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store is everything the coordinator and channels need from persistence.
// It composes the focused sub-interfaces so callers can depend on less.
type Store interface {
	io.Closer
	Migrator
	ConversationStore
	MessageStore
	PromptStore
	TemplateStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store             = (*DB)(nil)
	_ Migrator          = (*DB)(nil)
	_ ConversationStore = (*DB)(nil)
	_ MessageStore      = (*DB)(nil)
	_ PromptStore       = (*DB)(nil)
	_ TemplateStore     = (*DB)(nil)
)
