package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ShayCichocki/scribe/pkg/models"
)

// Order selects the direction of a message listing.
type Order int

const (
	// Chronological lists oldest first.
	Chronological Order = iota
	// ReverseChronological lists newest first.
	ReverseChronological
)

// NewMessage describes a message to append.
type NewMessage struct {
	Role      models.Role
	Content   string
	AgentName string
	Metadata  map[string]any
	// IdempotencyKey, when set, makes the append a no-op if a message with
	// the same key already exists.
	IdempotencyKey string
}

const messageColumns = `seq, id, conversation_id, role, content, agent_name, metadata, idempotency_key, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var agentName, key sql.NullString
	var metaJSON, createdAt string

	if err := row.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.Role, &m.Content,
		&agentName, &metaJSON, &key, &createdAt); err != nil {
		return nil, err
	}

	m.AgentName = agentName.String
	m.IdempotencyKey = key.String
	if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of message %s: %w", m.ID, err)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.CreatedAt, _ = parseTime(createdAt)
	return &m, nil
}

// findMessageByKeyTx returns the message with the given idempotency key, or nil.
func findMessageByKeyTx(ctx context.Context, tx *sql.Tx, key string) (*models.Message, error) {
	if key == "" {
		return nil, nil
	}
	row := tx.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE idempotency_key = ?", key)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message by key: %w", err)
	}
	return m, nil
}

// insertMessageTx inserts msg into conversationID. The creation time is clamped
// so it never precedes the conversation's latest message.
func (db *DB) insertMessageTx(ctx context.Context, tx *sql.Tx, conversationID string, msg NewMessage) (*models.Message, error) {
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", msg.Role)
	}

	meta := msg.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	created := db.now().UTC()
	var latest sql.NullString
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(created_at) FROM messages WHERE conversation_id = ?", conversationID).Scan(&latest); err != nil {
		return nil, fmt.Errorf("read latest message time: %w", err)
	}
	if latest.Valid {
		if prev, err := parseTime(latest.String); err == nil && created.Before(prev) {
			created = prev
		}
	}

	m := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		AgentName:      msg.AgentName,
		Metadata:       meta,
		IdempotencyKey: msg.IdempotencyKey,
		CreatedAt:      created,
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, agent_name, metadata, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, conversationID, string(m.Role), m.Content, nullString(m.AgentName), string(metaJSON),
		nullString(m.IdempotencyKey), formatTime(created))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if m.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("read message seq: %w", err)
	}
	return m, nil
}

// touchConversationTx bumps updated_at without changing the state version.
func (db *DB) touchConversationTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", formatTime(db.now()), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// AppendMessage appends an immutable message to a conversation.
// If msg carries an idempotency key that was already used, the existing
// message is returned and nothing is written.
func (db *DB) AppendMessage(ctx context.Context, conversationID string, msg NewMessage) (*models.Message, error) {
	var out *models.Message
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := getConversationTx(ctx, tx, conversationID); err != nil {
			return err
		}

		existing, err := findMessageByKeyTx(ctx, tx, msg.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		m, err := db.insertMessageTx(ctx, tx, conversationID, msg)
		if err != nil {
			return err
		}
		if err := db.touchConversationTx(ctx, tx, conversationID); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StepCommit describes everything one pipeline step writes.
// All of it is applied in a single transaction.
type StepCommit struct {
	// Message is appended when non-nil.
	Message *NewMessage
	// Patch is merged into the conversation state.
	Patch models.StatePatch
	// Stage replaces the pipeline stage when non-empty.
	Stage models.Stage
	// Status replaces the lifecycle status when non-empty.
	Status models.ConversationStatus
	// SetDraftPointer points LastDraftMessageID at the appended message.
	SetDraftPointer bool
	// SetFormattedPointer points LastFormattedMessageID at the appended message.
	SetFormattedPointer bool
	// Automatic marks a coordinator-driven transition. On a terminal
	// conversation an automatic commit only writes the message and pointers.
	Automatic bool
	// ExpectedVersion, when set, must match the stored version.
	ExpectedVersion *int64
}

// StepOutcome reports what CommitStep wrote.
type StepOutcome struct {
	Message      *models.Message
	Conversation *models.Conversation
	// Duplicate is true when the idempotency key was already used; nothing was written.
	Duplicate bool
	// Advanced is false when an automatic transition was skipped on a terminal conversation.
	Advanced bool
}

// CommitStep appends a step's message and applies its state transition atomically.
func (db *DB) CommitStep(ctx context.Context, conversationID string, c StepCommit) (*StepOutcome, error) {
	var out StepOutcome
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		conv, err := getConversationTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if c.ExpectedVersion != nil && conv.Version != *c.ExpectedVersion {
			return fmt.Errorf("conversation %s at version %d, expected %d: %w",
				conversationID, conv.Version, *c.ExpectedVersion, ErrConflict)
		}

		if c.Message != nil {
			existing, err := findMessageByKeyTx(ctx, tx, c.Message.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				out = StepOutcome{Message: existing, Conversation: conv, Duplicate: true}
				return nil
			}

			m, err := db.insertMessageTx(ctx, tx, conversationID, *c.Message)
			if err != nil {
				return err
			}
			out.Message = m
			if c.SetDraftPointer {
				conv.LastDraftMessageID = m.ID
			}
			if c.SetFormattedPointer {
				conv.LastFormattedMessageID = m.ID
			}
		}

		out.Advanced = !(c.Automatic && conv.Terminal())
		if out.Advanced {
			conv.State = c.Patch.Apply(conv.State)
			if c.Stage != "" {
				conv.Stage = c.Stage
			}
			if c.Status != "" {
				conv.Status = c.Status
			}
		}

		if err := db.writeConversationTx(ctx, tx, conv); err != nil {
			return err
		}
		out.Conversation = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessage retrieves a message by ID.
func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// FindMessageByKey returns the message recorded under an idempotency key.
func (db *DB) FindMessageByKey(ctx context.Context, key string) (*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE idempotency_key = ?", key)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message with key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	return m, nil
}

// LatestMessageByAgent returns the newest message produced by agentName.
// Ties on creation time are broken by insertion order.
func (db *DB) LatestMessageByAgent(ctx context.Context, conversationID, agentName string) (*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+` FROM messages
		WHERE conversation_id = ? AND agent_name = ?
		ORDER BY created_at DESC, seq DESC LIMIT 1`, conversationID, agentName)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s message in conversation %s: %w", agentName, conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return m, nil
}

// ListMessages returns all messages of a conversation ordered by creation
// time, ties broken by insertion order.
func (db *DB) ListMessages(ctx context.Context, conversationID string, order Order) ([]models.Message, error) {
	if _, err := db.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	dir := "ASC"
	if order == ReverseChronological {
		dir = "DESC"
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, "SELECT "+messageColumns+
		" FROM messages WHERE conversation_id = ? ORDER BY created_at "+dir+", seq "+dir, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of messages in a conversation.
func (db *DB) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
