package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/scribe/pkg/models"
)

const conversationColumns = `id, title, status, stage, state, summary,
	last_draft_message_id, last_formatted_message_id, version, step_seq, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var stateJSON, createdAt, updatedAt string
	var lastDraft, lastFormatted sql.NullString

	err := row.Scan(&c.ID, &c.Title, &c.Status, &c.Stage, &stateJSON, &c.Summary,
		&lastDraft, &lastFormatted, &c.Version, &c.StepSeq, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stateJSON), &c.State); err != nil {
		return nil, fmt.Errorf("decode state of conversation %s: %w", c.ID, err)
	}
	c.LastDraftMessageID = lastDraft.String
	c.LastFormattedMessageID = lastFormatted.String
	c.CreatedAt, _ = parseTime(createdAt)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}

// CreateConversation creates a new active conversation seeded with initialState.
func (db *DB) CreateConversation(ctx context.Context, title string, initialState models.ConversationState) (*models.Conversation, error) {
	stateJSON, err := json.Marshal(initialState)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}

	now := db.now()
	c := &models.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		Status:    models.ConversationActive,
		Stage:     models.StageStarted,
		State:     initialState,
		Version:   1,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO conversations (id, title, status, stage, state, summary, version, step_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', 1, 0, ?, ?)
	`, c.ID, c.Title, string(c.Status), string(c.Stage), string(stateJSON), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetConversation retrieves a conversation by ID.
func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations lists conversations newest first, optionally filtered by status.
// A non-positive limit defaults to 50.
func (db *DB) ListConversations(ctx context.Context, status *models.ConversationStatus, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = db.conn.QueryContext(ctx, "SELECT "+conversationColumns+
			" FROM conversations WHERE status = ? ORDER BY created_at DESC LIMIT ?", string(*status), limit)
	} else {
		rows, err = db.conn.QueryContext(ctx, "SELECT "+conversationColumns+
			" FROM conversations ORDER BY created_at DESC LIMIT ?", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// getConversationTx loads a conversation inside a transaction.
func getConversationTx(ctx context.Context, tx *sql.Tx, id string) (*models.Conversation, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// writeConversationTx persists c if its stored version still equals c.Version,
// then bumps the version. A stale version yields ErrConflict.
func (db *DB) writeConversationTx(ctx context.Context, tx *sql.Tx, c *models.Conversation) error {
	stateJSON, err := json.Marshal(c.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	now := db.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET title = ?, status = ?, stage = ?, state = ?, summary = ?,
			last_draft_message_id = ?, last_formatted_message_id = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, c.Title, string(c.Status), string(c.Stage), string(stateJSON), c.Summary,
		nullString(c.LastDraftMessageID), nullString(c.LastFormattedMessageID),
		formatTime(now), c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s at version %d: %w", c.ID, c.Version, ErrConflict)
	}

	c.Version++
	c.UpdatedAt = now.UTC()
	return nil
}

// UpdateConversationState merges patch into the conversation state atomically.
// When expectedVersion is non-nil and the stored version differs, ErrConflict
// is returned and nothing is written; callers retry with a fresh read.
func (db *DB) UpdateConversationState(ctx context.Context, id string, patch models.StatePatch, expectedVersion *int64) (*models.Conversation, error) {
	var out *models.Conversation
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		c, err := getConversationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if expectedVersion != nil && c.Version != *expectedVersion {
			return fmt.Errorf("conversation %s at version %d, expected %d: %w", id, c.Version, *expectedVersion, ErrConflict)
		}

		c.State = patch.Apply(c.State)
		if err := db.writeConversationTx(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResetConversationState replaces the whole state. This is the only operation
// that does not merge.
func (db *DB) ResetConversationState(ctx context.Context, id string, st models.ConversationState) (*models.Conversation, error) {
	var out *models.Conversation
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		c, err := getConversationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		c.State = st
		if err := db.writeConversationTx(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSummary stores the running summary of a conversation.
func (db *DB) UpdateSummary(ctx context.Context, id, summary string) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		c, err := getConversationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		c.Summary = summary
		return db.writeConversationTx(ctx, tx, c)
	})
}

// NextStep allocates the next pipeline step number for a conversation.
func (db *DB) NextStep(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE conversations SET step_seq = step_seq + 1 WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("allocate step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return tx.QueryRowContext(ctx, "SELECT step_seq FROM conversations WHERE id = ?", id).Scan(&seq)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// PurgeArchivedConversations deletes archived conversations not updated within olderThan.
// Their messages are removed by cascade. Returns the number of conversations deleted.
func (db *DB) PurgeArchivedConversations(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(db.now().Add(-olderThan))

	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.ExecContext(ctx, `
		DELETE FROM conversations WHERE status = ? AND updated_at < ?
	`, string(models.ConversationArchived), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge archived conversations: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
