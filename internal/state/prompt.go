package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ShayCichocki/scribe/pkg/models"
)

const promptColumns = `agent_name, version, prompt, is_current, created_at`

func scanPrompt(row rowScanner) (*models.PromptVersion, error) {
	var p models.PromptVersion
	var current int
	var createdAt string
	if err := row.Scan(&p.AgentName, &p.Version, &p.Prompt, &current, &createdAt); err != nil {
		return nil, err
	}
	p.IsCurrent = current == 1
	p.CreatedAt, _ = parseTime(createdAt)
	return &p, nil
}

// SetSystemPrompt records a new prompt version for an agent. Versions are
// append-only: an existing (agent, version) pair is left untouched and
// reported as created=false. When current is true the version becomes the
// agent's only current prompt.
func (db *DB) SetSystemPrompt(ctx context.Context, agentName, version, prompt string, current bool) (created bool, err error) {
	if agentName == "" || version == "" {
		return false, errors.New("agent name and version are required")
	}

	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO system_prompts (agent_name, version, prompt, is_current, created_at)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(agent_name, version) DO NOTHING
		`, agentName, version, prompt, formatTime(db.now()))
		if err != nil {
			return fmt.Errorf("insert prompt: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n > 0

		if current && created {
			return setCurrentPromptTx(ctx, tx, agentName, version)
		}
		return nil
	})
	return created, err
}

// SetCurrentPrompt marks an existing version as the agent's current prompt.
func (db *DB) SetCurrentPrompt(ctx context.Context, agentName, version string) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		return setCurrentPromptTx(ctx, tx, agentName, version)
	})
}

func setCurrentPromptTx(ctx context.Context, tx *sql.Tx, agentName, version string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE system_prompts SET is_current = 0 WHERE agent_name = ? AND is_current = 1", agentName); err != nil {
		return fmt.Errorf("clear current prompt: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE system_prompts SET is_current = 1 WHERE agent_name = ? AND version = ?", agentName, version)
	if err != nil {
		return fmt.Errorf("set current prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("prompt %s@%s: %w", agentName, version, ErrNotFound)
	}
	return nil
}

// GetCurrentPrompt returns the current prompt version for an agent.
func (db *DB) GetCurrentPrompt(ctx context.Context, agentName string) (*models.PromptVersion, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, "SELECT "+promptColumns+
		" FROM system_prompts WHERE agent_name = ? AND is_current = 1", agentName)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("current prompt for %s: %w", agentName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get current prompt: %w", err)
	}
	return p, nil
}

// GetPrompt returns a specific prompt version.
func (db *DB) GetPrompt(ctx context.Context, agentName, version string) (*models.PromptVersion, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, "SELECT "+promptColumns+
		" FROM system_prompts WHERE agent_name = ? AND version = ?", agentName, version)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prompt %s@%s: %w", agentName, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

// ListPrompts lists prompt versions in creation order. An empty agentName lists all agents.
func (db *DB) ListPrompts(ctx context.Context, agentName string) ([]models.PromptVersion, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if agentName != "" {
		rows, err = db.conn.QueryContext(ctx, "SELECT "+promptColumns+
			" FROM system_prompts WHERE agent_name = ? ORDER BY id", agentName)
	} else {
		rows, err = db.conn.QueryContext(ctx, "SELECT "+promptColumns+
			" FROM system_prompts ORDER BY agent_name, id")
	}
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var out []models.PromptVersion
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
