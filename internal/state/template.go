package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/scribe/pkg/models"
)

const templateColumns = `id, title, content, category, format, author, source_url, tags, created_at`

func scanTemplate(row rowScanner) (*models.Template, error) {
	var tpl models.Template
	var author, sourceURL sql.NullString
	var tagsJSON, createdAt string
	if err := row.Scan(&tpl.ID, &tpl.Title, &tpl.Content, &tpl.Category, &tpl.Format,
		&author, &sourceURL, &tagsJSON, &createdAt); err != nil {
		return nil, err
	}
	tpl.Author = author.String
	tpl.SourceURL = sourceURL.String
	if err := json.Unmarshal([]byte(tagsJSON), &tpl.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of template %s: %w", tpl.ID, err)
	}
	tpl.CreatedAt, _ = parseTime(createdAt)
	return &tpl, nil
}

// CreateTemplate stores a reference post. Category and format are normalized.
// ID and CreatedAt are assigned when empty.
func (db *DB) CreateTemplate(ctx context.Context, tpl *models.Template) error {
	if strings.TrimSpace(tpl.Content) == "" {
		return errors.New("template content is required")
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = db.now().UTC()
	}
	if tpl.Tags == nil {
		tpl.Tags = []string{}
	}
	tpl.Category = models.NormalizeLabel(tpl.Category)
	tpl.Format = models.NormalizeLabel(tpl.Format)

	tagsJSON, err := json.Marshal(tpl.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO content_templates (id, title, content, category, format, author, source_url, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tpl.ID, tpl.Title, tpl.Content, tpl.Category, tpl.Format,
		nullString(tpl.Author), nullString(tpl.SourceURL), string(tagsJSON), formatTime(tpl.CreatedAt))
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (db *DB) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, "SELECT "+templateColumns+" FROM content_templates WHERE id = ?", id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return tpl, nil
}

// LatestTemplate returns the newest template for a category and format.
func (db *DB) LatestTemplate(ctx context.Context, category, format string) (*models.Template, error) {
	category = models.NormalizeLabel(category)
	format = models.NormalizeLabel(format)

	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, "SELECT "+templateColumns+` FROM content_templates
		WHERE category = ? AND format = ? ORDER BY created_at DESC LIMIT 1`, category, format)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template for %s/%s: %w", category, format, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest template: %w", err)
	}
	return tpl, nil
}

// ListTemplates lists templates newest first. Empty filters match everything.
// A non-positive limit defaults to 50.
func (db *DB) ListTemplates(ctx context.Context, category, format string, limit int) ([]models.Template, error) {
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []any
	if category != "" {
		where = append(where, "category = ?")
		args = append(args, models.NormalizeLabel(category))
	}
	if format != "" {
		where = append(where, "format = ?")
		args = append(args, models.NormalizeLabel(format))
	}
	query := "SELECT " + templateColumns + " FROM content_templates"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	out := []models.Template{}
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, *tpl)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template.
func (db *DB) DeleteTemplate(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.conn.ExecContext(ctx, "DELETE FROM content_templates WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return nil
}
