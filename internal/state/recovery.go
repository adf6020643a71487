package state

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/scribe/pkg/models"
)

// ListInterrupted returns active conversations left in a working stage
// (drafting or formatting). After a restart nothing is executing for them,
// so they were interrupted mid-step.
func (db *DB) ListInterrupted(ctx context.Context) ([]models.Conversation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, "SELECT "+conversationColumns+`
		FROM conversations WHERE status = ? AND stage IN (?, ?) ORDER BY updated_at`,
		string(models.ConversationActive), string(models.StageDrafting), string(models.StageFormatting))
	if err != nil {
		return nil, fmt.Errorf("list interrupted conversations: %w", err)
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
