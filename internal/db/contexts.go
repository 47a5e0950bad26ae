package db

import (
	"context"
	"database/sql"

	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/errors"
)

// InsertContext stores a write-once context entry.
// The conversation must exist; closed conversations still accept context.
func InsertContext(ctx context.Context, db DBTX, e *conversation.ContextEntry) error {
	if _, err := GetConversation(ctx, db, e.ConversationID); err != nil {
		return err
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO context_entries (
			id, conversation_id, entry_type, entry_key, entry_value,
			confidence, source_message_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.ConversationID, e.Type, e.Key, e.Value,
		e.Confidence, toNullString(e.SourceMessageID), e.CreatedAt,
	)
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

// ListContext returns the context entries of one conversation in write order.
func ListContext(ctx context.Context, db DBTX, conversationID string) ([]conversation.ContextEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, entry_type, entry_key, entry_value,
			confidence, source_message_id, created_at
		FROM context_entries
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer rows.Close()

	var out []conversation.ContextEntry
	for rows.Next() {
		var (
			e      conversation.ContextEntry
			source sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Type, &e.Key, &e.Value,
			&e.Confidence, &source, &e.CreatedAt); err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		e.SourceMessageID = fromNullString(source)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return out, nil
}
