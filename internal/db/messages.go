package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/errors"
)

const messageColumns = `
	id, conversation_id, seq, direction, content, capability,
	confidence, latency_ms, data_sources_json, followups_json, created_at
`

// AppendMessages appends every message, in order, in one transaction. All of
// them must belong to the same conversation.
//
// The first statement writes the conversation row, so the transaction holds
// the write lock before anything is read. Concurrent appends to the same
// conversation serialize on that lock (busy_timeout) instead of reading a
// stale total_messages.
func AppendMessages(ctx context.Context, db *sql.DB, msgs ...*conversation.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs[1:] {
		if m.ConversationID != msgs[0].ConversationID {
			return errors.NewInvalidRequest("messages of one append must share a conversation")
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	defer tx.Rollback()

	seqs := make([]int, len(msgs))
	times := make([]int64, len(msgs))
	for i, m := range msgs {
		if seqs[i], times[i], err = appendInTx(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageUnavailable(err)
	}

	for i, m := range msgs {
		m.Seq = seqs[i]
		m.CreatedAt = times[i]
	}
	return nil
}

func appendInTx(ctx context.Context, tx *sql.Tx, m *conversation.Message) (int, int64, error) {
	var dataSources, followups sql.NullString
	if len(m.DataSources) > 0 {
		data, err := json.Marshal(m.DataSources)
		if err != nil {
			return 0, 0, errors.NewInternal(err)
		}
		dataSources = sql.NullString{String: string(data), Valid: true}
	}
	if len(m.Followups) > 0 {
		data, err := json.Marshal(m.Followups)
		if err != nil {
			return 0, 0, errors.NewInternal(err)
		}
		followups = sql.NullString{String: string(data), Valid: true}
	}

	// last_activity_at never moves backwards, so created_at is monotonic per conversation
	var seq int
	var createdAt int64
	err := tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET total_messages = total_messages + 1,
			last_activity_at = MAX(last_activity_at, ?)
		WHERE id = ? AND closed_at IS NULL
		RETURNING total_messages, last_activity_at
	`, m.CreatedAt, m.ConversationID).Scan(&seq, &createdAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		if _, getErr := GetConversation(ctx, tx, m.ConversationID); getErr != nil {
			return 0, 0, getErr
		}
		return 0, 0, errors.NewConversationClosed(m.ConversationID)
	}
	if err != nil {
		return 0, 0, errors.NewStorageUnavailable(err)
	}

	var capName sql.NullString
	if m.Capability != nil {
		capName = sql.NullString{String: m.Capability.String(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, seq, direction, content, capability,
			confidence, latency_ms, data_sources_json, followups_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.ConversationID, seq, string(m.Direction), m.Content, capName,
		toNullFloat(m.Confidence), toNullInt(m.LatencyMS), dataSources, followups, createdAt,
	)
	if err != nil {
		return 0, 0, errors.NewStorageUnavailable(err)
	}

	if m.Direction == conversation.DirectionAssistant && capName.Valid {
		if err := bumpCapability(ctx, tx, m.ConversationID, capName.String, seq); err != nil {
			return 0, 0, err
		}
	}
	return seq, createdAt, nil
}

// bumpCapability increments the per-conversation counter and recomputes
// primary_capability: highest uses, ties broken by first_seen_seq.
func bumpCapability(ctx context.Context, tx *sql.Tx, conversationID, capName string, seq int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_capabilities (conversation_id, capability, uses, first_seen_seq)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(conversation_id, capability) DO UPDATE SET uses = uses + 1
	`, conversationID, capName, seq)
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET primary_capability = (
			SELECT capability FROM conversation_capabilities
			WHERE conversation_id = ?
			ORDER BY uses DESC, first_seen_seq ASC
			LIMIT 1
		)
		WHERE id = ?
	`, conversationID, conversationID)
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

// ListMessages returns the last limit messages of a conversation, oldest first.
// limit <= 0 returns every message.
func ListMessages(ctx context.Context, db DBTX, conversationID string, limit int) ([]conversation.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`

	rows, err := db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return out, nil
}

// scanMessage scans a single row into a Message struct.
func scanMessage(row rowScanner) (*conversation.Message, error) {
	var (
		m           conversation.Message
		direction   string
		capName     sql.NullString
		confidence  sql.NullFloat64
		latency     sql.NullInt64
		dataSources sql.NullString
		followups   sql.NullString
	)

	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &direction, &m.Content, &capName,
		&confidence, &latency, &dataSources, &followups, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Direction = conversation.Direction(direction)
	if capName.Valid {
		if c, err := capability.Parse(capName.String); err == nil {
			m.Capability = &c
		}
	}
	if confidence.Valid {
		m.Confidence = &confidence.Float64
	}
	if latency.Valid {
		m.LatencyMS = &latency.Int64
	}
	if dataSources.Valid && dataSources.String != "" {
		if err := json.Unmarshal([]byte(dataSources.String), &m.DataSources); err != nil {
			return nil, err
		}
	}
	if followups.Valid && followups.String != "" {
		if err := json.Unmarshal([]byte(followups.String), &m.Followups); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func toNullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
