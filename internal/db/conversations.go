package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/errors"
)

const conversationColumns = `
	id, subject_id, snapshot_json, session_id, started_at,
	last_activity_at, closed_at, total_messages, primary_capability
`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// InsertConversation stores a new conversation row with zero messages.
func InsertConversation(ctx context.Context, db DBTX, c *conversation.Conversation) error {
	snapshotJSON, err := json.Marshal(c.Snapshot)
	if err != nil {
		return errors.NewInvalidRequest("snapshot is not JSON-serializable: " + err.Error())
	}

	query := `
		INSERT INTO conversations (
			id, subject_id, snapshot_json, session_id, started_at,
			last_activity_at, closed_at, total_messages, primary_capability
		) VALUES (?, ?, ?, ?, ?, ?, NULL, 0, NULL)
	`
	_, err = db.ExecContext(ctx, query,
		c.ID, c.SubjectID, string(snapshotJSON), toNullString(c.SessionID),
		c.StartedAt, c.LastActivityAt,
	)
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

// FindOrInsertOpenConversation returns the open conversation for c's
// (subject, session), inserting c when there is none. The lookup and the
// insert run in one write transaction, so concurrent callers for the same
// session get the same conversation. created reports whether c was inserted.
func FindOrInsertOpenConversation(ctx context.Context, db *sql.DB, c *conversation.Conversation) (_ *conversation.Conversation, created bool, _ error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.NewStorageUnavailable(err)
	}
	defer tx.Rollback()

	existing, err := FindOpenConversation(ctx, tx, c.SubjectID, c.SessionID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, errors.ErrNotFound):
		return nil, false, err
	}

	if err := InsertConversation(ctx, tx, c); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.NewStorageUnavailable(err)
	}
	return c, true, nil
}

// GetConversation retrieves a conversation by ID (open or closed).
func GetConversation(ctx context.Context, db DBTX, id string) (*conversation.Conversation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("conversation", id)
	}
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return c, nil
}

// FindOpenConversation returns the most recently active open conversation
// for (subject, session). A nil session matches anonymous conversations only.
func FindOpenConversation(ctx context.Context, db DBTX, subjectID string, sessionID *string) (*conversation.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE subject_id = ? AND closed_at IS NULL`
	args := []any{subjectID}
	if sessionID == nil {
		query += " AND session_id IS NULL"
	} else {
		query += " AND session_id = ?"
		args = append(args, *sessionID)
	}
	query += " ORDER BY last_activity_at DESC, id DESC LIMIT 1"

	c, err := scanConversation(db.QueryRowContext(ctx, query, args...))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("open conversation", subjectID)
	}
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return c, nil
}

// CloseConversation soft-closes an open conversation.
func CloseConversation(ctx context.Context, db DBTX, id string) (int64, error) {
	now := time.Now().UnixMilli()
	result, err := db.ExecContext(ctx,
		`UPDATE conversations SET closed_at = ? WHERE id = ? AND closed_at IS NULL`, now, id)
	if err != nil {
		return 0, errors.NewStorageUnavailable(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewStorageUnavailable(err)
	}
	if rowsAffected == 0 {
		// Distinguish missing from already closed
		if _, err := GetConversation(ctx, db, id); err != nil {
			return 0, err
		}
		return 0, errors.NewConversationClosed(id)
	}
	return now, nil
}

// ConversationFilters narrows ListConversations.
type ConversationFilters struct {
	SessionID *string
	SubjectID *string
	OpenOnly  bool
}

// ListConversations returns conversations ordered by last activity (most recent first)
// and the total matching count.
func ListConversations(ctx context.Context, db DBTX, filters ConversationFilters, limit, offset int) ([]conversation.Conversation, int, error) {
	where := " WHERE 1=1"
	var args []any
	if filters.SessionID != nil {
		where += " AND session_id = ?"
		args = append(args, *filters.SessionID)
	}
	if filters.SubjectID != nil {
		where += " AND subject_id = ?"
		args = append(args, *filters.SubjectID)
	}
	if filters.OpenOnly {
		where += " AND closed_at IS NULL"
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.NewStorageUnavailable(err)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations` + where +
		` ORDER BY last_activity_at DESC, id DESC LIMIT ? OFFSET ?`
	items, err := queryConversations(ctx, db, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListSimilarConversations returns conversations about subjectID with at least
// minMessages messages, most recently active first. excludeID may be empty.
func ListSimilarConversations(ctx context.Context, db DBTX, subjectID string, minMessages int, excludeID string, limit int) ([]conversation.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE subject_id = ? AND total_messages >= ? AND id != ?
		ORDER BY last_activity_at DESC, id DESC
		LIMIT ?`
	return queryConversations(ctx, db, query, subjectID, minMessages, excludeID, limit)
}

func queryConversations(ctx context.Context, db DBTX, query string, args ...any) ([]conversation.Conversation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return out, nil
}

// scanConversation scans a single row into a Conversation struct.
func scanConversation(row rowScanner) (*conversation.Conversation, error) {
	var (
		c            conversation.Conversation
		snapshotJSON string
		sessionID    sql.NullString
		closedAt     sql.NullInt64
		primary      sql.NullString
	)

	err := row.Scan(
		&c.ID, &c.SubjectID, &snapshotJSON, &sessionID, &c.StartedAt,
		&c.LastActivityAt, &closedAt, &c.TotalMessages, &primary,
	)
	if err != nil {
		return nil, err
	}

	c.SessionID = fromNullString(sessionID)
	if closedAt.Valid {
		c.ClosedAt = &closedAt.Int64
	}
	if primary.Valid {
		if capID, err := capability.Parse(primary.String); err == nil {
			c.PrimaryCapability = &capID
		}
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &c.Snapshot); err != nil {
		return nil, err
	}
	if c.Snapshot == nil {
		c.Snapshot = conversation.Snapshot{}
	}

	return &c, nil
}

// toNullString converts a *string to sql.NullString.
func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// fromNullString converts a sql.NullString to *string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
