package db

import (
	"context"

	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/errors"
)

// SessionScope selects the conversations of one session active since a cutoff.
type SessionScope struct {
	SessionID string
	SubjectID *string // optional
	Since     int64   // unix ms, compared against last_activity_at
}

func (s SessionScope) where() (string, []any) {
	clause := " c.session_id = ? AND c.last_activity_at >= ?"
	args := []any{s.SessionID, s.Since}
	if s.SubjectID != nil {
		clause += " AND c.subject_id = ?"
		args = append(args, *s.SubjectID)
	}
	return clause, args
}

// CountSessionConversations counts conversations in scope.
func CountSessionConversations(ctx context.Context, db DBTX, scope SessionScope) (int, error) {
	where, args := scope.where()
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations c WHERE`+where, args...).Scan(&n); err != nil {
		return 0, errors.NewStorageUnavailable(err)
	}
	return n, nil
}

// SessionCapabilityCounts counts assistant messages per capability in scope.
func SessionCapabilityCounts(ctx context.Context, db DBTX, scope SessionScope) (map[string]int, error) {
	where, args := scope.where()
	query := `
		SELECT m.capability, COUNT(*)
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE m.direction = 'assistant' AND m.capability IS NOT NULL AND` + where + `
		GROUP BY m.capability`
	return queryCounts(ctx, db, query, args...)
}

// SessionContextValues returns context values for key in scope, in write order.
// Duplicates are kept; callers de-duplicate.
func SessionContextValues(ctx context.Context, db DBTX, scope SessionScope, key string) ([]string, error) {
	where, args := scope.where()
	query := `
		SELECT e.entry_value
		FROM context_entries e JOIN conversations c ON c.id = e.conversation_id
		WHERE e.entry_key = ? AND` + where + `
		ORDER BY e.created_at ASC, e.id ASC`

	rows, err := db.QueryContext(ctx, query, append([]any{key}, args...)...)
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return out, nil
}

// SessionSnapshots returns the subject snapshots of conversations in scope.
func SessionSnapshots(ctx context.Context, db DBTX, scope SessionScope) ([]conversation.Snapshot, error) {
	where, args := scope.where()
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE` + where +
		` ORDER BY c.started_at ASC, c.id ASC`
	convs, err := queryConversations(ctx, db, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Snapshot, len(convs))
	for i, c := range convs {
		out[i] = c.Snapshot
	}
	return out, nil
}

// WindowTotals holds global counts for a time window.
type WindowTotals struct {
	Conversations      int
	Messages           int
	ConversationTotals int // sum of total_messages over conversations in window
}

// CountWindow returns global totals for conversations started and messages
// created since the cutoff (unix ms).
func CountWindow(ctx context.Context, db DBTX, since int64) (*WindowTotals, error) {
	var t WindowTotals
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_messages), 0)
		FROM conversations WHERE started_at >= ?
	`, since).Scan(&t.Conversations, &t.ConversationTotals)
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE created_at >= ?`, since).Scan(&t.Messages); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return &t, nil
}

// WindowCapabilityCounts counts assistant messages per capability since the cutoff.
func WindowCapabilityCounts(ctx context.Context, db DBTX, since int64) (map[string]int, error) {
	return queryCounts(ctx, db, `
		SELECT capability, COUNT(*) FROM messages
		WHERE direction = 'assistant' AND capability IS NOT NULL AND created_at >= ?
		GROUP BY capability
	`, since)
}

// SubjectCount is one row of the most-discussed ranking.
type SubjectCount struct {
	SubjectID     string `json:"subject_id"`
	Conversations int    `json:"conversations"`
	Messages      int    `json:"messages"`
}

// TopSubjects ranks subjects by conversations started since the cutoff.
func TopSubjects(ctx context.Context, db DBTX, since int64, limit int) ([]SubjectCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT subject_id, COUNT(*) AS conversations, COALESCE(SUM(total_messages), 0) AS messages
		FROM conversations
		WHERE started_at >= ?
		GROUP BY subject_id
		ORDER BY conversations DESC, messages DESC, subject_id ASC
		LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer rows.Close()

	var out []SubjectCount
	for rows.Next() {
		var s SubjectCount
		if err := rows.Scan(&s.SubjectID, &s.Conversations, &s.Messages); err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return out, nil
}

func queryCounts(ctx context.Context, db DBTX, query string, args ...any) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return out, nil
}
