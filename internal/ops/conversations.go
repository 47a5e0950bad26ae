package ops

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/db"
	"github.com/hpungsan/carchat/internal/errors"
)

// CreateConversationInput contains parameters for the CreateConversation operation.
type CreateConversationInput struct {
	SubjectID string                // required
	Snapshot  conversation.Snapshot // copied; may be nil
	SessionID *string               // optional
}

// ConversationOutput wraps a conversation for JSON output.
type ConversationOutput struct {
	conversation.Conversation
	IsOpen bool `json:"open"`
}

// CreateConversation creates an open conversation with zero messages.
// It either fully succeeds or returns an error; no partial row is visible.
func CreateConversation(ctx context.Context, database *sql.DB, input CreateConversationInput) (*ConversationOutput, error) {
	c, err := newConversation(input)
	if err != nil {
		return nil, err
	}

	if err := db.InsertConversation(ctx, database, c); err != nil {
		return nil, err
	}

	return &ConversationOutput{Conversation: *c, IsOpen: true}, nil
}

// OpenConversation returns the open conversation for (subject, session), or
// creates one. Concurrent calls for the same session resolve to the same
// conversation. Anonymous callers always get a new one. created reports
// whether a row was inserted.
func OpenConversation(ctx context.Context, database *sql.DB, input CreateConversationInput) (_ *ConversationOutput, created bool, _ error) {
	c, err := newConversation(input)
	if err != nil {
		return nil, false, err
	}

	if c.SessionID == nil {
		if err := db.InsertConversation(ctx, database, c); err != nil {
			return nil, false, err
		}
		return &ConversationOutput{Conversation: *c, IsOpen: true}, true, nil
	}

	got, created, err := db.FindOrInsertOpenConversation(ctx, database, c)
	if err != nil {
		return nil, false, err
	}
	return &ConversationOutput{Conversation: *got, IsOpen: true}, created, nil
}

func newConversation(input CreateConversationInput) (*conversation.Conversation, error) {
	subjectID := strings.TrimSpace(input.SubjectID)
	if subjectID == "" {
		return nil, errors.NewInvalidRequest("subject_id is required")
	}

	id, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	now := time.Now().UnixMilli()
	return &conversation.Conversation{
		ID:             id,
		SubjectID:      subjectID,
		Snapshot:       input.Snapshot.Clone(),
		SessionID:      cleanOptionalString(input.SessionID),
		StartedAt:      now,
		LastActivityAt: now,
	}, nil
}

// GetConversation retrieves one conversation by ID.
func GetConversation(ctx context.Context, database *sql.DB, id string) (*ConversationOutput, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequest("conversation_id is required")
	}
	c, err := db.GetConversation(ctx, database, id)
	if err != nil {
		return nil, err
	}
	return &ConversationOutput{Conversation: *c, IsOpen: c.Open()}, nil
}

// FindOpenConversation returns the most recent open conversation for
// (subject, session). Anonymous callers (nil session) never share conversations.
func FindOpenConversation(ctx context.Context, database *sql.DB, subjectID string, sessionID *string) (*ConversationOutput, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, errors.NewInvalidRequest("subject_id is required")
	}
	sessionID = cleanOptionalString(sessionID)
	if sessionID == nil {
		return nil, errors.NewNotFound("open conversation", subjectID)
	}
	c, err := db.FindOpenConversation(ctx, database, subjectID, sessionID)
	if err != nil {
		return nil, err
	}
	return &ConversationOutput{Conversation: *c, IsOpen: true}, nil
}

// CloseOutput contains the result of the CloseConversation operation.
type CloseOutput struct {
	ID       string `json:"id"`
	ClosedAt int64  `json:"closed_at"`
}

// CloseConversation soft-closes a conversation. Messages are kept.
func CloseConversation(ctx context.Context, database *sql.DB, id string) (*CloseOutput, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequest("conversation_id is required")
	}
	closedAt, err := db.CloseConversation(ctx, database, id)
	if err != nil {
		return nil, err
	}
	return &CloseOutput{ID: id, ClosedAt: closedAt}, nil
}

// ListInput contains parameters for the ListConversations operation.
type ListInput struct {
	SessionID *string // optional filter
	SubjectID *string // optional filter
	OpenOnly  bool
	Limit     int // default: 20, max: 100
	Offset    int // default: 0
}

// ListOutput contains the result of the ListConversations operation.
type ListOutput struct {
	Items      []ConversationOutput `json:"items"`
	Pagination Pagination           `json:"pagination"`
	Sort       string               `json:"sort"`
}

// ListConversations retrieves conversations, most recently active first.
func ListConversations(ctx context.Context, database *sql.DB, input ListInput) (*ListOutput, error) {
	limit := clamp(input.Limit, DefaultListLimit, MaxListLimit)
	offset := max(input.Offset, 0)

	filters := db.ConversationFilters{
		SessionID: cleanOptionalString(input.SessionID),
		SubjectID: cleanOptionalString(input.SubjectID),
		OpenOnly:  input.OpenOnly,
	}

	convs, total, err := db.ListConversations(ctx, database, filters, limit, offset)
	if err != nil {
		return nil, err
	}

	// Ensure we return an empty array rather than nil
	items := make([]ConversationOutput, len(convs))
	for i, c := range convs {
		items[i] = ConversationOutput{Conversation: c, IsOpen: c.Open()}
	}

	return &ListOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
		Sort: "last_activity_desc",
	}, nil
}
