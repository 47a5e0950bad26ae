package ops

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/db"
	"github.com/hpungsan/carchat/internal/errors"
)

// AddContextInput contains parameters for the AddContext operation.
type AddContextInput struct {
	ConversationID  string // required
	Type            string // required, e.g. "preference"
	Key             string // required
	Value           string // required
	Confidence      float64
	SourceMessageID *string // optional
}

// AddContextOutput contains the result of the AddContext operation.
type AddContextOutput struct {
	ID string `json:"id"`
}

// AddContext records a write-once context entry against a conversation.
func AddContext(ctx context.Context, database *sql.DB, input AddContextInput) (*AddContextOutput, error) {
	convID := strings.TrimSpace(input.ConversationID)
	if convID == "" {
		return nil, errors.NewInvalidRequest("conversation_id is required")
	}
	entryType := strings.TrimSpace(input.Type)
	key := strings.TrimSpace(input.Key)
	value := strings.TrimSpace(input.Value)
	if entryType == "" || key == "" || value == "" {
		return nil, errors.NewInvalidRequest("type, key and value are required")
	}
	if utf8.RuneCountInString(value) > MaxContextValueChars {
		return nil, errors.NewInvalidRequest("value exceeds maximum length")
	}
	if math.IsNaN(input.Confidence) || input.Confidence < 0 || input.Confidence > 1 {
		return nil, errors.NewInvalidRequest("confidence must be within [0, 1]")
	}

	id, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	e := &conversation.ContextEntry{
		ID:              id,
		ConversationID:  convID,
		Type:            entryType,
		Key:             key,
		Value:           value,
		Confidence:      input.Confidence,
		SourceMessageID: cleanOptionalString(input.SourceMessageID),
		CreatedAt:       time.Now().UnixMilli(),
	}
	if err := db.InsertContext(ctx, database, e); err != nil {
		return nil, err
	}

	return &AddContextOutput{ID: id}, nil
}

// ListContext returns the context entries of one conversation in write order.
func ListContext(ctx context.Context, database *sql.DB, conversationID string) ([]conversation.ContextEntry, error) {
	conv, err := GetConversation(ctx, database, conversationID)
	if err != nil {
		return nil, err
	}
	entries, err := db.ListContext(ctx, database, conv.ID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []conversation.ContextEntry{}
	}
	return entries, nil
}
