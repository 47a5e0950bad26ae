package ops

import (
	"context"
	"database/sql"

	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/db"
)

// HistoryInput contains parameters for the GetHistory operation.
type HistoryInput struct {
	ConversationID string // required
	Limit          int    // default: 50, max: 500
}

// HistoryOutput contains a conversation and its most recent messages.
type HistoryOutput struct {
	Conversation ConversationOutput     `json:"conversation"`
	Messages     []conversation.Message `json:"messages"`
}

// GetHistory returns the last Limit messages of a conversation, oldest first.
// Closed conversations remain readable.
func GetHistory(ctx context.Context, database *sql.DB, input HistoryInput) (*HistoryOutput, error) {
	conv, err := GetConversation(ctx, database, input.ConversationID)
	if err != nil {
		return nil, err
	}

	limit := clamp(input.Limit, DefaultHistoryLimit, MaxHistoryLimit)
	msgs, err := db.ListMessages(ctx, database, conv.ID, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}

	return &HistoryOutput{Conversation: *conv, Messages: msgs}, nil
}
