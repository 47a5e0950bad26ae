package ops

import (
	"context"
	"database/sql"
	"strings"

	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/db"
	"github.com/hpungsan/carchat/internal/errors"
)

// DefaultSimilarMinMessages is used when neither the caller nor config sets one.
const DefaultSimilarMinMessages = 2

// SimilarInput contains parameters for the GetSimilarConversations operation.
type SimilarInput struct {
	SubjectID    string // required
	Limit        int    // default: 3, max: 20
	MinMessages  int    // default: 2
	ExcludeID    string // optional: usually the current conversation
	MessageLimit int    // messages per conversation; 0 returns none
}

// ConversationWithMessages pairs a conversation with its message tail.
type ConversationWithMessages struct {
	Conversation ConversationOutput     `json:"conversation"`
	Messages     []conversation.Message `json:"messages"`
}

// GetSimilarConversations returns conversations about the same subject with
// at least MinMessages messages, most recently active first.
func GetSimilarConversations(ctx context.Context, database *sql.DB, input SimilarInput) ([]ConversationWithMessages, error) {
	subjectID := strings.TrimSpace(input.SubjectID)
	if subjectID == "" {
		return nil, errors.NewInvalidRequest("subject_id is required")
	}
	limit := clamp(input.Limit, DefaultSimilarLimit, MaxSimilarLimit)
	minMessages := input.MinMessages
	if minMessages <= 0 {
		minMessages = DefaultSimilarMinMessages
	}

	convs, err := db.ListSimilarConversations(ctx, database, subjectID, minMessages, strings.TrimSpace(input.ExcludeID), limit)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationWithMessages, 0, len(convs))
	for _, c := range convs {
		item := ConversationWithMessages{
			Conversation: ConversationOutput{Conversation: c, IsOpen: c.Open()},
			Messages:     []conversation.Message{},
		}
		if input.MessageLimit > 0 {
			msgs, err := db.ListMessages(ctx, database, c.ID, min(input.MessageLimit, MaxHistoryLimit))
			if err != nil {
				return nil, err
			}
			if msgs != nil {
				item.Messages = msgs
			}
		}
		out = append(out, item)
	}
	return out, nil
}
