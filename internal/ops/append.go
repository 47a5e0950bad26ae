package ops

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/db"
	"github.com/hpungsan/carchat/internal/errors"
)

// AppendMessageInput contains parameters for the AppendMessage operation.
type AppendMessageInput struct {
	ConversationID string                 // required
	Direction      conversation.Direction // required
	Content        string                 // required

	// Assistant-only
	Capability  *capability.Capability
	Confidence  *float64 // [0, 1]
	LatencyMS   *int64
	DataSources []string
	Followups   []string
}

// AppendMessageOutput contains the result of the AppendMessage operation.
type AppendMessageOutput struct {
	ID        string `json:"id"`
	Seq       int    `json:"seq"`
	CreatedAt int64  `json:"created_at"`
}

// AppendMessage appends a message and updates the conversation aggregate
// atomically. Either every effect is visible or none is.
func AppendMessage(ctx context.Context, database *sql.DB, input AppendMessageInput) (*AppendMessageOutput, error) {
	m, err := newMessage(input)
	if err != nil {
		return nil, err
	}
	if err := db.AppendMessages(ctx, database, m); err != nil {
		return nil, err
	}
	return &AppendMessageOutput{ID: m.ID, Seq: m.Seq, CreatedAt: m.CreatedAt}, nil
}

// AppendTurnInput contains parameters for the AppendTurn operation.
type AppendTurnInput struct {
	ConversationID string // required
	Question       string // required
	Answer         AppendMessageInput
}

// AppendTurnOutput contains the result of the AppendTurn operation.
type AppendTurnOutput struct {
	Question AppendMessageOutput `json:"question"`
	Answer   AppendMessageOutput `json:"answer"`
}

// AppendTurn appends a user question and the assistant answer as one
// atomic append: both messages are written or neither is.
func AppendTurn(ctx context.Context, database *sql.DB, input AppendTurnInput) (*AppendTurnOutput, error) {
	question, err := newMessage(AppendMessageInput{
		ConversationID: input.ConversationID,
		Direction:      conversation.DirectionUser,
		Content:        input.Question,
	})
	if err != nil {
		return nil, err
	}

	answerInput := input.Answer
	answerInput.ConversationID = input.ConversationID
	answerInput.Direction = conversation.DirectionAssistant
	answer, err := newMessage(answerInput)
	if err != nil {
		return nil, err
	}
	answer.CreatedAt = question.CreatedAt

	if err := db.AppendMessages(ctx, database, question, answer); err != nil {
		return nil, err
	}

	return &AppendTurnOutput{
		Question: AppendMessageOutput{ID: question.ID, Seq: question.Seq, CreatedAt: question.CreatedAt},
		Answer:   AppendMessageOutput{ID: answer.ID, Seq: answer.Seq, CreatedAt: answer.CreatedAt},
	}, nil
}

// newMessage validates input and builds an unsaved message.
func newMessage(input AppendMessageInput) (*conversation.Message, error) {
	convID := strings.TrimSpace(input.ConversationID)
	if convID == "" {
		return nil, errors.NewInvalidRequest("conversation_id is required")
	}
	if !input.Direction.Valid() {
		return nil, errors.NewInvalidRequest("direction must be one of: user, assistant")
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, errors.NewInvalidRequest("content is required")
	}
	if utf8.RuneCountInString(input.Content) > MaxContentChars {
		return nil, errors.NewInvalidRequest("content exceeds maximum length")
	}

	if input.Direction == conversation.DirectionUser {
		if input.Capability != nil || input.Confidence != nil || input.LatencyMS != nil ||
			len(input.DataSources) > 0 || len(input.Followups) > 0 {
			return nil, errors.NewInvalidRequest("capability, confidence, latency and suggestions are assistant-only fields")
		}
	}
	if input.Capability != nil && !input.Capability.Valid() {
		return nil, errors.NewInvalidRequest("unknown capability")
	}
	if input.Confidence != nil {
		c := *input.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return nil, errors.NewInvalidRequest("confidence must be within [0, 1]")
		}
	}
	if input.LatencyMS != nil && *input.LatencyMS < 0 {
		return nil, errors.NewInvalidRequest("latency_ms must not be negative")
	}

	id, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	m := &conversation.Message{
		ID:             id,
		ConversationID: convID,
		Direction:      input.Direction,
		Content:        input.Content,
		Capability:     input.Capability,
		Confidence:     input.Confidence,
		LatencyMS:      input.LatencyMS,
		DataSources:    input.DataSources,
		Followups:      input.Followups,
		CreatedAt:      time.Now().UnixMilli(),
	}
	return m, nil
}
