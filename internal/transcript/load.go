package transcript

import (
	"context"

	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/ops"
)

// Source is the repository subset a transcript is read from.
type Source interface {
	GetHistory(ctx context.Context, conversationID string, limit int) (*ops.HistoryOutput, error)
	ListContext(ctx context.Context, conversationID string) ([]conversation.ContextEntry, error)
}

// Load reads a conversation with up to the last ops.MaxHistoryLimit messages.
func Load(ctx context.Context, src Source, conversationID string) (*Transcript, error) {
	hist, err := src.GetHistory(ctx, conversationID, ops.MaxHistoryLimit)
	if err != nil {
		return nil, err
	}
	entries, err := src.ListContext(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &Transcript{
		Conversation: hist.Conversation.Conversation,
		Messages:     hist.Messages,
		Context:      entries,
	}, nil
}
