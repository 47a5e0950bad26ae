package ops

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/errors"
)

func capPtr(c capability.Capability) *capability.Capability { return &c }

func TestAppendMessage_Validation(t *testing.T) {
	database := setupDB(t)
	id := createTestConversation(t, database, "car-1", nil)

	tests := []struct {
		name  string
		input AppendMessageInput
	}{
		{"missing conversation", AppendMessageInput{Direction: conversation.DirectionUser, Content: "x"}},
		{"bad direction", AppendMessageInput{ConversationID: id, Direction: "system", Content: "x"}},
		{"empty content", AppendMessageInput{ConversationID: id, Direction: conversation.DirectionUser, Content: "  "}},
		{"too long", AppendMessageInput{ConversationID: id, Direction: conversation.DirectionUser, Content: strings.Repeat("a", MaxContentChars+1)}},
		{"user with capability", AppendMessageInput{ConversationID: id, Direction: conversation.DirectionUser, Content: "x", Capability: capPtr(capability.Technical)}},
		{"confidence above one", AppendMessageInput{ConversationID: id, Direction: conversation.DirectionAssistant, Content: "x", Confidence: floatPtr(1.2)}},
		{"negative confidence", AppendMessageInput{ConversationID: id, Direction: conversation.DirectionAssistant, Content: "x", Confidence: floatPtr(-0.1)}},
		{"unknown capability", AppendMessageInput{ConversationID: id, Direction: conversation.DirectionAssistant, Content: "x", Capability: capPtr(capability.Capability(99))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AppendMessage(context.Background(), database, tt.input)
			if !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("err = %v, want INVALID_REQUEST", err)
			}
		})
	}
}

func TestAppendMessage_HistoryGrowsByOne(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	id := createTestConversation(t, database, "car-1", nil)

	for n := 0; n < 4; n++ {
		before, err := GetHistory(ctx, database, HistoryInput{ConversationID: id})
		if err != nil {
			t.Fatalf("GetHistory failed: %v", err)
		}
		if len(before.Messages) != n || before.Conversation.TotalMessages != n {
			t.Fatalf("before: len/total = %d/%d, want %d", len(before.Messages), before.Conversation.TotalMessages, n)
		}

		if _, err := AppendMessage(ctx, database, AppendMessageInput{
			ConversationID: id,
			Direction:      conversation.DirectionUser,
			Content:        fmt.Sprintf("pergunta %d", n),
		}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}

		after, _ := GetHistory(ctx, database, HistoryInput{ConversationID: id})
		if len(after.Messages) != n+1 || after.Conversation.TotalMessages != n+1 {
			t.Fatalf("after: len/total = %d/%d, want %d", len(after.Messages), after.Conversation.TotalMessages, n+1)
		}
	}
}

func TestAppendMessage_OrderRoundTrip(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	id := createTestConversation(t, database, "car-1", nil)

	var want []string
	for i := 0; i < 6; i++ {
		dir := conversation.DirectionUser
		in := AppendMessageInput{ConversationID: id, Content: fmt.Sprintf("m%d", i)}
		if i%2 == 1 {
			dir = conversation.DirectionAssistant
			in.Capability = capPtr(capability.Financial)
			in.Confidence = floatPtr(0.7)
		}
		in.Direction = dir
		out, err := AppendMessage(ctx, database, in)
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if out.Seq != i+1 {
			t.Errorf("Seq = %d, want %d", out.Seq, i+1)
		}
		want = append(want, out.ID)
	}

	hist, err := GetHistory(ctx, database, HistoryInput{ConversationID: id})
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	for i, m := range hist.Messages {
		if m.ID != want[i] {
			t.Errorf("Messages[%d].ID = %q, want %q", i, m.ID, want[i])
		}
	}

	tail, _ := GetHistory(ctx, database, HistoryInput{ConversationID: id, Limit: 2})
	if len(tail.Messages) != 2 || tail.Messages[1].ID != want[5] {
		t.Errorf("tail = %v, want last two", tail.Messages)
	}
}

func TestAppendMessage_PrimaryCapabilityDeterministic(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	id := createTestConversation(t, database, "car-1", nil)

	sequence := []capability.Capability{
		capability.Valuation, capability.Technical, capability.Technical, capability.Valuation,
	}
	for _, c := range sequence {
		if _, err := AppendMessage(ctx, database, AppendMessageInput{
			ConversationID: id, Direction: conversation.DirectionAssistant, Content: "r", Capability: capPtr(c),
		}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		got, err := GetConversation(ctx, database, id)
		if err != nil {
			t.Fatalf("GetConversation failed: %v", err)
		}
		if got.PrimaryCapability == nil || *got.PrimaryCapability != capability.Valuation {
			t.Fatalf("PrimaryCapability = %v, want valuation (first seen among tied)", got.PrimaryCapability)
		}
	}
}

func TestAppendMessage_ConcurrentNoLostUpdate(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	id := createTestConversation(t, database, "car-1", nil)

	if _, err := AppendMessage(ctx, database, AppendMessageInput{
		ConversationID: id, Direction: conversation.DirectionUser, Content: "primeira",
	}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	const writers = 8
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := AppendMessage(ctx, database, AppendMessageInput{
				ConversationID: id,
				Direction:      conversation.DirectionAssistant,
				Content:        fmt.Sprintf("resposta %d", i),
				Capability:     capPtr(capability.Technical),
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent AppendMessage failed: %v", err)
	}

	hist, err := GetHistory(ctx, database, HistoryInput{ConversationID: id, Limit: MaxHistoryLimit})
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if hist.Conversation.TotalMessages != writers+1 {
		t.Errorf("TotalMessages = %d, want %d", hist.Conversation.TotalMessages, writers+1)
	}
	if len(hist.Messages) != writers+1 {
		t.Errorf("len(Messages) = %d, want %d", len(hist.Messages), writers+1)
	}
	for i, m := range hist.Messages {
		if m.Seq != i+1 {
			t.Errorf("Messages[%d].Seq = %d, want %d", i, m.Seq, i+1)
		}
	}
	if p := hist.Conversation.PrimaryCapability; p == nil || *p != capability.Technical {
		t.Errorf("PrimaryCapability = %v, want technical", p)
	}
}

func TestAppendMessage_ClosedConversation(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	id := createTestConversation(t, database, "car-1", nil)
	if _, err := CloseConversation(ctx, database, id); err != nil {
		t.Fatal(err)
	}

	_, err := AppendMessage(ctx, database, AppendMessageInput{
		ConversationID: id, Direction: conversation.DirectionUser, Content: "x",
	})
	if !errors.Is(err, errors.ErrConversationClosed) {
		t.Fatalf("err = %v, want CONVERSATION_CLOSED", err)
	}

	// Closed conversations stay readable
	if _, err := GetHistory(ctx, database, HistoryInput{ConversationID: id}); err != nil {
		t.Errorf("GetHistory on closed conversation failed: %v", err)
	}
}

func TestGetHistory_NotFound(t *testing.T) {
	database := setupDB(t)
	_, err := GetHistory(context.Background(), database, HistoryInput{ConversationID: "missing"})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestAppendTurn(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	id := createTestConversation(t, database, "car-1", nil)

	out, err := AppendTurn(ctx, database, AppendTurnInput{
		ConversationID: id,
		Question:       "Qual o consumo?",
		Answer: AppendMessageInput{
			Content:    "Faz 12 km/l na cidade.",
			Capability: capPtr(capability.Technical),
			Confidence: floatPtr(0.6),
		},
	})
	if err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	if out.Question.Seq != 1 || out.Answer.Seq != 2 {
		t.Errorf("seqs = %d,%d, want 1,2", out.Question.Seq, out.Answer.Seq)
	}

	hist, _ := GetHistory(ctx, database, HistoryInput{ConversationID: id})
	if len(hist.Messages) != 2 {
		t.Fatalf("len = %d, want 2", len(hist.Messages))
	}
	if hist.Messages[0].Direction != conversation.DirectionUser || hist.Messages[1].Direction != conversation.DirectionAssistant {
		t.Errorf("directions = %s,%s", hist.Messages[0].Direction, hist.Messages[1].Direction)
	}
	if p := hist.Conversation.PrimaryCapability; p == nil || *p != capability.Technical {
		t.Errorf("PrimaryCapability = %v, want technical", p)
	}
}

func TestAppendTurn_InvalidAnswerWritesNothing(t *testing.T) {
	database := setupDB(t)
	ctx := context.Background()
	id := createTestConversation(t, database, "car-1", nil)

	_, err := AppendTurn(ctx, database, AppendTurnInput{
		ConversationID: id,
		Question:       "Oi",
		Answer:         AppendMessageInput{Content: "", Confidence: floatPtr(0.5)},
	})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Fatalf("err = %v, want INVALID_REQUEST", err)
	}

	hist, _ := GetHistory(ctx, database, HistoryInput{ConversationID: id})
	if len(hist.Messages) != 0 || hist.Conversation.TotalMessages != 0 {
		t.Errorf("len/total = %d/%d, want 0/0", len(hist.Messages), hist.Conversation.TotalMessages)
	}
}
