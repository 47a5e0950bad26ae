package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/errors"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func insertTestConversation(t *testing.T, database *sql.DB, id, subject string, session *string) {
	t.Helper()
	now := time.Now().UnixMilli()
	c := &conversation.Conversation{
		ID:             id,
		SubjectID:      subject,
		Snapshot:       conversation.Snapshot{conversation.AttrBrand: "Toyota", conversation.AttrPrice: 95000.0},
		SessionID:      session,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := InsertConversation(context.Background(), database, c); err != nil {
		t.Fatalf("InsertConversation failed: %v", err)
	}
}

var msgCounter int

func appendTestMessage(t *testing.T, database *sql.DB, convID string, dir conversation.Direction, capID *capability.Capability) *conversation.Message {
	t.Helper()
	msgCounter++
	m := &conversation.Message{
		ID:             fmt.Sprintf("MSG%06d", msgCounter),
		ConversationID: convID,
		Direction:      dir,
		Content:        "content",
		Capability:     capID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := AppendMessages(context.Background(), database, m); err != nil {
		t.Fatalf("AppendMessages failed: %v", err)
	}
	return m
}

func capPtr(c capability.Capability) *capability.Capability { return &c }

func TestAppendMessage_AssignsSequentialSeq(t *testing.T) {
	database := setupDB(t)
	insertTestConversation(t, database, "C1", "car-1", nil)

	for i := 1; i <= 3; i++ {
		m := appendTestMessage(t, database, "C1", conversation.DirectionUser, nil)
		if m.Seq != i {
			t.Errorf("Seq = %d, want %d", m.Seq, i)
		}
	}

	c, err := GetConversation(context.Background(), database, "C1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if c.TotalMessages != 3 {
		t.Errorf("TotalMessages = %d, want 3", c.TotalMessages)
	}
}

func TestAppendMessage_PrimaryCapabilityTieBreaksOnFirstSeen(t *testing.T) {
	database := setupDB(t)
	insertTestConversation(t, database, "C1", "car-1", nil)

	appendTestMessage(t, database, "C1", conversation.DirectionAssistant, capPtr(capability.Financial))
	appendTestMessage(t, database, "C1", conversation.DirectionAssistant, capPtr(capability.Technical))

	c, _ := GetConversation(context.Background(), database, "C1")
	if c.PrimaryCapability == nil || *c.PrimaryCapability != capability.Financial {
		t.Fatalf("PrimaryCapability = %v, want financial (first seen on tie)", c.PrimaryCapability)
	}

	appendTestMessage(t, database, "C1", conversation.DirectionAssistant, capPtr(capability.Technical))
	c, _ = GetConversation(context.Background(), database, "C1")
	if c.PrimaryCapability == nil || *c.PrimaryCapability != capability.Technical {
		t.Fatalf("PrimaryCapability = %v, want technical (majority)", c.PrimaryCapability)
	}
}

func TestAppendMessage_UserMessagesDoNotCountTowardPrimary(t *testing.T) {
	database := setupDB(t)
	insertTestConversation(t, database, "C1", "car-1", nil)

	appendTestMessage(t, database, "C1", conversation.DirectionUser, capPtr(capability.Valuation))
	c, _ := GetConversation(context.Background(), database, "C1")
	if c.PrimaryCapability != nil {
		t.Errorf("PrimaryCapability = %v, want nil", *c.PrimaryCapability)
	}
}

func TestAppendMessage_NotFound(t *testing.T) {
	database := setupDB(t)

	m := &conversation.Message{ID: "M1", ConversationID: "missing", Direction: conversation.DirectionUser, Content: "x"}
	err := AppendMessages(context.Background(), database, m)
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestAppendMessage_ClosedConversation(t *testing.T) {
	database := setupDB(t)
	insertTestConversation(t, database, "C1", "car-1", nil)

	if _, err := CloseConversation(context.Background(), database, "C1"); err != nil {
		t.Fatalf("CloseConversation failed: %v", err)
	}

	m := &conversation.Message{ID: "M1", ConversationID: "C1", Direction: conversation.DirectionUser, Content: "x"}
	err := AppendMessages(context.Background(), database, m)
	if !errors.Is(err, errors.ErrConversationClosed) {
		t.Fatalf("err = %v, want CONVERSATION_CLOSED", err)
	}

	// Nothing was written
	msgs, _ := ListMessages(context.Background(), database, "C1", 0)
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want 0", len(msgs))
	}
}

func TestAppendMessage_CreatedAtNeverGoesBackwards(t *testing.T) {
	database := setupDB(t)
	insertTestConversation(t, database, "C1", "car-1", nil)

	future := time.Now().Add(time.Hour).UnixMilli()
	first := &conversation.Message{ID: "M1", ConversationID: "C1", Direction: conversation.DirectionUser, Content: "a", CreatedAt: future}
	if err := AppendMessages(context.Background(), database, first); err != nil {
		t.Fatal(err)
	}
	second := &conversation.Message{ID: "M2", ConversationID: "C1", Direction: conversation.DirectionUser, Content: "b", CreatedAt: time.Now().UnixMilli()}
	if err := AppendMessages(context.Background(), database, second); err != nil {
		t.Fatal(err)
	}
	if second.CreatedAt < first.CreatedAt {
		t.Errorf("second.CreatedAt = %d < first.CreatedAt = %d", second.CreatedAt, first.CreatedAt)
	}
}

func TestListMessages_TailOldestFirst(t *testing.T) {
	database := setupDB(t)
	insertTestConversation(t, database, "C1", "car-1", nil)

	conf := 0.8
	latency := int64(42)
	m := &conversation.Message{
		ID: "MA", ConversationID: "C1", Direction: conversation.DirectionAssistant, Content: "resp",
		Capability: capPtr(capability.Maintenance), Confidence: &conf, LatencyMS: &latency,
		DataSources: []string{"vehicle_snapshot"}, Followups: []string{"E a garantia?"},
		CreatedAt: time.Now().UnixMilli(),
	}
	for i := 0; i < 4; i++ {
		appendTestMessage(t, database, "C1", conversation.DirectionUser, nil)
	}
	if err := AppendMessages(context.Background(), database, m); err != nil {
		t.Fatal(err)
	}

	msgs, err := ListMessages(context.Background(), database, "C1", 2)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Seq != 4 || msgs[1].Seq != 5 {
		t.Errorf("seqs = %d,%d, want 4,5", msgs[0].Seq, msgs[1].Seq)
	}

	last := msgs[1]
	if last.Capability == nil || *last.Capability != capability.Maintenance {
		t.Errorf("Capability = %v", last.Capability)
	}
	if last.Confidence == nil || *last.Confidence != 0.8 {
		t.Errorf("Confidence = %v", last.Confidence)
	}
	if last.LatencyMS == nil || *last.LatencyMS != 42 {
		t.Errorf("LatencyMS = %v", last.LatencyMS)
	}
	if len(last.DataSources) != 1 || len(last.Followups) != 1 {
		t.Errorf("DataSources = %v, Followups = %v", last.DataSources, last.Followups)
	}

	all, _ := ListMessages(context.Background(), database, "C1", 0)
	if len(all) != 5 {
		t.Errorf("unbounded len = %d, want 5", len(all))
	}
}

func TestAppendMessages_OneTransaction(t *testing.T) {
	database := setupDB(t)
	insertTestConversation(t, database, "C1", "car-1", nil)
	insertTestConversation(t, database, "C2", "car-1", nil)
	now := time.Now().UnixMilli()

	user := &conversation.Message{ID: "U1", ConversationID: "C1", Direction: conversation.DirectionUser, Content: "q", CreatedAt: now}
	bot := &conversation.Message{ID: "A1", ConversationID: "C1", Direction: conversation.DirectionAssistant, Content: "a",
		Capability: capPtr(capability.Valuation), CreatedAt: now}
	if err := AppendMessages(context.Background(), database, user, bot); err != nil {
		t.Fatalf("AppendMessages failed: %v", err)
	}
	if user.Seq != 1 || bot.Seq != 2 {
		t.Errorf("seqs = %d,%d, want 1,2", user.Seq, bot.Seq)
	}

	// Mixed conversations are rejected before anything is written
	mixed := []*conversation.Message{
		{ID: "U2", ConversationID: "C1", Direction: conversation.DirectionUser, Content: "q", CreatedAt: now},
		{ID: "U3", ConversationID: "C2", Direction: conversation.DirectionUser, Content: "q", CreatedAt: now},
	}
	if err := AppendMessages(context.Background(), database, mixed...); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("err = %v, want INVALID_REQUEST", err)
	}

	// A failing second insert rolls back the first (duplicate id)
	dup := []*conversation.Message{
		{ID: "U4", ConversationID: "C1", Direction: conversation.DirectionUser, Content: "q", CreatedAt: now},
		{ID: "A1", ConversationID: "C1", Direction: conversation.DirectionAssistant, Content: "a", CreatedAt: now},
	}
	if err := AppendMessages(context.Background(), database, dup...); err == nil {
		t.Fatal("expected duplicate id failure")
	}

	c, _ := GetConversation(context.Background(), database, "C1")
	if c.TotalMessages != 2 {
		t.Errorf("TotalMessages = %d, want 2 after rollback", c.TotalMessages)
	}
	msgs, _ := ListMessages(context.Background(), database, "C1", 0)
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2 after rollback", len(msgs))
	}
}
