package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/config"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/db"
	"github.com/hpungsan/carchat/internal/ops"
)

func sample() *Transcript {
	capID := capability.Financial
	conf := 0.42
	latency := int64(12)
	session := "s1"
	return &Transcript{
		Conversation: conversation.Conversation{
			ID:                "01CONV",
			SubjectID:         "car-1",
			Snapshot:          conversation.Snapshot{conversation.AttrBrand: "Honda", conversation.AttrModel: "Civic"},
			SessionID:         &session,
			StartedAt:         1700000000000,
			TotalMessages:     2,
			PrimaryCapability: &capID,
		},
		Messages: []conversation.Message{
			{Seq: 1, Direction: conversation.DirectionUser, Content: "Qual a parcela?", CreatedAt: 1700000000000},
			{
				Seq: 2, Direction: conversation.DirectionAssistant, Content: "Com 20% de entrada...",
				Capability: &capID, Confidence: &conf, LatencyMS: &latency,
				DataSources: []string{"vehicle_snapshot"}, Followups: []string{"Qual a taxa de juros?"},
				CreatedAt: 1700000000000,
			},
		},
		Context: []conversation.ContextEntry{
			{Type: conversation.TypeIntent, Key: conversation.KeyCapability, Value: "financial", Confidence: 0.3},
		},
	}
}

func TestMarkdown(t *testing.T) {
	out := sample().Markdown()

	assert.True(t, strings.HasPrefix(out, "# Conversa 01CONV\n"))
	assert.Contains(t, out, "- Veículo: Honda Civic\n")
	assert.Contains(t, out, "- Sessão: s1\n")
	assert.Contains(t, out, "- Assunto principal: financial\n")
	assert.Contains(t, out, "| intent | capability | financial | 0.30 |")
	assert.Contains(t, out, "### 1. Cliente · 2023-11-14 22:13:20 UTC\n\n> Qual a parcela?\n")
	assert.Contains(t, out, "### 2. Assistente (financial)")
	assert.Contains(t, out, "_confiança 0.42 · 12 ms · fontes: vehicle_snapshot_")
	assert.Contains(t, out, "- Qual a taxa de juros?\n")
	assert.NotContains(t, out, "Encerrada")
}

func TestMarkdown_UserHeadingsStayQuoted(t *testing.T) {
	tr := sample()
	tr.Messages[0].Content = "# Título\nlinha"

	out := tr.Markdown()

	assert.Contains(t, out, "> # Título\n> linha\n")
	assert.NotContains(t, out, "\n# Título")
}

func TestQuote_ClosesOpenFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"texto", "> texto\n"},
		{"```\ncode\n```", "> ```\n> code\n> ```\n"},
		{"```\ncode", "> ```\n> code\n> ```\n"},
		{"~~~~\n```\nstill open", "> ~~~~\n> ```\n> still open\n> ~~~~\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quote(tt.in), "quote(%q)", tt.in)
	}
}

func TestCell(t *testing.T) {
	assert.Equal(t, `a \| b c`, cell("a | b\nc"))
}

func TestStats(t *testing.T) {
	s := sample().Stats()
	assert.Equal(t, 2, s.Messages)
	assert.Equal(t, len([]rune("Qual a parcela?"))+len([]rune("Com 20% de entrada...")), s.Chars)
	assert.Equal(t, 10, s.TokensEstimate) // 7 words * 1.3, rounded up
}

func TestHTML_DropsRawMarkup(t *testing.T) {
	tr := sample()
	tr.Messages[0].Content = "<script>alert(1)</script>"

	out, err := tr.HTML()
	require.NoError(t, err)

	assert.NotContains(t, string(out), "<script>")
	assert.Contains(t, string(out), "<table>")
	assert.Contains(t, string(out), "<h1>Conversa 01CONV</h1>")
}

func TestDocument(t *testing.T) {
	out, err := sample().Document()
	require.NoError(t, err)

	assert.Contains(t, string(out), "<!DOCTYPE html>")
	assert.Contains(t, string(out), "<title>Conversa 01CONV</title>")
	assert.Contains(t, string(out), "<blockquote>")
}

func TestWriteJSONL(t *testing.T) {
	empty := &Transcript{Conversation: conversation.Conversation{ID: "02"}}
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, []*Transcript{sample(), empty}))

	sc := bufio.NewScanner(&buf)
	var lines [][]byte
	for sc.Scan() {
		lines = append(lines, append([]byte(nil), sc.Bytes()...))
	}
	require.Len(t, lines, 3)

	var header ExportHeader
	require.NoError(t, json.Unmarshal(lines[0], &header))
	assert.True(t, header.CarchatExport)
	assert.Equal(t, SchemaVersion, header.SchemaVersion)
	assert.Equal(t, 2, header.Count)

	var rec ExportRecord
	require.NoError(t, json.Unmarshal(lines[1], &rec))
	assert.Equal(t, "01CONV", rec.Conversation.ID)
	assert.Len(t, rec.Messages, 2)
	assert.Equal(t, 2, rec.Stats.Messages)

	assert.Contains(t, string(lines[2]), `"messages":[]`)
	assert.Contains(t, string(lines[2]), `"context":[]`)
}

func TestLoad(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	repo := ops.NewRepository(database, config.DefaultConfig())
	ctx := context.Background()

	convID, err := repo.CreateConversation(ctx, ops.CreateConversationInput{SubjectID: "car-1"})
	require.NoError(t, err)
	out, err := repo.AppendTurn(ctx, ops.AppendTurnInput{
		ConversationID: convID,
		Question:       "Quanto custa?",
		Answer:         ops.AppendMessageInput{Content: "R$ 100.000"},
	})
	require.NoError(t, err)
	_, err = repo.AddContext(ctx, ops.AddContextInput{
		ConversationID: convID, Type: conversation.TypeBudget, Key: conversation.KeyPriceRange,
		Value: "80k-120k", Confidence: 0.7, SourceMessageID: &out.Question.ID,
	})
	require.NoError(t, err)

	tr, err := Load(ctx, repo, convID)
	require.NoError(t, err)

	assert.Equal(t, convID, tr.Conversation.ID)
	assert.Len(t, tr.Messages, 2)
	assert.Len(t, tr.Context, 1)
	assert.Contains(t, tr.Markdown(), "> R$ 100.000")
}

func TestLoad_NotFound(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = Load(context.Background(), ops.NewRepository(database, nil), "missing")
	assert.Error(t, err)
}
