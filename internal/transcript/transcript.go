package transcript

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hpungsan/carchat/internal/conversation"
)

// Transcript is one conversation with everything recorded for it.
type Transcript struct {
	Conversation conversation.Conversation
	Messages     []conversation.Message
	Context      []conversation.ContextEntry
}

// Stats are size figures for a transcript's message text.
type Stats struct {
	Messages       int `json:"messages"`
	Chars          int `json:"chars"`
	TokensEstimate int `json:"tokens_estimate"`
}

// Stats counts characters as runes and estimates tokens at 1.3 per word.
func (t *Transcript) Stats() Stats {
	var chars, words int
	for _, m := range t.Messages {
		chars += utf8.RuneCountInString(m.Content)
		words += len(strings.Fields(m.Content))
	}
	return Stats{
		Messages:       len(t.Messages),
		Chars:          chars,
		TokensEstimate: int(math.Ceil(float64(words) * 1.3)),
	}
}

// Markdown renders t as a markdown document. Message bodies are block
// quoted so headings typed by a user cannot break the document outline.
func (t *Transcript) Markdown() string {
	var b strings.Builder
	c := t.Conversation

	fmt.Fprintf(&b, "# Conversa %s\n\n", c.ID)
	fmt.Fprintf(&b, "- Assunto: %s\n", c.SubjectID)
	if vehicle := describe(c.Snapshot); vehicle != "" {
		fmt.Fprintf(&b, "- Veículo: %s\n", vehicle)
	}
	if c.SessionID != nil {
		fmt.Fprintf(&b, "- Sessão: %s\n", *c.SessionID)
	}
	fmt.Fprintf(&b, "- Início: %s\n", formatTime(c.StartedAt))
	if c.ClosedAt != nil {
		fmt.Fprintf(&b, "- Encerrada: %s\n", formatTime(*c.ClosedAt))
	}
	if c.PrimaryCapability != nil {
		fmt.Fprintf(&b, "- Assunto principal: %s\n", *c.PrimaryCapability)
	}
	fmt.Fprintf(&b, "- Mensagens: %d\n", c.TotalMessages)

	if len(t.Context) > 0 {
		b.WriteString("\n## Contexto\n\n")
		b.WriteString("| Tipo | Chave | Valor | Confiança |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, e := range t.Context {
			fmt.Fprintf(&b, "| %s | %s | %s | %.2f |\n", cell(e.Type), cell(e.Key), cell(e.Value), e.Confidence)
		}
	}

	b.WriteString("\n## Mensagens\n")
	for _, m := range t.Messages {
		fmt.Fprintf(&b, "\n### %d. %s · %s\n\n", m.Seq, speaker(m), formatTime(m.CreatedAt))
		b.WriteString(quote(m.Content))
		if m.Direction == conversation.DirectionAssistant {
			b.WriteString(assistantMeta(m))
		}
	}
	return b.String()
}

func speaker(m conversation.Message) string {
	if m.Direction == conversation.DirectionUser {
		return "Cliente"
	}
	if m.Capability != nil {
		return "Assistente (" + m.Capability.String() + ")"
	}
	return "Assistente"
}

func assistantMeta(m conversation.Message) string {
	var parts []string
	if m.Confidence != nil {
		parts = append(parts, fmt.Sprintf("confiança %.2f", *m.Confidence))
	}
	if m.LatencyMS != nil {
		parts = append(parts, fmt.Sprintf("%d ms", *m.LatencyMS))
	}
	if len(m.DataSources) > 0 {
		parts = append(parts, "fontes: "+strings.Join(m.DataSources, ", "))
	}
	var b strings.Builder
	if len(parts) > 0 {
		fmt.Fprintf(&b, "\n_%s_\n", strings.Join(parts, " · "))
	}
	if len(m.Followups) > 0 {
		b.WriteString("\nSugestões:\n\n")
		for _, f := range m.Followups {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// fencePattern matches fenced code block delimiters, allowing 0-3 spaces of
// indentation as CommonMark does.
var fencePattern = regexp.MustCompile("(?m)^[ ]{0,3}(`{3,}|~{3,})")

// quote block-quotes text line by line. An unclosed fence in the text is
// closed inside the quote so it cannot swallow the rest of the document.
func quote(text string) string {
	text = strings.TrimRight(text, "\n")
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	if fence := openFence(text); fence != "" {
		b.WriteString("> ")
		b.WriteString(fence)
		b.WriteString("\n")
	}
	return b.String()
}

// openFence returns the delimiter of a fenced block left open at the end of
// text, or "". A closing fence must use the same character and be at least
// as long as the opening one.
func openFence(text string) string {
	var open string
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		f := m[1]
		switch {
		case open == "":
			open = f
		case f[0] == open[0] && len(f) >= len(open):
			open = ""
		}
	}
	return open
}

// cell escapes a value for a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

func describe(s conversation.Snapshot) string {
	var parts []string
	for _, key := range []string{conversation.AttrBrand, conversation.AttrModel, conversation.AttrYear} {
		if v, ok := s.Get(key); ok {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05 UTC")
}
