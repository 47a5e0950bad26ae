package transcript

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// md renders markdown with tables. Raw HTML in the source is dropped,
// so message text cannot inject markup.
var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// HTML renders the transcript body as an HTML fragment.
func (t *Transcript) HTML() (template.HTML, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(t.Markdown()), &buf); err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}
	return template.HTML(buf.String()), nil
}

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="pt-BR">
<head>
<meta charset="utf-8">
<title>Conversa {{.ID}}</title>
</head>
<body>
<main>
{{.Body}}
</main>
</body>
</html>
`))

// Document renders a standalone HTML page for the transcript.
func (t *Transcript) Document() ([]byte, error) {
	body, err := t.HTML()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := page.Execute(&buf, struct {
		ID   string
		Body template.HTML
	}{t.Conversation.ID, body}); err != nil {
		return nil, fmt.Errorf("render transcript page: %w", err)
	}
	return buf.Bytes(), nil
}
