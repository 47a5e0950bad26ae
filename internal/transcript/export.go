package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hpungsan/carchat/internal/conversation"
)

// SchemaVersion identifies the JSONL export layout.
const SchemaVersion = "1.0"

// ExportHeader is the first line of a JSONL export.
type ExportHeader struct {
	CarchatExport bool   `json:"_carchat_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
	Count         int    `json:"count"`
}

// ExportRecord is one conversation line of a JSONL export.
type ExportRecord struct {
	Conversation conversation.Conversation   `json:"conversation"`
	Messages     []conversation.Message      `json:"messages"`
	Context      []conversation.ContextEntry `json:"context"`
	Stats        Stats                       `json:"stats"`
}

// Record converts t to its export form. Slices are never nil.
func (t *Transcript) Record() ExportRecord {
	r := ExportRecord{
		Conversation: t.Conversation,
		Messages:     t.Messages,
		Context:      t.Context,
		Stats:        t.Stats(),
	}
	if r.Messages == nil {
		r.Messages = []conversation.Message{}
	}
	if r.Context == nil {
		r.Context = []conversation.ContextEntry{}
	}
	return r
}

// WriteJSONL writes a header line followed by one line per transcript.
func WriteJSONL(w io.Writer, ts []*Transcript) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	header := ExportHeader{
		CarchatExport: true,
		SchemaVersion: SchemaVersion,
		ExportedAt:    time.Now().UnixMilli(),
		Count:         len(ts),
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("write export header: %w", err)
	}
	for _, t := range ts {
		if err := enc.Encode(t.Record()); err != nil {
			return fmt.Errorf("write conversation %s: %w", t.Conversation.ID, err)
		}
	}
	return bw.Flush()
}
