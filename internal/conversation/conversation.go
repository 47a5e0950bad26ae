package conversation

import "github.com/hpungsan/carchat/internal/capability"

// Direction is the author side of a message.
type Direction string

const (
	DirectionUser      Direction = "user"
	DirectionAssistant Direction = "assistant"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionUser || d == DirectionAssistant
}

// Conversation is the aggregate for one subject/session exchange.
type Conversation struct {
	// ID is a ULID that uniquely identifies this conversation
	ID string `json:"id"`

	// SubjectID is the item under discussion (e.g. a vehicle id)
	SubjectID string `json:"subject_id"`

	// Snapshot is the subject's attributes captured at conversation start (stored as JSON)
	Snapshot Snapshot `json:"snapshot"`

	// SessionID is the owning session (nil for anonymous turns)
	SessionID *string `json:"session_id,omitempty"`

	StartedAt      int64 `json:"started_at"`
	LastActivityAt int64 `json:"last_activity_at"`

	// ClosedAt is set on soft close (nullable)
	ClosedAt *int64 `json:"closed_at,omitempty"`

	TotalMessages int `json:"total_messages"`

	// PrimaryCapability is the most used assistant capability (nil until the first assistant message)
	PrimaryCapability *capability.Capability `json:"primary_capability,omitempty"`
}

// Open reports whether the conversation accepts new messages.
func (c *Conversation) Open() bool {
	return c.ClosedAt == nil
}

// Message is one append-only entry in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int       `json:"seq"`
	Direction      Direction `json:"direction"`
	Content        string    `json:"content"`

	// Assistant-only fields
	Capability  *capability.Capability `json:"capability,omitempty"`
	Confidence  *float64               `json:"confidence,omitempty"`
	LatencyMS   *int64                 `json:"latency_ms,omitempty"`
	DataSources []string               `json:"data_sources,omitempty"`
	Followups   []string               `json:"followups,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// ContextEntry is a write-once fact inferred from a message.
type ContextEntry struct {
	ID              string  `json:"id"`
	ConversationID  string  `json:"conversation_id"`
	Type            string  `json:"type"`
	Key             string  `json:"key"`
	Value           string  `json:"value"`
	Confidence      float64 `json:"confidence"`
	SourceMessageID *string `json:"source_message_id,omitempty"`
	CreatedAt       int64   `json:"created_at"`
}

// Context entry types and keys written by the enrichment extractor.
const (
	TypePreference = "preference"
	TypeBudget     = "budget"
	TypeIntent     = "intent"

	KeyMentionedBrand = "mentioned_brand"
	KeyPriceRange     = "price_range"
	KeyUsage          = "usage"
	KeyCapability     = "capability"
)
