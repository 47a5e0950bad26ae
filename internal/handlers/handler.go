package handlers

import (
	"context"
	"fmt"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/conversation"
)

// Response is what a handler produces for one turn.
type Response struct {
	Text        string   `json:"text"`
	Confidence  float64  `json:"confidence"`
	DataSources []string `json:"data_sources"`
	Followups   []string `json:"followups"`
}

// Turn is a compact view of one prior message.
type Turn struct {
	Direction  conversation.Direction
	Content    string
	Capability *capability.Capability
}

// SessionContext is the continuity a handler may draw on. Handlers keep no
// state of their own between turns.
type SessionContext struct {
	ConversationID       string
	SessionID            *string
	History              []Turn
	BrandPreferences     []string
	CapabilityUsage      map[string]int
	SimilarConversations int
	RouterConfidence     float64
}

// Handler answers a question for one capability. Missing snapshot fields
// must degrade to "não informado" phrasing instead of failing.
type Handler interface {
	Handle(ctx context.Context, snap conversation.Snapshot, question string, sc SessionContext) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, snap conversation.Snapshot, question string, sc SessionContext) (Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, snap conversation.Snapshot, question string, sc SessionContext) (Response, error) {
	return f(ctx, snap, question, sc)
}

// Registry maps every capability to its handler. It is immutable; With
// returns a modified copy.
type Registry struct {
	handlers map[capability.Capability]Handler
}

// NewRegistry builds a registry that must cover every capability.
func NewRegistry(hs map[capability.Capability]Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[capability.Capability]Handler, len(hs))}
	for c, h := range hs {
		if !c.Valid() {
			return nil, fmt.Errorf("handler registered for unknown %s", c)
		}
		if h == nil {
			return nil, fmt.Errorf("nil handler for %s", c)
		}
		r.handlers[c] = h
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Defaults returns a registry of the template handlers.
func Defaults() *Registry {
	r := &Registry{handlers: make(map[capability.Capability]Handler)}
	for _, c := range capability.All() {
		r.handlers[c] = Template(c)
	}
	return r
}

// With returns a copy of r with h serving c.
func (r *Registry) With(c capability.Capability, h Handler) *Registry {
	out := &Registry{handlers: make(map[capability.Capability]Handler, len(r.handlers)+1)}
	for k, v := range r.handlers {
		out.handlers[k] = v
	}
	out.handlers[c] = h
	return out
}

// Get returns the handler for c.
func (r *Registry) Get(c capability.Capability) (Handler, bool) {
	h, ok := r.handlers[c]
	return h, ok && h != nil
}

// Validate reports the first capability without a handler.
func (r *Registry) Validate() error {
	for _, c := range capability.All() {
		if _, ok := r.Get(c); !ok {
			return fmt.Errorf("no handler registered for %s", c)
		}
	}
	return nil
}
