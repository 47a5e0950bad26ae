package workflow

import (
	"slices"
	"time"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/handlers"
	"github.com/hpungsan/carchat/internal/router"
)

// StateVersion is bumped whenever State gains or changes a field that
// stages depend on.
const StateVersion = 1

// TurnInput is one inbound question.
type TurnInput struct {
	SubjectID      string                `json:"subject_id"`
	Snapshot       conversation.Snapshot `json:"snapshot,omitempty"`
	Question       string                `json:"question"`
	SessionID      *string               `json:"session_id,omitempty"`
	ConversationID string                `json:"conversation_id,omitempty"`
}

// TurnResult is what the caller receives. It is always well formed.
type TurnResult struct {
	Text               string                `json:"text"`
	Capability         capability.Capability `json:"capability"`
	ConversationID     string                `json:"conversation_id,omitempty"`
	Confidence         float64               `json:"confidence"`
	DataSources        []string              `json:"data_sources"`
	Followups          []string              `json:"followups"`
	Error              string                `json:"error,omitempty"`
	NeedsHumanFallback bool                  `json:"needs_human_fallback"`
	Degraded           bool                  `json:"degraded,omitempty"`
	LatencyMS          int64                 `json:"latency_ms"`
}

// ErrorKind classifies a recorded stage failure.
type ErrorKind string

const (
	KindPersistence ErrorKind = "persistence"
	KindHandler     ErrorKind = "handler"
	KindInternal    ErrorKind = "internal"
)

// StageError is a failure recorded while the turn continued.
type StageError struct {
	Stage   string    `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// StageTiming is how long one stage took.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// State is the per-turn record threaded through the stages. Stages receive
// a State and return an updated copy; nothing outlives the turn.
type State struct {
	Version   int
	Input     TurnInput
	StartedAt time.Time

	// load-context
	ConversationID       string
	NewConversation      bool
	History              []handlers.Turn
	BrandPreferences     []string
	CapabilityUsage      map[string]int
	SessionConversations int
	SimilarConversations int

	// route
	Route        router.Result
	Scores       []router.Score
	Personalized bool

	// dispatch and finalize
	Response           handlers.Response
	NeedsHumanFallback bool

	// persist
	Persisted bool

	Path     []string
	Timings  []StageTiming
	Errors   []StageError
	Degraded bool
}

func newState(in TurnInput, now time.Time) State {
	return State{Version: StateVersion, Input: in, StartedAt: now}
}

// withError returns s with err recorded against stage.
func (s State) withError(stage string, kind ErrorKind, err error) State {
	s.Errors = append(slices.Clone(s.Errors), StageError{Stage: stage, Kind: kind, Message: err.Error()})
	if kind == KindPersistence {
		s.Degraded = true
	}
	return s
}

// visited returns s with stage appended to its path and timings.
func (s State) visited(stage string, d time.Duration) State {
	s.Path = append(slices.Clone(s.Path), stage)
	s.Timings = append(slices.Clone(s.Timings), StageTiming{Stage: stage, Duration: d})
	return s
}

// sessionContext is the handler-facing view of s.
func (s State) sessionContext() handlers.SessionContext {
	return handlers.SessionContext{
		ConversationID:       s.ConversationID,
		SessionID:            s.Input.SessionID,
		History:              s.History,
		BrandPreferences:     s.BrandPreferences,
		CapabilityUsage:      s.CapabilityUsage,
		SimilarConversations: s.SimilarConversations,
		RouterConfidence:     s.Route.Confidence,
	}
}

// userError is the error text surfaced in TurnResult: handler failures
// first, then persist failures. Load-context failures stay internal.
func (s State) userError() string {
	for _, kind := range []ErrorKind{KindHandler, KindInternal} {
		for _, e := range s.Errors {
			if e.Kind == kind {
				return e.Message
			}
		}
	}
	for _, e := range s.Errors {
		if e.Stage == StagePersist {
			return e.Message
		}
	}
	return ""
}
