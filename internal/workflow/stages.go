package workflow

import (
	"context"
	stderrors "errors"
	"math"
	"strings"
	"time"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/enrich"
	"github.com/hpungsan/carchat/internal/errors"
	"github.com/hpungsan/carchat/internal/handlers"
	"github.com/hpungsan/carchat/internal/ops"
)

// MaxFollowups caps the suggestions returned with a turn.
const MaxFollowups = 3

func enrichRequest(s State) enrich.Request {
	return enrich.Request{
		SubjectID:      s.Input.SubjectID,
		Snapshot:       s.Input.Snapshot,
		SessionID:      s.Input.SessionID,
		ConversationID: s.Input.ConversationID,
		Question:       s.Input.Question,
	}
}

func (e *Engine) loadContext(ctx context.Context, s State) State {
	return e.bestEffort(ctx, s, StageLoadContext, func(ctx context.Context, s State) (State, error) {
		b, err := e.enricher.Load(ctx, enrichRequest(s))
		if b != nil {
			s.ConversationID = b.ConversationID
			s.NewConversation = b.NewConversation
			s.History = b.History
			s.BrandPreferences = b.BrandPreferences
			s.CapabilityUsage = b.CapabilityUsage
			s.SessionConversations = b.SessionConversations
			s.SimilarConversations = b.SimilarConversations
		}
		return s, err
	})
}

func (e *Engine) route(_ context.Context, s State) State {
	s.Scores = e.router.Scores(s.Input.Question)
	s.Route = e.router.Route(s.Input.Question)
	s.Route, s.Personalized = e.enricher.Personalize(s.Route, s.CapabilityUsage)
	return s
}

// routeNext branches on the routed capability.
func routeNext(s State) string {
	if !s.Route.Capability.Valid() {
		return capability.Fallback.String()
	}
	return s.Route.Capability.String()
}

// dispatch returns the stage for c. Every capability must be handled here.
func (e *Engine) dispatch(c capability.Capability) (stageFunc, error) {
	switch c {
	case capability.Technical,
		capability.Financial,
		capability.Comparison,
		capability.Maintenance,
		capability.Valuation,
		capability.UsageFit,
		capability.Fallback:
		h, ok := e.handlers.Get(c)
		if !ok {
			return nil, errors.NewInternal(stderrors.New("no handler for " + c.String()))
		}
		return func(ctx context.Context, s State) State {
			return e.mustOrFallback(ctx, s, c, h)
		}, nil
	default:
		return nil, errors.NewInternal(stderrors.New("unknown capability " + c.String()))
	}
}

func (e *Engine) finalize(_ context.Context, s State) State {
	r := s.Response
	r.Text = strings.TrimSpace(r.Text)
	if r.Text == "" {
		r = apology()
		s.NeedsHumanFallback = true
	}

	switch {
	case math.IsNaN(r.Confidence) || r.Confidence < 0:
		r.Confidence = 0
	case r.Confidence > 1:
		r.Confidence = 1
	}
	r.Confidence = math.Round(r.Confidence*1000) / 1000

	r.DataSources = dedupe(r.DataSources, 0)
	r.Followups = dedupe(r.Followups, MaxFollowups)
	if len(r.Followups) == 0 {
		fallbackFor := s.Route.Capability
		if s.NeedsHumanFallback || !fallbackFor.Valid() {
			fallbackFor = capability.Fallback
		}
		r.Followups = handlers.DefaultFollowups(fallbackFor)
	}

	s.Response = r
	return s
}

// dedupe trims, drops blanks and duplicates, and keeps at most limit items
// (0 means no limit). The result is never nil.
func dedupe(items []string, limit int) []string {
	out := []string{}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (e *Engine) persist(ctx context.Context, s State) State {
	if s.Input.Question == "" {
		e.log.Debug().Msg("empty question, nothing to persist")
		return s
	}
	return e.bestEffort(ctx, s, StagePersist, e.writeTurn)
}

// writeTurn appends the exchange, starting a new conversation when none is
// known or the current one was closed meanwhile, then records inferred context.
func (e *Engine) writeTurn(ctx context.Context, s State) (State, error) {
	if s.ConversationID == "" {
		id, err := e.enricher.Start(ctx, enrichRequest(s))
		if err != nil {
			return s, err
		}
		s.ConversationID, s.NewConversation = id, true
	}

	capID := s.Route.Capability
	confidence := s.Response.Confidence
	latency := time.Since(s.StartedAt).Milliseconds()
	input := ops.AppendTurnInput{
		ConversationID: s.ConversationID,
		Question:       s.Input.Question,
		Answer: ops.AppendMessageInput{
			Content:     s.Response.Text,
			Capability:  &capID,
			Confidence:  &confidence,
			LatencyMS:   &latency,
			DataSources: s.Response.DataSources,
			Followups:   s.Response.Followups,
		},
	}

	out, err := e.repo.AppendTurn(ctx, input)
	if errors.Is(err, errors.ErrConversationClosed) {
		e.log.Debug().Str("conversation_id", s.ConversationID).Msg("conversation closed mid-turn, starting a new one")
		id, startErr := e.enricher.Start(ctx, enrichRequest(s))
		if startErr != nil {
			return s, startErr
		}
		s.ConversationID, s.NewConversation = id, true
		input.ConversationID = id
		out, err = e.repo.AppendTurn(ctx, input)
	}
	if err != nil {
		return s, err
	}
	s.Persisted = true

	var errs []error
	for _, f := range enrich.Extract(s.Input.Question, s.Route) {
		_, err := e.repo.AddContext(ctx, ops.AddContextInput{
			ConversationID:  s.ConversationID,
			Type:            f.Type,
			Key:             f.Key,
			Value:           f.Value,
			Confidence:      f.Confidence,
			SourceMessageID: &out.Question.ID,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return s, stderrors.Join(errs...)
}
