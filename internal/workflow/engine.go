package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/config"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/enrich"
	"github.com/hpungsan/carchat/internal/handlers"
	"github.com/hpungsan/carchat/internal/ops"
	"github.com/hpungsan/carchat/internal/router"
)

// UnknownSubject stands in for a missing subject id.
const UnknownSubject = "unknown"

// Repository is everything a turn reads from and writes to storage.
// *ops.Repository satisfies it.
type Repository interface {
	enrich.Repository
	AppendTurn(ctx context.Context, input ops.AppendTurnInput) (*ops.AppendTurnOutput, error)
	AddContext(ctx context.Context, input ops.AddContextInput) (string, error)
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Repo     Repository
	Router   *router.Router     // default: rules from config, else embedded
	Handlers *handlers.Registry // default: template handlers
	Logger   zerolog.Logger
}

// Engine runs turns. Build one at startup and share it; it keeps no state
// between turns and is safe for concurrent use.
type Engine struct {
	repo     Repository
	enricher *enrich.Service
	router   *router.Router
	handlers *handlers.Registry
	cfg      *config.Config
	log      zerolog.Logger
	graph    *graph
}

// New wires an Engine and validates its stage graph.
func New(deps Deps, cfg *config.Config) (*Engine, error) {
	if deps.Repo == nil {
		return nil, stderrors.New("workflow: repository is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if cfg.TurnTimeout <= 0 {
		return nil, fmt.Errorf("workflow: turn timeout must be positive, got %s", cfg.TurnTimeout)
	}

	rt := deps.Router
	if rt == nil {
		var err error
		if rt, err = router.Load(cfg.RoutingRulesPath); err != nil {
			return nil, fmt.Errorf("workflow: %w", err)
		}
	}
	hs := deps.Handlers
	if hs == nil {
		hs = handlers.Defaults()
	}
	if err := hs.Validate(); err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}

	e := &Engine{
		repo:     deps.Repo,
		enricher: enrich.NewService(deps.Repo, cfg, deps.Logger),
		router:   rt,
		handlers: hs,
		cfg:      cfg,
		log:      deps.Logger,
	}

	g, err := e.buildGraph()
	if err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}
	e.graph = g
	return e, nil
}

func (e *Engine) buildGraph() (*graph, error) {
	g := newGraph(StageLoadContext, StagePersist)

	dispatchNames := make([]string, 0, len(capability.All()))
	for _, c := range capability.All() {
		dispatchNames = append(dispatchNames, c.String())
	}

	g.add(&node{name: StageLoadContext, run: e.loadContext, edges: []string{StageRoute}, next: always(StageRoute)})
	g.add(&node{name: StageRoute, run: e.route, edges: dispatchNames, next: routeNext})
	for _, c := range capability.All() {
		run, err := e.dispatch(c)
		if err != nil {
			return nil, err
		}
		g.add(&node{name: c.String(), run: run, edges: []string{StageFinalize}, next: always(StageFinalize)})
	}
	g.add(&node{name: StageFinalize, run: e.finalize, edges: []string{StagePersist}, next: always(StagePersist)})
	g.add(&node{name: StagePersist, run: e.persist, next: always("")})

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Run processes one turn. It always returns a well-formed result and never
// panics: repository failures degrade the turn, handler failures turn the
// answer into an apology with NeedsHumanFallback set.
func (e *Engine) Run(ctx context.Context, in TurnInput) (res TurnResult) {
	s := newState(normalizeInput(in), time.Now())

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("turn aborted")
			s = s.withError("engine", KindInternal, fmt.Errorf("panic: %v", r))
			res = e.result(s)
		}
	}()

	s = e.graph.run(ctx, s)
	res = e.result(s)

	e.log.Debug().
		Str("conversation_id", res.ConversationID).
		Str("capability", res.Capability.String()).
		Float64("confidence", res.Confidence).
		Float64("router_confidence", s.Route.Confidence).
		Bool("personalized", s.Personalized).
		Bool("degraded", res.Degraded).
		Int64("latency_ms", res.LatencyMS).
		Strs("path", s.Path).
		Msg("turn completed")
	return res
}

// result flattens the terminal state. A state that never produced an answer
// gets the apology.
func (e *Engine) result(s State) TurnResult {
	resp := s.Response
	needsHuman := s.NeedsHumanFallback
	if strings.TrimSpace(resp.Text) == "" {
		resp = apology()
		needsHuman = true
	}
	capID := s.Route.Capability
	if !capID.Valid() {
		capID = capability.Fallback
	}
	dataSources := resp.DataSources
	if dataSources == nil {
		dataSources = []string{}
	}

	return TurnResult{
		Text:               resp.Text,
		Capability:         capID,
		ConversationID:     s.ConversationID,
		Confidence:         resp.Confidence,
		DataSources:        dataSources,
		Followups:          resp.Followups,
		Error:              s.userError(),
		NeedsHumanFallback: needsHuman,
		Degraded:           s.Degraded,
		LatencyMS:          time.Since(s.StartedAt).Milliseconds(),
	}
}

func normalizeInput(in TurnInput) TurnInput {
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	if in.SubjectID == "" {
		in.SubjectID = UnknownSubject
	}
	if in.Snapshot == nil {
		in.Snapshot = conversation.Snapshot{}
	}
	in.Question = strings.TrimSpace(in.Question)
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	if in.SessionID != nil {
		if sid := strings.TrimSpace(*in.SessionID); sid != "" {
			in.SessionID = &sid
		} else {
			in.SessionID = nil
		}
	}
	return in
}

// Capabilities lists the capabilities turns can be routed to.
func (e *Engine) Capabilities() []capability.Info {
	return capability.Catalog()
}

// Health describes the stage graph.
func (e *Engine) Health() Health {
	return e.graph.health()
}

// Route exposes the routing decision for a question without running a turn.
func (e *Engine) Route(question string) (router.Result, []router.Score) {
	return e.router.Route(question), e.router.Scores(question)
}
