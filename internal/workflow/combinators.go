package workflow

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/errors"
	"github.com/hpungsan/carchat/internal/handlers"
)

// apologyText is returned when no specialist answer can be produced.
const apologyText = "Desculpe, não consegui responder a sua pergunta agora. " +
	"Um de nossos atendentes pode ajudar você com isso."

// bestEffort runs a repository step under the turn deadline. A failure is
// logged and recorded, and the turn continues with the state the step
// returned. It never changes the response.
func (e *Engine) bestEffort(ctx context.Context, s State, stage string, step func(context.Context, State) (State, error)) State {
	ctx, cancel := context.WithDeadline(ctx, s.StartedAt.Add(e.cfg.TurnTimeout))
	defer cancel()

	next, err := recoverStep(ctx, s, step)
	if err != nil {
		e.log.Warn().
			Err(err).
			Str("stage", stage).
			Str("conversation_id", next.ConversationID).
			Msg("stage failed, continuing without it")
		return next.withError(stage, KindPersistence, err)
	}
	return next
}

func recoverStep(ctx context.Context, s State, step func(context.Context, State) (State, error)) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = s, fmt.Errorf("panic: %v", r)
		}
	}()
	return step(ctx, s)
}

// mustOrFallback runs the selected handler. A panic, an error or a malformed
// response replaces the answer with an apology and flags the turn for a human.
func (e *Engine) mustOrFallback(ctx context.Context, s State, c capability.Capability, h handlers.Handler) State {
	resp, err := callHandler(ctx, s, h)
	if err == nil {
		err = validateResponse(resp)
	}
	if err != nil {
		failure := errors.NewHandlerFailed(c.String(), err)
		e.log.Error().
			Err(failure).
			Str("stage", c.String()).
			Str("conversation_id", s.ConversationID).
			Msg("handler failed, answering with apology")
		s = s.withError(c.String(), KindHandler, failure)
		s.Response = apology()
		s.NeedsHumanFallback = true
		return s
	}
	s.Response = resp
	return s
}

func callHandler(ctx context.Context, s State, h handlers.Handler) (resp handlers.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, s.Input.Snapshot, s.Input.Question, s.sessionContext())
}

func validateResponse(r handlers.Response) error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("empty response text")
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", r.Confidence)
	}
	return nil
}

func apology() handlers.Response {
	return handlers.Response{
		Text:      apologyText,
		Followups: handlers.DefaultFollowups(capability.Fallback),
	}
}
