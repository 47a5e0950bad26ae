package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hpungsan/carchat/internal/errors"
	"github.com/hpungsan/carchat/internal/ops"
	"github.com/hpungsan/carchat/internal/transcript"
	"github.com/hpungsan/carchat/internal/workflow"
)

// maxTurnBody caps the size of a turn request body.
const maxTurnBody = 1 << 20

// Handlers contains the HTTP route handlers.
type Handlers struct {
	engine *workflow.Engine
	repo   *ops.Repository
	log    zerolog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(engine *workflow.Engine, repo *ops.Repository, log zerolog.Logger) *Handlers {
	return &Handlers{engine: engine, repo: repo, log: log}
}

// HandleTurn handles POST /api/turns: one question in, one TurnResult out.
func (h *Handlers) HandleTurn(w http.ResponseWriter, r *http.Request) {
	var in workflow.TurnInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBody)).Decode(&in); err != nil {
		renderError(w, r, errors.NewInvalidRequest("invalid JSON body: "+err.Error()))
		return
	}
	if strings.TrimSpace(in.Question) == "" {
		renderError(w, r, errors.NewInvalidRequest("question is required"))
		return
	}

	res := h.engine.Run(r.Context(), in)
	h.log.Debug().
		Str("conversation_id", res.ConversationID).
		Str("capability", res.Capability.String()).
		Msg("turn served over HTTP")
	renderJSON(w, http.StatusOK, res)
}

// HandleList handles GET /api/conversations.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.repo.ListConversations(r.Context(), ops.ListInput{
		SessionID: ptrString(q.Get("session_id")),
		SubjectID: ptrString(q.Get("subject_id")),
		OpenOnly:  parseBoolParam(r, "open_only"),
		Limit:     parseIntParam(r, "limit", ops.DefaultListLimit),
		Offset:    parseIntParam(r, "offset", 0),
	})
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleHistory handles GET /api/conversations/{id}.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	result, err := h.repo.GetHistory(r.Context(), r.PathValue("id"), parseIntParam(r, "limit", 0))
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleClose handles POST /api/conversations/{id}/close.
func (h *Handlers) HandleClose(w http.ResponseWriter, r *http.Request) {
	result, err := h.repo.CloseConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleUserContext handles GET /api/sessions/{session}/context.
func (h *Handlers) HandleUserContext(w http.ResponseWriter, r *http.Request) {
	result, err := h.repo.GetUserContext(r.Context(), ops.UserContextInput{
		SessionID:         r.PathValue("session"),
		SubjectID:         ptrString(r.URL.Query().Get("subject_id")),
		RecencyWindowDays: parseIntParam(r, "days", 0),
	})
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleAnalytics handles GET /api/analytics.
func (h *Handlers) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	result, err := h.repo.GetAnalytics(r.Context(), parseIntParam(r, "window_days", 0))
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleCapabilities handles GET /api/capabilities.
func (h *Handlers) HandleCapabilities(w http.ResponseWriter, _ *http.Request) {
	renderJSON(w, http.StatusOK, map[string]any{"capabilities": h.engine.Capabilities()})
}

// HandleHealth handles GET /api/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	renderJSON(w, http.StatusOK, h.engine.Health())
}

// HandleTranscript handles GET /conversations/{id}: the transcript as HTML.
func (h *Handlers) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	t, err := transcript.Load(r.Context(), h.repo, r.PathValue("id"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	page, err := t.Document()
	if err != nil {
		renderError(w, r, errors.NewInternal(err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1"
}

// ptrString returns a pointer to s if non-blank, nil otherwise.
func ptrString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
