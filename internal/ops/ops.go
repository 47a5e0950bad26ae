package ops

import (
	"context"
	"crypto/rand"
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/carchat/internal/config"
	"github.com/hpungsan/carchat/internal/conversation"
)

// Limits
const (
	DefaultHistoryLimit  = 50
	MaxHistoryLimit      = 500
	DefaultListLimit     = 20
	MaxListLimit         = 100
	DefaultSimilarLimit  = 3
	MaxSimilarLimit      = 20
	DefaultWindowDays    = 30
	MaxWindowDays        = 3650
	TopSubjectsLimit     = 5
	MaxContentChars      = 20000
	MaxContextValueChars = 500
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Repository is the Conversation Repository: every read and write the
// orchestration core performs goes through it. It holds no state beyond the
// database handle and is safe for concurrent use.
type Repository struct {
	db  *sql.DB
	cfg *config.Config
}

// NewRepository creates a Repository over an initialized database.
func NewRepository(database *sql.DB, cfg *config.Config) *Repository {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Repository{db: database, cfg: cfg}
}

// CreateConversation implements the repository contract.
func (r *Repository) CreateConversation(ctx context.Context, input CreateConversationInput) (string, error) {
	out, err := CreateConversation(ctx, r.db, input)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// OpenConversation returns the open conversation for the input's session,
// creating one when there is none.
func (r *Repository) OpenConversation(ctx context.Context, input CreateConversationInput) (string, bool, error) {
	out, created, err := OpenConversation(ctx, r.db, input)
	if err != nil {
		return "", false, err
	}
	return out.ID, created, nil
}

// AppendMessage implements the repository contract.
func (r *Repository) AppendMessage(ctx context.Context, input AppendMessageInput) (string, error) {
	out, err := AppendMessage(ctx, r.db, input)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// AppendTurn writes a question and its answer as one append.
func (r *Repository) AppendTurn(ctx context.Context, input AppendTurnInput) (*AppendTurnOutput, error) {
	return AppendTurn(ctx, r.db, input)
}

// GetHistory implements the repository contract.
func (r *Repository) GetHistory(ctx context.Context, conversationID string, limit int) (*HistoryOutput, error) {
	return GetHistory(ctx, r.db, HistoryInput{ConversationID: conversationID, Limit: limit})
}

// AddContext implements the repository contract.
func (r *Repository) AddContext(ctx context.Context, input AddContextInput) (string, error) {
	out, err := AddContext(ctx, r.db, input)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetUserContext implements the repository contract.
func (r *Repository) GetUserContext(ctx context.Context, input UserContextInput) (*UserContext, error) {
	if input.RecencyWindowDays <= 0 {
		input.RecencyWindowDays = r.cfg.RecencyWindowDays
	}
	return GetUserContext(ctx, r.db, input)
}

// GetSimilarConversations implements the repository contract.
func (r *Repository) GetSimilarConversations(ctx context.Context, input SimilarInput) ([]ConversationWithMessages, error) {
	if input.MinMessages <= 0 {
		input.MinMessages = r.cfg.SimilarMinMessages
	}
	if input.Limit <= 0 {
		input.Limit = r.cfg.SimilarLimit
	}
	return GetSimilarConversations(ctx, r.db, input)
}

// GetAnalytics implements the repository contract.
func (r *Repository) GetAnalytics(ctx context.Context, windowDays int) (*Analytics, error) {
	return GetAnalytics(ctx, r.db, AnalyticsInput{WindowDays: windowDays})
}

// GetConversation returns one conversation by ID.
func (r *Repository) GetConversation(ctx context.Context, conversationID string) (*ConversationOutput, error) {
	return GetConversation(ctx, r.db, conversationID)
}

// ListContext returns the context entries of one conversation.
func (r *Repository) ListContext(ctx context.Context, conversationID string) ([]conversation.ContextEntry, error) {
	return ListContext(ctx, r.db, conversationID)
}

// FindOpenConversation returns the open conversation for (subject, session).
func (r *Repository) FindOpenConversation(ctx context.Context, subjectID string, sessionID *string) (*ConversationOutput, error) {
	return FindOpenConversation(ctx, r.db, subjectID, sessionID)
}

// CloseConversation soft-closes a conversation.
func (r *Repository) CloseConversation(ctx context.Context, conversationID string) (*CloseOutput, error) {
	return CloseConversation(ctx, r.db, conversationID)
}

// ListConversations lists conversations for a session or subject.
func (r *Repository) ListConversations(ctx context.Context, input ListInput) (*ListOutput, error) {
	return ListConversations(ctx, r.db, input)
}

// generateULID generates a new ULID.
func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// cleanOptionalString trims s and maps blank values to nil.
func cleanOptionalString(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// clamp applies a default when v <= 0 and an upper bound.
func clamp(v, def, maxV int) int {
	if v <= 0 {
		v = def
	}
	if v > maxV {
		v = maxV
	}
	return v
}
