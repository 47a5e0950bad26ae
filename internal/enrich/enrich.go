package enrich

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/config"
	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/errors"
	"github.com/hpungsan/carchat/internal/handlers"
	"github.com/hpungsan/carchat/internal/ops"
	"github.com/hpungsan/carchat/internal/router"
)

// Repository is the subset of the conversation repository enrichment reads.
type Repository interface {
	CreateConversation(ctx context.Context, input ops.CreateConversationInput) (string, error)
	OpenConversation(ctx context.Context, input ops.CreateConversationInput) (string, bool, error)
	FindOpenConversation(ctx context.Context, subjectID string, sessionID *string) (*ops.ConversationOutput, error)
	GetHistory(ctx context.Context, conversationID string, limit int) (*ops.HistoryOutput, error)
	GetUserContext(ctx context.Context, input ops.UserContextInput) (*ops.UserContext, error)
	GetSimilarConversations(ctx context.Context, input ops.SimilarInput) ([]ops.ConversationWithMessages, error)
}

// Request identifies the turn being enriched.
type Request struct {
	SubjectID      string
	Snapshot       conversation.Snapshot
	SessionID      *string
	ConversationID string // optional
	Question       string // a blank question never creates a conversation
}

// Bundle is the session context gathered for one turn. Fields left at their
// zero value mean "unknown" rather than "none".
type Bundle struct {
	ConversationID       string
	NewConversation      bool
	History              []handlers.Turn
	BrandPreferences     []string
	CapabilityUsage      map[string]int
	SessionConversations int
	SimilarConversations int
}

// Service assembles Bundles. It holds no per-turn state.
type Service struct {
	repo Repository
	cfg  *config.Config
	log  zerolog.Logger
}

// NewService creates an enrichment service.
func NewService(repo Repository, cfg *config.Config, log zerolog.Logger) *Service {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Service{repo: repo, cfg: cfg, log: log}
}

// Load resolves the conversation for the turn and gathers history, session
// aggregates and the similar-conversation count. Every step is attempted;
// the returned Bundle holds whatever succeeded and err joins the failures.
func (s *Service) Load(ctx context.Context, req Request) (*Bundle, error) {
	b := &Bundle{}
	var errs []error

	if err := s.resolveConversation(ctx, req, b); err != nil {
		errs = append(errs, fmt.Errorf("resolve conversation: %w", err))
	}

	if req.SessionID != nil {
		uc, err := s.repo.GetUserContext(ctx, ops.UserContextInput{
			SessionID:         *req.SessionID,
			RecencyWindowDays: s.cfg.RecencyWindowDays,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("user context: %w", err))
		} else {
			b.BrandPreferences = uc.BrandPreferences
			b.CapabilityUsage = uc.CapabilityUsage
			b.SessionConversations = uc.ConversationCount
		}
	}

	similar, err := s.repo.GetSimilarConversations(ctx, ops.SimilarInput{
		SubjectID:   req.SubjectID,
		Limit:       s.cfg.SimilarLimit,
		MinMessages: s.cfg.SimilarMinMessages,
		ExcludeID:   b.ConversationID,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("similar conversations: %w", err))
	} else {
		b.SimilarConversations = len(similar)
	}

	s.log.Debug().
		Str("conversation_id", b.ConversationID).
		Bool("new_conversation", b.NewConversation).
		Int("history", len(b.History)).
		Int("similar", b.SimilarConversations).
		Msg("context loaded")

	return b, stderrors.Join(errs...)
}

// resolveConversation picks, in order: the requested open conversation, the
// open conversation of (subject, session), or a new one. A blank question
// only reads; it leaves b.ConversationID empty when nothing is open.
func (s *Service) resolveConversation(ctx context.Context, req Request, b *Bundle) error {
	blank := strings.TrimSpace(req.Question) == ""

	if req.ConversationID != "" {
		hist, err := s.repo.GetHistory(ctx, req.ConversationID, s.cfg.HistoryLimit)
		switch {
		case err == nil && hist.Conversation.IsOpen && hist.Conversation.SubjectID == req.SubjectID:
			b.ConversationID = hist.Conversation.ID
			b.History = summarize(hist.Messages)
			return nil
		case err == nil:
			s.log.Debug().Str("conversation_id", req.ConversationID).Msg("requested conversation not usable, starting a new one")
		case errors.Is(err, errors.ErrNotFound):
			s.log.Debug().Str("conversation_id", req.ConversationID).Msg("requested conversation not found, starting a new one")
		default:
			return err
		}
	} else if blank {
		if req.SessionID == nil {
			return nil
		}
		open, err := s.repo.FindOpenConversation(ctx, req.SubjectID, req.SessionID)
		switch {
		case err == nil:
			return s.loadHistory(ctx, open.ID, b)
		case errors.Is(err, errors.ErrNotFound):
			return nil
		default:
			return err
		}
	} else if req.SessionID != nil {
		id, created, err := s.repo.OpenConversation(ctx, ops.CreateConversationInput{
			SubjectID: req.SubjectID,
			Snapshot:  req.Snapshot,
			SessionID: req.SessionID,
		})
		if err != nil {
			return err
		}
		if !created {
			return s.loadHistory(ctx, id, b)
		}
		b.ConversationID = id
		b.NewConversation = true
		return nil
	}

	if blank {
		return nil
	}
	id, err := s.Start(ctx, req)
	if err != nil {
		return err
	}
	b.ConversationID = id
	b.NewConversation = true
	return nil
}

func (s *Service) loadHistory(ctx context.Context, id string, b *Bundle) error {
	b.ConversationID = id
	hist, err := s.repo.GetHistory(ctx, id, s.cfg.HistoryLimit)
	if err != nil {
		return err
	}
	b.History = summarize(hist.Messages)
	return nil
}

// Start creates a new conversation for the request's subject and session.
func (s *Service) Start(ctx context.Context, req Request) (string, error) {
	return s.repo.CreateConversation(ctx, ops.CreateConversationInput{
		SubjectID: req.SubjectID,
		Snapshot:  req.Snapshot,
		SessionID: req.SessionID,
	})
}

func summarize(msgs []conversation.Message) []handlers.Turn {
	out := make([]handlers.Turn, len(msgs))
	for i, m := range msgs {
		out[i] = handlers.Turn{Direction: m.Direction, Content: m.Content, Capability: m.Capability}
	}
	return out
}

// Personalize adds the configured boost when the user's most used capability
// has reached the minimum use count and matches the routed specialist.
// The selected capability never changes.
func (s *Service) Personalize(res router.Result, usage map[string]int) (router.Result, bool) {
	if res.Capability == capability.Fallback {
		return res, false
	}
	top, uses := dominant(usage)
	if uses < s.cfg.PersonalizationMinUses || top != res.Capability {
		return res, false
	}
	res.Confidence = math.Min(res.Confidence+s.cfg.PersonalizationBoost, 1.0)
	return res, true
}

// dominant returns the most used specialist; ties go to capability priority.
func dominant(usage map[string]int) (capability.Capability, int) {
	var (
		best  capability.Capability
		count int
	)
	for _, c := range capability.Specialists {
		if n := usage[c.String()]; n > count {
			best, count = c, n
		}
	}
	return best, count
}
