package ops

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/hpungsan/carchat/internal/conversation"
	"github.com/hpungsan/carchat/internal/db"
	"github.com/hpungsan/carchat/internal/errors"
)

// UserContextInput contains parameters for the GetUserContext operation.
type UserContextInput struct {
	SessionID         string    // required
	SubjectID         *string   // optional: restrict to one subject
	RecencyWindowDays int       // default: 30, max: 3650
	Now               time.Time // window end; zero means time.Now()
}

// UserContext is the session aggregate used to personalize turns.
type UserContext struct {
	ConversationCount int            `json:"conversation_count"`
	CapabilityUsage   map[string]int `json:"capability_usage"`
	BrandPreferences  []string       `json:"brand_preferences"`
	PriceBuckets      map[string]int `json:"price_buckets"`
}

// GetUserContext aggregates a session's conversations active inside the
// recency window. It only reads, so repeated calls without intervening
// writes return identical aggregates.
func GetUserContext(ctx context.Context, database *sql.DB, input UserContextInput) (*UserContext, error) {
	sessionID := strings.TrimSpace(input.SessionID)
	if sessionID == "" {
		return nil, errors.NewInvalidRequest("session_id is required")
	}
	days := clamp(input.RecencyWindowDays, DefaultWindowDays, MaxWindowDays)

	scope := db.SessionScope{
		SessionID: sessionID,
		SubjectID: cleanOptionalString(input.SubjectID),
		Since:     windowStart(input.Now, days),
	}

	count, err := db.CountSessionConversations(ctx, database, scope)
	if err != nil {
		return nil, err
	}
	usage, err := db.SessionCapabilityCounts(ctx, database, scope)
	if err != nil {
		return nil, err
	}
	brands, err := db.SessionContextValues(ctx, database, scope, conversation.KeyMentionedBrand)
	if err != nil {
		return nil, err
	}
	snapshots, err := db.SessionSnapshots(ctx, database, scope)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string]int)
	for _, snap := range snapshots {
		buckets[conversation.PriceBucket(snap.Number(conversation.AttrPrice))]++
	}

	return &UserContext{
		ConversationCount: count,
		CapabilityUsage:   usage,
		BrandPreferences:  dedupeFold(brands),
		PriceBuckets:      buckets,
	}, nil
}

// dedupeFold removes case-insensitive duplicates, keeping the first spelling.
func dedupeFold(values []string) []string {
	out := []string{}
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

// windowStart returns the unix ms cutoff for a window of days ending at now.
func windowStart(now time.Time, days int) int64 {
	if now.IsZero() {
		now = time.Now()
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
}
