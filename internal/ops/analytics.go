package ops

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/hpungsan/carchat/internal/db"
)

// AnalyticsInput contains parameters for the GetAnalytics operation.
type AnalyticsInput struct {
	WindowDays int       // default: 30, max: 3650
	Now        time.Time // window end; zero means time.Now()
}

// Analytics summarizes activity over a window.
type Analytics struct {
	WindowDays                 int               `json:"window_days"`
	ConversationCount          int               `json:"conversation_count"`
	MessageCount               int               `json:"message_count"`
	AvgMessagesPerConversation float64           `json:"avg_messages_per_conversation"`
	CapabilityUsage            map[string]int    `json:"capability_usage"`
	MostDiscussedSubjects      []db.SubjectCount `json:"most_discussed_subjects"`
}

// GetAnalytics computes global activity for conversations started and
// messages written inside the window.
func GetAnalytics(ctx context.Context, database *sql.DB, input AnalyticsInput) (*Analytics, error) {
	days := clamp(input.WindowDays, DefaultWindowDays, MaxWindowDays)
	since := windowStart(input.Now, days)

	totals, err := db.CountWindow(ctx, database, since)
	if err != nil {
		return nil, err
	}
	usage, err := db.WindowCapabilityCounts(ctx, database, since)
	if err != nil {
		return nil, err
	}
	subjects, err := db.TopSubjects(ctx, database, since, TopSubjectsLimit)
	if err != nil {
		return nil, err
	}
	if subjects == nil {
		subjects = []db.SubjectCount{}
	}

	var avg float64
	if totals.Conversations > 0 {
		avg = float64(totals.ConversationTotals) / float64(totals.Conversations)
		avg = math.Round(avg*100) / 100
	}

	return &Analytics{
		WindowDays:                 days,
		ConversationCount:          totals.Conversations,
		MessageCount:               totals.Messages,
		AvgMessagesPerConversation: avg,
		CapabilityUsage:            usage,
		MostDiscussedSubjects:      subjects,
	}, nil
}
