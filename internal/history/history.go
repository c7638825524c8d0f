// Package history defines the read-only view of a learner's past attempts
// that candidate selection consults.
package history

import (
	"context"
	"time"

	"github.com/abhisek/packplan/internal/catalog"
)

// Attempt records that a learner attempted an item within a session.
type Attempt struct {
	LearnerID   string
	Sequence    int64
	ItemID      string
	Correct     bool
	AttemptedAt time.Time
}

// TopicStat aggregates a learner's attempts on one topic pair.
type TopicStat struct {
	Attempts int
	Correct  int

	// Recent counts attempts inside the recency window.
	Recent int
}

// Accuracy returns the fraction of correct attempts, or 0 with no attempts.
func (s TopicStat) Accuracy() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Attempts)
}

// Reader is the read side of the history store.
type Reader interface {
	// RecentItemIDs returns the ids of items the learner attempted in
	// sessions with sequence >= sinceSequence.
	RecentItemIDs(ctx context.Context, learnerID string, sinceSequence int64) (map[string]bool, error)

	// TopicStats returns per topic pair totals over the learner's whole
	// history; Recent counts sessions with sequence >= sinceSequence.
	TopicStats(ctx context.Context, learnerID string, sinceSequence int64) (map[catalog.TopicPair]TopicStat, error)
}
