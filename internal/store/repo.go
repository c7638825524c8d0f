package store

import (
	"context"
	"errors"
	"time"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/history"
	"github.com/abhisek/packplan/internal/pack"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert hits a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate key")
)

// Status is the lifecycle state of a pack plan.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusServed    Status = "served"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// PackPlan is a persisted pack for one (learner, session sequence) key.
type PackPlan struct {
	ID               string
	LearnerID        string
	Sequence         int64
	IdempotencyToken string
	Status           Status
	Planner          string
	RetryCount       int
	PoolExpanded     bool
	FallbackReason   string
	Items            []pack.Item
	Report           constraints.Report
	CreatedAt        time.Time
	ServedAt         *time.Time
	CompletedAt      *time.Time
	ExpiredAt        *time.Time
}

// PlanFilter narrows ListPlans.
type PlanFilter struct {
	LearnerID string
	Status    Status
	Limit     int // 0 = unlimited
}

// PlannerStat counts plans by planner and fallback reason.
type PlannerStat struct {
	Planner        string
	FallbackReason string
	Count          int
}

// PlanRepo persists pack plans. The (learner_id, session_sequence) key is
// unique at the storage layer.
type PlanRepo interface {
	// CreatePlan inserts a new plan. Returns ErrDuplicate when a plan for
	// the key or token already exists.
	CreatePlan(ctx context.Context, p *PackPlan) error

	GetPlan(ctx context.Context, learnerID string, sequence int64) (*PackPlan, error)
	GetPlanByToken(ctx context.Context, learnerID, token string) (*PackPlan, error)

	// MaxSequence returns the highest sequence stored for the learner, or 0.
	MaxSequence(ctx context.Context, learnerID string) (int64, error)

	// TransitionStatus moves a plan from one status to another and stamps
	// the matching timestamp column. Reports false when the plan was not
	// in the from status.
	TransitionStatus(ctx context.Context, learnerID string, sequence int64, from, to Status, at time.Time) (bool, error)

	// ExpireStale expires planned rows created before cutoff.
	ExpireStale(ctx context.Context, cutoff, at time.Time) (int64, error)

	ListPlans(ctx context.Context, f PlanFilter) ([]PackPlan, error)
	PlannerStats(ctx context.Context) ([]PlannerStat, error)
}

// CatalogRepo is the catalog read model plus the seed write path.
type CatalogRepo interface {
	catalog.Catalog

	// UpsertItems inserts or replaces items by id.
	UpsertItems(ctx context.Context, items []catalog.Item) error
	CountItems(ctx context.Context) (map[catalog.Band]int, error)
}

// AttemptRepo stores attempt events and serves the history read model.
type AttemptRepo interface {
	history.Reader

	// RecordAttempt stores an attempt. Reports false when an attempt for the
	// same (learner, sequence, item) was already recorded.
	RecordAttempt(ctx context.Context, a history.Attempt) (bool, error)

	// CountPackAttempts counts distinct attempted items of a session among
	// itemIDs.
	CountPackAttempts(ctx context.Context, learnerID string, sequence int64, itemIDs []string) (int, error)
}

// QueryOpts configures event queries.
type QueryOpts struct {
	Limit   int // max results (0 = unlimited)
	Purpose string
}

// LLMRequestEventData captures a single LLM request.
type LLMRequestEventData struct {
	Provider        string
	Model           string
	Purpose         string
	LearnerID       string
	SessionSequence int64
	InputTokens     int
	OutputTokens    int
	LatencyMs       int64
	Success         bool
	ErrorMessage    string
	RequestBody     string
	ResponseBody    string
}

// LLMRequestEvent is a stored LLMRequestEventData.
type LLMRequestEvent struct {
	ID        int
	Sequence  int64
	Timestamp time.Time
	LLMRequestEventData
}

// PurposeUsage aggregates token use per purpose.
type PurposeUsage struct {
	Purpose      string
	Calls        int
	Failures     int
	InputTokens  int
	OutputTokens int
	AvgLatencyMs int64
}

// EventRepo records LLM requests.
type EventRepo interface {
	AppendLLMRequest(ctx context.Context, data LLMRequestEventData) error
	QueryLLMEvents(ctx context.Context, opts QueryOpts) ([]LLMRequestEvent, error)

	// GetLLMEvent returns nil when the event does not exist.
	GetLLMEvent(ctx context.Context, id int) (*LLMRequestEvent, error)
	LLMUsageByPurpose(ctx context.Context) ([]PurposeUsage, error)
}
