// Package lifecycle moves stored plans through served, completed and
// expired.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/abhisek/packplan/internal/history"
	"github.com/abhisek/packplan/internal/logger"
	"github.com/abhisek/packplan/internal/store"
)

var (
	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow, such as serving an expired plan.
	ErrInvalidTransition = errors.New("invalid plan status transition")

	// ErrItemNotInPack is returned for an attempt on an item the pack does
	// not contain.
	ErrItemNotInPack = errors.New("item is not part of the pack")
)

// Config controls expiry.
type Config struct {
	// ExpireAfter is how long a plan may stay unserved.
	ExpireAfter   time.Duration `mapstructure:"expire_after" toml:"expire_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" toml:"sweep_interval"`
}

// DefaultConfig returns the default lifecycle settings.
func DefaultConfig() Config {
	return Config{ExpireAfter: 24 * time.Hour, SweepInterval: 5 * time.Minute}
}

// Tracker is the only writer of plan status after creation.
type Tracker struct {
	plans    store.PlanRepo
	attempts store.AttemptRepo
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// New creates a Tracker.
func New(plans store.PlanRepo, attempts store.AttemptRepo, cfg Config, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{plans: plans, attempts: attempts, cfg: cfg, log: log.With("service", "Lifecycle"), now: time.Now}
}

// MarkServed moves a planned pack to served. Serving an already served or
// completed pack is a no-op. A pack whose items were all attempted before it
// was served completes right away.
func (t *Tracker) MarkServed(ctx context.Context, learnerID string, sequence int64) (*store.PackPlan, error) {
	// Two rounds cover losing a race against the sweeper or a parallel call.
	for range 2 {
		plan, err := t.plans.GetPlan(ctx, learnerID, sequence)
		if err != nil {
			return nil, err
		}
		switch plan.Status {
		case store.StatusCompleted:
			return plan, nil
		case store.StatusServed:
			return t.completeServed(ctx, plan)
		case store.StatusExpired:
			return nil, fmt.Errorf("%w: plan for %s/%d expired", ErrInvalidTransition, learnerID, sequence)
		}

		ok, err := t.plans.TransitionStatus(ctx, learnerID, sequence, store.StatusPlanned, store.StatusServed, t.now())
		if err != nil {
			return nil, err
		}
		if ok {
			t.log.Info("pack served", "learner_id", learnerID, "sequence", sequence)
			plan, err := t.plans.GetPlan(ctx, learnerID, sequence)
			if err != nil {
				return nil, err
			}
			return t.completeServed(ctx, plan)
		}
	}
	return nil, fmt.Errorf("%w: plan for %s/%d changed concurrently", ErrInvalidTransition, learnerID, sequence)
}

// completeServed completes a served plan whose items all have attempts and
// returns the current row.
func (t *Tracker) completeServed(ctx context.Context, plan *store.PackPlan) (*store.PackPlan, error) {
	done, err := t.completeIfAttempted(ctx, plan.LearnerID, plan.Sequence, itemIDs(plan))
	if err != nil || !done {
		return plan, err
	}
	return t.plans.GetPlan(ctx, plan.LearnerID, plan.Sequence)
}

// completeIfAttempted moves a served pack to completed once every item has
// an attempt. It reports whether this call made the transition.
func (t *Tracker) completeIfAttempted(ctx context.Context, learnerID string, sequence int64, ids []string) (bool, error) {
	n, err := t.attempts.CountPackAttempts(ctx, learnerID, sequence, ids)
	if err != nil {
		return false, err
	}
	if n < len(ids) {
		return false, nil
	}

	ok, err := t.plans.TransitionStatus(ctx, learnerID, sequence, store.StatusServed, store.StatusCompleted, t.now())
	if err != nil {
		return false, err
	}
	if ok {
		t.log.Info("pack completed", "learner_id", learnerID, "sequence", sequence)
	}
	return ok, nil
}

func itemIDs(plan *store.PackPlan) []string {
	ids := make([]string, len(plan.Items))
	for i, it := range plan.Items {
		ids[i] = it.ItemID
	}
	return ids
}

// AttemptResult reports what RecordAttempt did.
type AttemptResult struct {
	// Recorded is false for a redelivered attempt.
	Recorded bool

	// Completed is set when this attempt completed the pack.
	Completed bool
}

// RecordAttempt stores an attempt on a pack item and completes the pack
// once every item of a served pack has an attempt.
func (t *Tracker) RecordAttempt(ctx context.Context, a history.Attempt) (AttemptResult, error) {
	plan, err := t.plans.GetPlan(ctx, a.LearnerID, a.Sequence)
	if err != nil {
		return AttemptResult{}, err
	}

	ids := itemIDs(plan)
	if !slices.Contains(ids, a.ItemID) {
		return AttemptResult{}, fmt.Errorf("%w: %s", ErrItemNotInPack, a.ItemID)
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = t.now()
	}

	recorded, err := t.attempts.RecordAttempt(ctx, a)
	if err != nil {
		return AttemptResult{}, err
	}
	res := AttemptResult{Recorded: recorded}

	if plan.Status != store.StatusServed {
		return res, nil
	}
	res.Completed, err = t.completeIfAttempted(ctx, a.LearnerID, a.Sequence, ids)
	return res, err
}

// Sweep expires planned packs older than ExpireAfter.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := t.plans.ExpireStale(ctx, now.Add(-t.cfg.ExpireAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.log.Info("expired unserved packs", "count", n)
	}
	return n, nil
}

// Run sweeps every SweepInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	if t.cfg.SweepInterval <= 0 {
		return fmt.Errorf("lifecycle: sweep interval must be positive")
	}
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.Sweep(ctx, t.now()); err != nil {
				t.log.Error("lifecycle sweep failed", "error", err)
			}
		}
	}
}
