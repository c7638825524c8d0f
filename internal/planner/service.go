// Package planner runs plan-next: it serializes planning per learner,
// returns existing plans idempotently and falls back to the deterministic
// planner when the generative one fails.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/fallback"
	"github.com/abhisek/packplan/internal/genplan"
	"github.com/abhisek/packplan/internal/lock"
	"github.com/abhisek/packplan/internal/logger"
	"github.com/abhisek/packplan/internal/pack"
	"github.com/abhisek/packplan/internal/selector"
	"github.com/abhisek/packplan/internal/store"
)

var (
	// ErrConflict means another request is planning for the learner and
	// did not finish within the lock wait. The caller should retry.
	ErrConflict = errors.New("planning already in progress for learner")

	ErrInvalidRequest = errors.New("invalid plan request")

	// ErrTokenMismatch means the idempotency token was already used for a
	// different session sequence.
	ErrTokenMismatch = errors.New("idempotency token belongs to another session")

	// ErrSequenceExpired means the plan for the sequence expired unserved.
	// The client must advance to the next sequence.
	ErrSequenceExpired = errors.New("session sequence expired")

	// ErrStaleSequence means the learner already has a later plan.
	ErrStaleSequence = errors.New("session sequence is behind the latest plan")
	// ErrSequenceGap means the request skips sequences the learner never planned.
	ErrSequenceGap = errors.New("session sequence skips ahead of the latest plan")
)

// PlanRequest is the plan-next input.
type PlanRequest struct {
	LearnerID         string
	LastKnownSequence int64
	NextSequence      int64
	IdempotencyToken  string
}

// PlanResult is the stored plan. Created is false when an existing plan
// was returned.
type PlanResult struct {
	Plan    *store.PackPlan
	Created bool
}

// CandidateSource builds candidate lists.
type CandidateSource interface {
	Select(ctx context.Context, req selector.Request) (*selector.Candidates, error)
}

// Generative plans a pack with a model.
type Generative interface {
	Plan(ctx context.Context, in genplan.Input) pack.Outcome
}

// Service implements plan-next and pack reads.
type Service struct {
	plans    store.PlanRepo
	selector CandidateSource
	gen      Generative
	locker   lock.Locker
	spec     constraints.Spec
	log      *logger.Logger
	tracer   trace.Tracer
}

// New creates a Service. gen may be nil, in which case every pack comes
// from the fallback planner.
func New(plans store.PlanRepo, sel CandidateSource, gen Generative, locker lock.Locker, spec constraints.Spec, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		plans:    plans,
		selector: sel,
		gen:      gen,
		locker:   locker,
		spec:     spec,
		log:      log.With("service", "Planner"),
		tracer:   otel.Tracer("github.com/abhisek/packplan/internal/planner"),
	}
}

func (r PlanRequest) validate() error {
	switch {
	case strings.TrimSpace(r.LearnerID) == "":
		return fmt.Errorf("%w: learner_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.IdempotencyToken) == "":
		return fmt.Errorf("%w: idempotency_token is required", ErrInvalidRequest)
	case r.LastKnownSequence < 0:
		return fmt.Errorf("%w: last_known_sequence must not be negative", ErrInvalidRequest)
	case r.NextSequence != r.LastKnownSequence+1:
		return fmt.Errorf("%w: next_sequence must be last_known_sequence + 1", ErrInvalidRequest)
	}
	return nil
}

// PlanNext returns the plan for the requested session, creating it if
// needed. Planning is not aborted when ctx is cancelled; the result stays
// stored for the next read.
func (s *Service) PlanNext(ctx context.Context, req PlanRequest) (res *PlanResult, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	ctx, span := s.tracer.Start(ctx, "planner.PlanNext", trace.WithAttributes(
		attribute.String("learner_id", req.LearnerID),
		attribute.Int64("session_sequence", req.NextSequence),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("planner", res.Plan.Planner),
				attribute.Bool("created", res.Created),
			)
		}
		span.End()
	}()

	release, err := s.locker.Lock(ctx, req.LearnerID)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			s.log.Warn("plan conflict", "learner_id", req.LearnerID, "sequence", req.NextSequence)
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, fmt.Errorf("acquire learner lock: %w", err)
	}
	defer release()

	if existing, err := s.existing(ctx, req); existing != nil || err != nil {
		return existing, err
	}

	plan, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	switch err := s.plans.CreatePlan(ctx, plan); {
	case err == nil:
		s.log.Info("pack planned",
			"learner_id", plan.LearnerID, "sequence", plan.Sequence,
			"planner", plan.Planner, "pool_expanded", plan.PoolExpanded,
			"retry_count", plan.RetryCount, "fallback_reason", plan.FallbackReason)
		return &PlanResult{Plan: plan, Created: true}, nil
	case errors.Is(err, store.ErrDuplicate):
		// Another instance inserted first; its row wins.
		s.log.Info("plan insert lost race, returning stored plan", "learner_id", req.LearnerID, "sequence", req.NextSequence)
		winner, err := s.existing(ctx, req)
		if err == nil && winner == nil {
			err = fmt.Errorf("duplicate plan for %s/%d not readable", req.LearnerID, req.NextSequence)
		}
		return winner, err
	default:
		return nil, fmt.Errorf("store plan: %w", err)
	}
}

// existing resolves the request against stored plans. It returns nil, nil
// when a new plan should be created.
func (s *Service) existing(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	byToken, err := s.plans.GetPlanByToken(ctx, req.LearnerID, req.IdempotencyToken)
	switch {
	case err == nil:
		if byToken.Sequence != req.NextSequence {
			return nil, fmt.Errorf("%w: token was used for sequence %d", ErrTokenMismatch, byToken.Sequence)
		}
		if byToken.Status == store.StatusExpired {
			return nil, ErrSequenceExpired
		}
		return &PlanResult{Plan: byToken}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup plan by token: %w", err)
	}

	byKey, err := s.plans.GetPlan(ctx, req.LearnerID, req.NextSequence)
	switch {
	case err == nil:
		if byKey.Status == store.StatusExpired {
			return nil, ErrSequenceExpired
		}
		return &PlanResult{Plan: byKey}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup plan: %w", err)
	}

	latest, err := s.plans.MaxSequence(ctx, req.LearnerID)
	if err != nil {
		return nil, fmt.Errorf("lookup latest sequence: %w", err)
	}
	if latest > req.NextSequence {
		return nil, fmt.Errorf("%w: latest is %d", ErrStaleSequence, latest)
	}
	if req.NextSequence > latest+1 {
		return nil, fmt.Errorf("%w: latest is %d", ErrSequenceGap, latest)
	}
	return nil, nil
}

// plan builds a new, not yet stored plan.
func (s *Service) plan(ctx context.Context, req PlanRequest) (*store.PackPlan, error) {
	cands, err := s.selector.Select(ctx, selector.Request{LearnerID: req.LearnerID, Sequence: req.NextSequence})
	if err != nil {
		return nil, err
	}

	outcome := s.generate(ctx, req, cands)
	if failed, ok := outcome.(pack.Failed); ok {
		if failed.Reason == pack.ReasonDisabled {
			s.log.Debug("generative planner disabled, using fallback", "learner_id", req.LearnerID)
		} else {
			s.log.Warn("generative planner failed, using fallback",
				"learner_id", req.LearnerID, "sequence", req.NextSequence,
				"reason", failed.Reason, "attempts", failed.Attempts, "error", failed.Err)
		}
		pk, err := fallback.Plan(s.spec, cands)
		if err != nil {
			return nil, err
		}
		outcome = pack.Fallback{Pack: pk, Cause: failed}
	}

	plan := &store.PackPlan{
		LearnerID:        req.LearnerID,
		Sequence:         req.NextSequence,
		IdempotencyToken: req.IdempotencyToken,
		Status:           store.StatusPlanned,
		PoolExpanded:     cands.PoolExpanded,
		CreatedAt:        time.Now(),
	}

	var pk *pack.Pack
	switch o := outcome.(type) {
	case pack.Generated:
		pk = o.Pack
		plan.Planner = pack.PlannerGenerative
		plan.RetryCount = o.Retries
	case pack.Fallback:
		pk = o.Pack
		plan.Planner = pack.PlannerFallback
		plan.FallbackReason = string(o.Cause.Reason)
		plan.RetryCount = max(o.Cause.Attempts-1, 0)
	case pack.Failed:
		return nil, o
	default:
		return nil, fmt.Errorf("unexpected planning outcome %T", outcome)
	}

	// Whatever produced the pack, nothing is stored unless it passes.
	report := constraints.Validate(s.spec, pack.Entries(pk.Items), cands.Signals())
	if !report.HardOK() {
		return nil, fmt.Errorf("%s pack failed hard constraints: %v", plan.Planner, report.Violations())
	}
	report.Planner = plan.Planner

	plan.Items = pk.Items
	plan.Report = report
	return plan, nil
}

func (s *Service) generate(ctx context.Context, req PlanRequest, cands *selector.Candidates) pack.Outcome {
	if s.gen == nil {
		return pack.Failed{Reason: pack.ReasonDisabled}
	}
	ctx, span := s.tracer.Start(ctx, "planner.generative")
	defer span.End()

	out := s.gen.Plan(ctx, genplan.Input{
		LearnerID:  req.LearnerID,
		Sequence:   req.NextSequence,
		Spec:       s.spec,
		Candidates: cands,
	})
	if f, ok := out.(pack.Failed); ok {
		span.SetAttributes(attribute.String("failure_reason", string(f.Reason)))
	}
	return out
}

// GetPack returns the stored plan for the session. It never plans.
func (s *Service) GetPack(ctx context.Context, learnerID string, sequence int64) (*store.PackPlan, error) {
	return s.plans.GetPlan(ctx, learnerID, sequence)
}
