// Package audit re-checks stored plans against the hard constraints.
package audit

import (
	"context"
	"fmt"

	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/logger"
	"github.com/abhisek/packplan/internal/pack"
	"github.com/abhisek/packplan/internal/store"
)

// Finding is one stored plan that breaks an invariant.
type Finding struct {
	PlanID    string
	LearnerID string
	Sequence  int64
	Status    store.Status
	Problems  []string
}

// Summary is the result of one audit run.
type Summary struct {
	Checked  int
	Findings []Finding
}

// Auditor checks stored plans.
type Auditor struct {
	plans store.PlanRepo
	spec  constraints.Spec
	log   *logger.Logger
}

// New creates an Auditor.
func New(plans store.PlanRepo, spec constraints.Spec, log *logger.Logger) *Auditor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Auditor{plans: plans, spec: spec, log: log.With("service", "Audit")}
}

// Run checks every plan matching f. Each finding is logged at error level.
func (a *Auditor) Run(ctx context.Context, f store.PlanFilter) (*Summary, error) {
	plans, err := a.plans.ListPlans(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}

	sum := &Summary{Checked: len(plans)}
	for i := range plans {
		p := &plans[i]
		problems := a.Check(p)
		if len(problems) == 0 {
			continue
		}
		a.log.Error("stored plan violates invariants",
			"plan_id", p.ID, "learner_id", p.LearnerID, "sequence", p.Sequence, "problems", problems)
		sum.Findings = append(sum.Findings, Finding{
			PlanID:    p.ID,
			LearnerID: p.LearnerID,
			Sequence:  p.Sequence,
			Status:    p.Status,
			Problems:  problems,
		})
	}
	return sum, nil
}

// Check returns the problems with a single plan.
func (a *Auditor) Check(p *store.PackPlan) []string {
	report := constraints.Validate(a.spec, pack.Entries(p.Items), constraints.Signals{})
	problems := report.Violations()

	if !p.Report.HardOK() {
		problems = append(problems, "stored report records a failed hard constraint")
	}
	for _, r := range p.Report.Relaxed {
		if !isSoft(r.Constraint) {
			problems = append(problems, fmt.Sprintf("stored report relaxes hard constraint %s", r.Constraint))
		}
	}
	if p.Report.Planner != "" && p.Report.Planner != p.Planner {
		problems = append(problems, fmt.Sprintf("report planner %q does not match plan planner %q", p.Report.Planner, p.Planner))
	}
	switch p.Planner {
	case pack.PlannerGenerative, pack.PlannerFallback:
	default:
		problems = append(problems, fmt.Sprintf("unknown planner %q", p.Planner))
	}

	problems = append(problems, timestampProblems(p)...)
	return problems
}

func isSoft(name string) bool {
	return name == constraints.NameTopicDiversity || name == constraints.NameStrongTopicAvoidance
}

func timestampProblems(p *store.PackPlan) []string {
	var out []string
	need := func(label string, ok bool) {
		if !ok {
			out = append(out, fmt.Sprintf("status %s without %s", p.Status, label))
		}
	}
	switch p.Status {
	case store.StatusServed:
		need("served_at", p.ServedAt != nil)
	case store.StatusCompleted:
		need("served_at", p.ServedAt != nil)
		need("completed_at", p.CompletedAt != nil)
	case store.StatusExpired:
		need("expired_at", p.ExpiredAt != nil)
		if p.ServedAt != nil {
			out = append(out, "expired plan was served")
		}
	case store.StatusPlanned:
	default:
		out = append(out, fmt.Sprintf("unknown status %q", p.Status))
	}
	return out
}
