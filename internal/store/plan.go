package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/sqlgraph"
	"github.com/google/uuid"
)

type planRepo struct {
	db *sql.DB
}

var planColumns = []string{
	"id", "learner_id", "session_sequence", "idempotency_token", "status", "planner",
	"retry_count", "pool_expanded", "fallback_reason", "items", "report",
	"created_at", "served_at", "completed_at", "expired_at",
}

func (r *planRepo) CreatePlan(ctx context.Context, p *PackPlan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.CreatedAt = p.CreatedAt.UTC().Truncate(time.Millisecond)
	if p.Status == "" {
		p.Status = StatusPlanned
	}

	items, err := json.Marshal(p.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	report, err := json.Marshal(p.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	q, args := entsql.Dialect(dialect.SQLite).
		Insert(tablePlans).
		Columns(planColumns[:12]...).
		Values(
			p.ID, p.LearnerID, p.Sequence, p.IdempotencyToken, string(p.Status), p.Planner,
			p.RetryCount, p.PoolExpanded, p.FallbackReason, string(items), string(report),
			toMillis(p.CreatedAt),
		).
		Query()

	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		if sqlgraph.IsUniqueConstraintError(err) {
			return fmt.Errorf("plan %s/%d: %w", p.LearnerID, p.Sequence, ErrDuplicate)
		}
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (r *planRepo) GetPlan(ctx context.Context, learnerID string, sequence int64) (*PackPlan, error) {
	return r.getOne(ctx, entsql.And(
		entsql.EQ("learner_id", learnerID),
		entsql.EQ("session_sequence", sequence),
	))
}

func (r *planRepo) GetPlanByToken(ctx context.Context, learnerID, token string) (*PackPlan, error) {
	return r.getOne(ctx, entsql.And(
		entsql.EQ("learner_id", learnerID),
		entsql.EQ("idempotency_token", token),
	))
}

func (r *planRepo) getOne(ctx context.Context, where *entsql.Predicate) (*PackPlan, error) {
	q, args := entsql.Dialect(dialect.SQLite).
		Select(planColumns...).
		From(entsql.Table(tablePlans)).
		Where(where).
		Query()

	p, err := scanPlan(r.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *planRepo) MaxSequence(ctx context.Context, learnerID string) (int64, error) {
	q, args := entsql.Dialect(dialect.SQLite).
		Select(entsql.Max("session_sequence")).
		From(entsql.Table(tablePlans)).
		Where(entsql.EQ("learner_id", learnerID)).
		Query()

	var maxSeq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return maxSeq.Int64, nil
}

// timestampColumn maps a target status to the column it stamps.
func timestampColumn(to Status) (string, error) {
	switch to {
	case StatusServed:
		return "served_at", nil
	case StatusCompleted:
		return "completed_at", nil
	case StatusExpired:
		return "expired_at", nil
	}
	return "", fmt.Errorf("no transition into status %q", to)
}

func (r *planRepo) TransitionStatus(ctx context.Context, learnerID string, sequence int64, from, to Status, at time.Time) (bool, error) {
	col, err := timestampColumn(to)
	if err != nil {
		return false, err
	}
	q, args := entsql.Dialect(dialect.SQLite).
		Update(tablePlans).
		Set("status", string(to)).
		Set(col, toMillis(at)).
		Where(entsql.And(
			entsql.EQ("learner_id", learnerID),
			entsql.EQ("session_sequence", sequence),
			entsql.EQ("status", string(from)),
		)).
		Query()

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *planRepo) ExpireStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	q, args := entsql.Dialect(dialect.SQLite).
		Update(tablePlans).
		Set("status", string(StatusExpired)).
		Set("expired_at", toMillis(at)).
		Where(entsql.And(
			entsql.EQ("status", string(StatusPlanned)),
			entsql.LT("created_at", toMillis(cutoff)),
		)).
		Query()

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("expire stale plans: %w", err)
	}
	return res.RowsAffected()
}

func (r *planRepo) ListPlans(ctx context.Context, f PlanFilter) ([]PackPlan, error) {
	sel := entsql.Dialect(dialect.SQLite).
		Select(planColumns...).
		From(entsql.Table(tablePlans)).
		OrderBy("learner_id", "session_sequence")
	if f.LearnerID != "" {
		sel.Where(entsql.EQ("learner_id", f.LearnerID))
	}
	if f.Status != "" {
		sel.Where(entsql.EQ("status", string(f.Status)))
	}
	if f.Limit > 0 {
		sel.Limit(f.Limit)
	}
	q, args := sel.Query()

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []PackPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *planRepo) PlannerStats(ctx context.Context) ([]PlannerStat, error) {
	q, args := entsql.Dialect(dialect.SQLite).
		Select("planner", "fallback_reason", entsql.Count("*")).
		From(entsql.Table(tablePlans)).
		GroupBy("planner", "fallback_reason").
		OrderBy("planner", "fallback_reason").
		Query()

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("planner stats: %w", err)
	}
	defer rows.Close()

	var out []PlannerStat
	for rows.Next() {
		var s PlannerStat
		if err := rows.Scan(&s.Planner, &s.FallbackReason, &s.Count); err != nil {
			return nil, fmt.Errorf("scan planner stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanPlan(row rowScanner) (*PackPlan, error) {
	var (
		p                          PackPlan
		status                     string
		items, report              string
		created                    int64
		served, completed, expired sql.NullInt64
	)
	err := row.Scan(
		&p.ID, &p.LearnerID, &p.Sequence, &p.IdempotencyToken, &status, &p.Planner,
		&p.RetryCount, &p.PoolExpanded, &p.FallbackReason, &items, &report,
		&created, &served, &completed, &expired,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &p.Items); err != nil {
		return nil, fmt.Errorf("decode items of plan %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(report), &p.Report); err != nil {
		return nil, fmt.Errorf("decode report of plan %s: %w", p.ID, err)
	}
	p.Status = Status(status)
	p.CreatedAt = fromMillis(created)
	p.ServedAt = nullableMillis(served)
	p.CompletedAt = nullableMillis(completed)
	p.ExpiredAt = nullableMillis(expired)
	return &p, nil
}
