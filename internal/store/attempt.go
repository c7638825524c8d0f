package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/history"
)

type attemptRepo struct {
	db *sql.DB
}

func (r *attemptRepo) RecordAttempt(ctx context.Context, a history.Attempt) (bool, error) {
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now()
	}
	q, args := entsql.Dialect(dialect.SQLite).
		Insert(tableAttempts).
		Columns("learner_id", "session_sequence", "item_id", "correct", "attempted_at").
		Values(a.LearnerID, a.Sequence, a.ItemID, a.Correct, toMillis(a.AttemptedAt)).
		OnConflict(
			entsql.ConflictColumns("learner_id", "session_sequence", "item_id"),
			entsql.DoNothing(),
		).
		Query()

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("record attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *attemptRepo) CountPackAttempts(ctx context.Context, learnerID string, sequence int64, itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	ids := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		ids[i] = id
	}
	q, args := entsql.Dialect(dialect.SQLite).
		Select(entsql.Count("*")).
		From(entsql.Table(tableAttempts)).
		Where(entsql.And(
			entsql.EQ("learner_id", learnerID),
			entsql.EQ("session_sequence", sequence),
			entsql.In("item_id", ids...),
		)).
		Query()

	var n int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pack attempts: %w", err)
	}
	return n, nil
}

func (r *attemptRepo) RecentItemIDs(ctx context.Context, learnerID string, sinceSequence int64) (map[string]bool, error) {
	q, args := entsql.Dialect(dialect.SQLite).
		Select("item_id").
		Distinct().
		From(entsql.Table(tableAttempts)).
		Where(entsql.And(
			entsql.EQ("learner_id", learnerID),
			entsql.GTE("session_sequence", sinceSequence),
		)).
		Query()

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent items: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan item id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *attemptRepo) TopicStats(ctx context.Context, learnerID string, sinceSequence int64) (map[catalog.TopicPair]history.TopicStat, error) {
	a := entsql.Table(tableAttempts).As("a")
	i := entsql.Table(tableItems).As("i")
	q, args := entsql.Dialect(dialect.SQLite).
		Select(i.C("subject_area"), i.C("item_type"), a.C("correct"), a.C("session_sequence")).
		From(a).
		Join(i).On(a.C("item_id"), i.C("id")).
		Where(entsql.EQ(a.C("learner_id"), learnerID)).
		Query()

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("topic stats: %w", err)
	}
	defer rows.Close()

	out := make(map[catalog.TopicPair]history.TopicStat)
	for rows.Next() {
		var (
			tp      catalog.TopicPair
			correct bool
			seq     int64
		)
		if err := rows.Scan(&tp.SubjectArea, &tp.ItemType, &correct, &seq); err != nil {
			return nil, fmt.Errorf("scan topic stat: %w", err)
		}
		st := out[tp]
		st.Attempts++
		if correct {
			st.Correct++
		}
		if seq >= sinceSequence {
			st.Recent++
		}
		out[tp] = st
	}
	return out, rows.Err()
}
