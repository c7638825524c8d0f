package store

import (
	"context"
	"database/sql"
	"fmt"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/packplan/internal/catalog"
)

type catalogRepo struct {
	db *sql.DB
}

var itemColumns = []string{"id", "band", "frequency", "subject_area", "item_type", "active", "rank_key"}

// ScanBand reads active items of a band in rank-key order from the pivot,
// wrapping to the lowest key when the range above the pivot runs out.
func (r *catalogRepo) ScanBand(ctx context.Context, scan catalog.BandScan) ([]catalog.Item, error) {
	if scan.Limit <= 0 {
		return nil, nil
	}
	upper, err := r.scanRange(ctx, scan, entsql.GTE("rank_key", scan.Pivot), scan.Limit)
	if err != nil {
		return nil, err
	}
	if len(upper) == scan.Limit {
		return upper, nil
	}
	lower, err := r.scanRange(ctx, scan, entsql.LT("rank_key", scan.Pivot), scan.Limit-len(upper))
	if err != nil {
		return nil, err
	}
	return append(upper, lower...), nil
}

func (r *catalogRepo) scanRange(ctx context.Context, scan catalog.BandScan, keyRange *entsql.Predicate, limit int) ([]catalog.Item, error) {
	where := []*entsql.Predicate{
		entsql.EQ("band", string(scan.Band)),
		entsql.EQ("active", true),
		keyRange,
	}
	if scan.MinFrequency > 0 {
		where = append(where, entsql.GTE("frequency", scan.MinFrequency))
	}
	q, args := entsql.Dialect(dialect.SQLite).
		Select(itemColumns...).
		From(entsql.Table(tableItems)).
		Where(entsql.And(where...)).
		OrderBy("rank_key").
		Limit(limit).
		Query()

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scan band %s: %w", scan.Band, err)
	}
	defer rows.Close()

	var out []catalog.Item
	for rows.Next() {
		var (
			it   catalog.Item
			band string
		)
		if err := rows.Scan(&it.ID, &band, &it.Frequency, &it.Topic.SubjectArea, &it.Topic.ItemType, &it.Active, &it.RankKey); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Band = catalog.Band(band)
		out = append(out, it)
	}
	return out, rows.Err()
}

// upsertBatch keeps each statement well under SQLite's bound-parameter limit.
const upsertBatch = 500

func (r *catalogRepo) UpsertItems(ctx context.Context, items []catalog.Item) error {
	for start := 0; start < len(items); start += upsertBatch {
		end := min(start+upsertBatch, len(items))
		if err := r.upsert(ctx, items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *catalogRepo) upsert(ctx context.Context, items []catalog.Item) error {
	ins := entsql.Dialect(dialect.SQLite).
		Insert(tableItems).
		Columns(itemColumns...)
	for _, it := range items {
		if !it.Band.Valid() {
			return fmt.Errorf("item %s: unknown band %q", it.ID, it.Band)
		}
		ins.Values(it.ID, string(it.Band), it.Frequency, it.Topic.SubjectArea, it.Topic.ItemType, it.Active, catalog.RankKey(it.ID))
	}
	ins.OnConflict(entsql.ConflictColumns("id"), entsql.ResolveWithNewValues())
	q, args := ins.Query()

	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert items: %w", err)
	}
	return nil
}

func (r *catalogRepo) CountItems(ctx context.Context) (map[catalog.Band]int, error) {
	q, args := entsql.Dialect(dialect.SQLite).
		Select("band", entsql.Count("*")).
		From(entsql.Table(tableItems)).
		Where(entsql.EQ("active", true)).
		GroupBy("band").
		Query()

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	out := make(map[catalog.Band]int, len(catalog.AllBands))
	for rows.Next() {
		var (
			band string
			n    int
		)
		if err := rows.Scan(&band, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[catalog.Band(band)] = n
	}
	return out, rows.Err()
}
