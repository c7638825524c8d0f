package audit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/logger"
	"github.com/abhisek/packplan/internal/pack"
	"github.com/abhisek/packplan/internal/store"
)

func validItems() []pack.Item {
	var items []pack.Item
	add := func(band catalog.Band, n int, freqs ...float64) {
		for i := range n {
			f := 0.5
			if i < len(freqs) {
				f = freqs[i]
			}
			items = append(items, pack.Item{
				ItemID:      fmt.Sprintf("%s-%d", band, i),
				Band:        band,
				Frequency:   f,
				SubjectArea: fmt.Sprintf("subject-%d", len(items)%6),
				ItemType:    "mcq",
			})
		}
	}
	add(catalog.BandEasy, 3, 1.5)
	add(catalog.BandMedium, 6, 1.5, 1.0, 1.0)
	add(catalog.BandHard, 3)
	return items
}

func plan(seq int64, items []pack.Item) *store.PackPlan {
	spec := constraints.DefaultSpec()
	report := constraints.Validate(spec, pack.Entries(items), constraints.Signals{})
	report.Planner = pack.PlannerFallback
	return &store.PackPlan{
		LearnerID:        "learner-1",
		Sequence:         seq,
		IdempotencyToken: fmt.Sprintf("tok-%d", seq),
		Status:           store.StatusPlanned,
		Planner:          pack.PlannerFallback,
		Items:            items,
		Report:           report,
	}
}

func TestCheck_ValidPlan(t *testing.T) {
	a := New(nil, constraints.DefaultSpec(), nil)
	assert.Empty(t, a.Check(plan(1, validItems())))
}

func TestCheck_Problems(t *testing.T) {
	a := New(nil, constraints.DefaultSpec(), nil)

	short := plan(1, validItems()[:11])
	problems := a.Check(short)
	joined := strings.Join(problems, "\n")
	assert.Contains(t, joined, "pack_size")
	assert.Contains(t, joined, "band_count:hard")
	assert.Contains(t, joined, "stored report records a failed hard constraint")

	relaxedHard := plan(2, validItems())
	relaxedHard.Report.Relaxed = append(relaxedHard.Report.Relaxed, constraints.Relaxation{Constraint: constraints.NamePackSize})
	assert.Contains(t, strings.Join(a.Check(relaxedHard), "\n"), "relaxes hard constraint pack_size")

	served := plan(3, validItems())
	served.Status = store.StatusServed
	assert.Contains(t, a.Check(served), "status served without served_at")

	now := time.Now()
	expired := plan(4, validItems())
	expired.Status = store.StatusExpired
	expired.ExpiredAt = &now
	expired.ServedAt = &now
	assert.Contains(t, a.Check(expired), "expired plan was served")
}

func TestRun_LogsFindings(t *testing.T) {
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.PlanRepo().CreatePlan(ctx, plan(1, validItems())))
	require.NoError(t, st.PlanRepo().CreatePlan(ctx, plan(2, validItems()[1:])))

	core, logs := observer.New(zapcore.DebugLevel)
	a := New(st.PlanRepo(), constraints.DefaultSpec(), logger.FromZap(zap.New(core)))

	sum, err := a.Run(ctx, store.PlanFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Checked)
	require.Len(t, sum.Findings, 1)
	assert.EqualValues(t, 2, sum.Findings[0].Sequence)

	entries := logs.FilterMessage("stored plan violates invariants").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}
