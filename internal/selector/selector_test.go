package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/history"
	"github.com/abhisek/packplan/internal/logger"
)

type memCatalog struct {
	items []catalog.Item
}

func (m *memCatalog) add(band catalog.Band, n int, freq float64, topics int) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%.1f-%03d", band, freq, i)
		m.items = append(m.items, catalog.Item{
			ID:        id,
			Band:      band,
			Frequency: freq,
			Topic:     catalog.TopicPair{SubjectArea: fmt.Sprintf("area-%d", i%topics), ItemType: string(band)},
			Active:    true,
			RankKey:   catalog.RankKey(id),
		})
	}
}

func (m *memCatalog) ScanBand(_ context.Context, scan catalog.BandScan) ([]catalog.Item, error) {
	var pool []catalog.Item
	for _, it := range m.items {
		if it.Band == scan.Band && it.Active && it.Frequency >= scan.MinFrequency {
			pool = append(pool, it)
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].RankKey < pool[j].RankKey })
	start := sort.Search(len(pool), func(i int) bool { return pool[i].RankKey >= scan.Pivot })
	ordered := append(append([]catalog.Item{}, pool[start:]...), pool[:start]...)
	if len(ordered) > scan.Limit {
		ordered = ordered[:scan.Limit]
	}
	return ordered, nil
}

type memHistory struct {
	recent map[string]bool
	stats  map[catalog.TopicPair]history.TopicStat
}

func (h *memHistory) RecentItemIDs(context.Context, string, int64) (map[string]bool, error) {
	out := make(map[string]bool, len(h.recent))
	for k, v := range h.recent {
		out[k] = v
	}
	return out, nil
}

func (h *memHistory) TopicStats(context.Context, string, int64) (map[catalog.TopicPair]history.TopicStat, error) {
	return h.stats, nil
}

func fullCatalog() *memCatalog {
	c := &memCatalog{}
	for _, b := range catalog.AllBands {
		c.add(b, 20, 0.5, 7)
		c.add(b, 6, 1.0, 3)
		c.add(b, 4, 1.5, 2)
	}
	return c
}

func ids(list []Candidate) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func TestSelect_ListSizesAndDeterminism(t *testing.T) {
	cat := fullCatalog()
	sel := New(cat, &memHistory{}, constraints.DefaultSpec(), DefaultConfig(), nil)
	req := Request{LearnerID: "learner-1", Sequence: 4}

	a, err := sel.Select(context.Background(), req)
	require.NoError(t, err)
	b, err := sel.Select(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, a.Bands[catalog.BandEasy], 9)
	assert.Len(t, a.Bands[catalog.BandMedium], 18)
	assert.Len(t, a.Bands[catalog.BandHard], 9)
	assert.False(t, a.PoolExpanded)
	for _, band := range catalog.AllBands {
		assert.Equal(t, ids(a.Bands[band]), ids(b.Bands[band]), "band %s", band)
		for _, c := range a.Bands[band] {
			assert.Equal(t, band, c.Band)
		}
	}
}

func TestSelect_SequenceRotatesOrder(t *testing.T) {
	sel := New(fullCatalog(), &memHistory{}, constraints.DefaultSpec(), DefaultConfig(), nil)

	a, err := sel.Select(context.Background(), Request{LearnerID: "learner-1", Sequence: 1})
	require.NoError(t, err)
	b, err := sel.Select(context.Background(), Request{LearnerID: "learner-1", Sequence: 2})
	require.NoError(t, err)

	assert.NotEqual(t, ids(a.Bands[catalog.BandMedium]), ids(b.Bands[catalog.BandMedium]))
}

func TestSelect_ExcludesRecentItems(t *testing.T) {
	cat := fullCatalog()
	recent := map[string]bool{}
	for _, it := range cat.items {
		if it.Band == catalog.BandEasy && len(recent) < 10 {
			recent[it.ID] = true
		}
	}
	sel := New(cat, &memHistory{recent: recent}, constraints.DefaultSpec(), DefaultConfig(), nil)

	got, err := sel.Select(context.Background(), Request{LearnerID: "learner-1", Sequence: 3})
	require.NoError(t, err)

	assert.False(t, got.PoolExpanded)
	for _, c := range got.Bands[catalog.BandEasy] {
		assert.False(t, recent[c.ID], "recent item %s selected", c.ID)
		assert.False(t, c.Recent)
	}
}

func TestSelect_ExpandsWithRecentItemsWhenBandIsThin(t *testing.T) {
	cat := &memCatalog{}
	cat.add(catalog.BandEasy, 30, 1.5, 6)
	cat.add(catalog.BandMedium, 30, 1.0, 6)
	cat.add(catalog.BandHard, 5, 0.5, 5)
	recent := map[string]bool{"hard-0.5-000": true, "hard-0.5-001": true}

	core, logs := observer.New(zap.DebugLevel)
	sel := New(cat, &memHistory{recent: recent}, constraints.DefaultSpec(), DefaultConfig(), logger.FromZap(zap.New(core)))

	got, err := sel.Select(context.Background(), Request{LearnerID: "learner-1", Sequence: 3})
	require.NoError(t, err)

	hard := got.Bands[catalog.BandHard]
	require.Len(t, hard, 5)
	assert.True(t, got.PoolExpanded)
	assert.Equal(t, []catalog.Band{catalog.BandHard}, got.ExpandedBands)
	// Recent items come after every fresh item.
	assert.False(t, hard[0].Recent || hard[1].Recent || hard[2].Recent)
	assert.True(t, hard[3].Recent && hard[4].Recent)

	expansions := logs.FilterMessage("candidate pool expanded with recent items").All()
	require.Len(t, expansions, 1)
	assert.Equal(t, "hard", expansions[0].ContextMap()["band"])
}

func TestSelect_BandShortage(t *testing.T) {
	cat := &memCatalog{}
	cat.add(catalog.BandEasy, 30, 1.5, 6)
	cat.add(catalog.BandMedium, 30, 1.0, 6)
	cat.add(catalog.BandHard, 2, 0.5, 2)
	sel := New(cat, &memHistory{}, constraints.DefaultSpec(), DefaultConfig(), nil)

	_, err := sel.Select(context.Background(), Request{LearnerID: "learner-1", Sequence: 1})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCandidateShortage))
	var se *ShortageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, catalog.BandHard, se.Band)
	assert.Equal(t, 3, se.Required)
	assert.Equal(t, 2, se.Available)
}

func tierSpec() constraints.Spec {
	return constraints.Spec{
		Size:            3,
		Distribution:    map[catalog.Band]int{catalog.BandEasy: 3},
		FrequencyMinima: []constraints.FrequencyMin{{Tier: 1.5, Min: 2}},
	}
}

func TestSelect_SupplementsForFrequencyTier(t *testing.T) {
	cat := &memCatalog{}
	cat.add(catalog.BandEasy, 200, 0.5, 8)
	cat.add(catalog.BandEasy, 2, 1.5, 2)
	cfg := DefaultConfig()
	cfg.CandidateMultiple = 1
	sel := New(cat, &memHistory{}, tierSpec(), cfg, nil)

	got, err := sel.Select(context.Background(), Request{LearnerID: "learner-1", Sequence: 1})
	require.NoError(t, err)

	high := 0
	for _, c := range got.Bands[catalog.BandEasy] {
		if c.Frequency >= 1.5 {
			high++
		}
	}
	assert.Equal(t, 2, high)
}

func TestSelect_TierShortage(t *testing.T) {
	cat := &memCatalog{}
	cat.add(catalog.BandEasy, 20, 0.5, 8)
	cat.add(catalog.BandEasy, 1, 1.5, 1)
	sel := New(cat, &memHistory{}, tierSpec(), DefaultConfig(), nil)

	_, err := sel.Select(context.Background(), Request{LearnerID: "learner-1", Sequence: 1})

	var se *ShortageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 1.5, se.Tier)
	assert.Equal(t, 1, se.Available)
}

func TestSelect_AnnotatesStrongTopics(t *testing.T) {
	cat := fullCatalog()
	strongTopic := catalog.TopicPair{SubjectArea: "area-0", ItemType: "medium"}
	hist := &memHistory{stats: map[catalog.TopicPair]history.TopicStat{
		strongTopic: {Attempts: 10, Correct: 10, Recent: 3},
		{SubjectArea: "area-1", ItemType: "medium"}: {Attempts: 2, Correct: 2},
	}}
	sel := New(cat, hist, constraints.DefaultSpec(), DefaultConfig(), nil)

	got, err := sel.Select(context.Background(), Request{LearnerID: "learner-1", Sequence: 9})
	require.NoError(t, err)

	assert.Equal(t, map[catalog.TopicPair]bool{strongTopic: true}, got.StrongTopics)
	for _, c := range got.Bands[catalog.BandMedium] {
		assert.Equal(t, c.Topic == strongTopic, c.StrongTopic, c.ID)
		if c.Topic == strongTopic {
			assert.Equal(t, 3, c.TopicRecentCount)
		}
	}
}
