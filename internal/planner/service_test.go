package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/fallback"
	"github.com/abhisek/packplan/internal/genplan"
	"github.com/abhisek/packplan/internal/llm"
	"github.com/abhisek/packplan/internal/lock"
	"github.com/abhisek/packplan/internal/pack"
	"github.com/abhisek/packplan/internal/selector"
	"github.com/abhisek/packplan/internal/store"
)

type harness struct {
	store  *store.Store
	locker *lock.Keyed
	spec   constraints.Spec
}

func newHarness(t *testing.T, items []catalog.Item) *harness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CatalogRepo().UpsertItems(context.Background(), items))
	return &harness{store: st, locker: lock.NewKeyed(5 * time.Second), spec: constraints.DefaultSpec()}
}

func (h *harness) service(gen Generative) *Service {
	return h.serviceWith(h.store.PlanRepo(), h.locker, gen)
}

func (h *harness) serviceWith(plans store.PlanRepo, locker lock.Locker, gen Generative) *Service {
	sel := selector.New(h.store.CatalogRepo(), h.store.AttemptRepo(), h.spec, selector.DefaultConfig(), nil)
	return New(plans, sel, gen, locker, h.spec, nil)
}

// noLock lets every caller through, leaving the unique key as the only guard.
type noLock struct{}

func (noLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// racingPlans inserts a competing plan for the same key right before the
// first CreatePlan, as another instance would.
type racingPlans struct {
	store.PlanRepo
	once   sync.Once
	winner string
}

func (r *racingPlans) CreatePlan(ctx context.Context, p *store.PackPlan) error {
	var err error
	r.once.Do(func() {
		other := *p
		other.ID = "winner-plan"
		other.IdempotencyToken = "other-instance"
		err = r.PlanRepo.CreatePlan(ctx, &other)
		r.winner = other.ID
	})
	if err != nil {
		return err
	}
	return r.PlanRepo.CreatePlan(ctx, p)
}

func item(id string, band catalog.Band, freq float64, subject string) catalog.Item {
	return catalog.Item{
		ID:        id,
		Band:      band,
		Frequency: freq,
		Topic:     catalog.TopicPair{SubjectArea: subject, ItemType: "mcq"},
		Active:    true,
	}
}

// standardPool has 5 easy, 10 medium and 5 hard items, with five topic
// pairs among the medium items.
func standardPool() []catalog.Item {
	var items []catalog.Item
	easyFreq := []float64{1.5, 1.0, 0.5, 0.5, 0.5}
	for i, f := range easyFreq {
		items = append(items, item(fmt.Sprintf("easy-%02d", i+1), catalog.BandEasy, f, fmt.Sprintf("warmup-%d", i)))
	}
	medFreq := []float64{1.5, 1.5, 1.0, 1.0, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	subjects := []string{"algebra", "geometry", "number", "stats", "probability"}
	for i, f := range medFreq {
		items = append(items, item(fmt.Sprintf("medium-%02d", i+1), catalog.BandMedium, f, subjects[i%len(subjects)]))
	}
	hardFreq := []float64{1.0, 0.5, 0.5, 0.5, 0.5}
	for i, f := range hardFreq {
		items = append(items, item(fmt.Sprintf("hard-%02d", i+1), catalog.BandHard, f, fmt.Sprintf("challenge-%d", i)))
	}
	return items
}

func firstRequest(token string) PlanRequest {
	return PlanRequest{LearnerID: "learner-1", LastKnownSequence: 0, NextSequence: 1, IdempotencyToken: token}
}

func assertValidPack(t *testing.T, spec constraints.Spec, plan *store.PackPlan) {
	t.Helper()
	entries := pack.Entries(plan.Items)
	require.Len(t, plan.Items, spec.Size)
	counts := constraints.BandCounts(entries)
	for _, band := range catalog.AllBands {
		assert.Equal(t, spec.Required(band), counts[band], "band %s", band)
	}
	for _, m := range spec.FrequencyMinima {
		assert.GreaterOrEqual(t, constraints.CountAtOrAbove(entries, m.Tier), m.Min, "tier %v", m.Tier)
	}
	assert.True(t, plan.Report.HardOK())
	for _, r := range plan.Report.Relaxed {
		assert.Contains(t, []string{constraints.NameTopicDiversity, constraints.NameStrongTopicAvoidance}, r.Constraint)
	}
}

func TestPlanNext_NoHistory(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.service(nil)

	res, err := svc.PlanNext(context.Background(), firstRequest("tok-1"))
	require.NoError(t, err)

	assert.True(t, res.Created)
	assertValidPack(t, h.spec, res.Plan)
	assert.GreaterOrEqual(t, constraints.DistinctTopics(pack.Entries(res.Plan.Items)), 5)
	assert.Equal(t, pack.PlannerFallback, res.Plan.Planner)
	assert.Equal(t, string(pack.ReasonDisabled), res.Plan.FallbackReason)
	assert.Equal(t, store.StatusPlanned, res.Plan.Status)
	assert.Empty(t, res.Plan.Report.Relaxed)
}

func TestPlanNext_Idempotent(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.service(nil)
	ctx := context.Background()

	first, err := svc.PlanNext(ctx, firstRequest("tok-1"))
	require.NoError(t, err)
	second, err := svc.PlanNext(ctx, firstRequest("tok-1"))
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Plan.ID, second.Plan.ID)
	assert.Equal(t, first.Plan.Items, second.Plan.Items)

	// A different token for the same key also gets the stored plan.
	third, err := svc.PlanNext(ctx, firstRequest("tok-2"))
	require.NoError(t, err)
	assert.Equal(t, first.Plan.ID, third.Plan.ID)
}

func TestPlanNext_ConcurrentRequestsCreateOnePlan(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.service(nil)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.PlanNext(context.Background(), firstRequest(fmt.Sprintf("tok-%d", i)))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.Plan.ID] = true
			if res.Created {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)

	plans, err := h.store.PlanRepo().ListPlans(context.Background(), store.PlanFilter{LearnerID: "learner-1"})
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestPlanNext_UnlockedRaceReturnsStoredWinner(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.serviceWith(h.store.PlanRepo(), noLock{}, nil)

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = map[string]bool{}
		errs int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.PlanNext(context.Background(), firstRequest(fmt.Sprintf("tok-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				return
			}
			ids[res.Plan.ID] = true
		}()
	}
	wg.Wait()

	assert.Zero(t, errs)
	assert.Len(t, ids, 1)

	plans, err := h.store.PlanRepo().ListPlans(context.Background(), store.PlanFilter{LearnerID: "learner-1"})
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestPlanNext_LostInsertReturnsWinner(t *testing.T) {
	h := newHarness(t, standardPool())
	plans := &racingPlans{PlanRepo: h.store.PlanRepo()}
	svc := h.serviceWith(plans, h.locker, nil)

	res, err := svc.PlanNext(context.Background(), firstRequest("tok-1"))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, plans.winner, res.Plan.ID)
	assert.Equal(t, "other-instance", res.Plan.IdempotencyToken)

	stored, err := h.store.PlanRepo().ListPlans(context.Background(), store.PlanFilter{LearnerID: "learner-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "winner-plan", stored[0].ID)
}

func TestPlanNext_TokenMismatch(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.service(nil)
	ctx := context.Background()

	_, err := svc.PlanNext(ctx, firstRequest("tok-1"))
	require.NoError(t, err)

	_, err = svc.PlanNext(ctx, PlanRequest{LearnerID: "learner-1", LastKnownSequence: 1, NextSequence: 2, IdempotencyToken: "tok-1"})
	assert.ErrorIs(t, err, ErrTokenMismatch)
}

func TestPlanNext_StaleSequence(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.service(nil)
	ctx := context.Background()

	// A later row with nothing before it, as left by an import.
	require.NoError(t, h.store.PlanRepo().CreatePlan(ctx, &store.PackPlan{
		LearnerID: "learner-1", Sequence: 2, IdempotencyToken: "tok-2", Planner: "fallback",
	}))

	_, err := svc.PlanNext(ctx, firstRequest("tok-1"))
	assert.ErrorIs(t, err, ErrStaleSequence)
}

func TestPlanNext_SequenceGap(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.service(nil)
	ctx := context.Background()

	_, err := svc.PlanNext(ctx, firstRequest("tok-1"))
	require.NoError(t, err)

	_, err = svc.PlanNext(ctx, PlanRequest{LearnerID: "learner-1", LastKnownSequence: 2, NextSequence: 3, IdempotencyToken: "tok-3"})
	assert.ErrorIs(t, err, ErrSequenceGap)

	_, err = svc.PlanNext(ctx, PlanRequest{LearnerID: "learner-2", LastKnownSequence: 4, NextSequence: 5, IdempotencyToken: "tok-5"})
	assert.ErrorIs(t, err, ErrSequenceGap)

	res, err := svc.PlanNext(ctx, PlanRequest{LearnerID: "learner-1", LastKnownSequence: 1, NextSequence: 2, IdempotencyToken: "tok-2"})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestPlanNext_ExpiredSequence(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.service(nil)
	ctx := context.Background()

	_, err := svc.PlanNext(ctx, firstRequest("tok-1"))
	require.NoError(t, err)
	ok, err := h.store.PlanRepo().TransitionStatus(ctx, "learner-1", 1, store.StatusPlanned, store.StatusExpired, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.PlanNext(ctx, firstRequest("tok-1"))
	assert.ErrorIs(t, err, ErrSequenceExpired)
	_, err = svc.PlanNext(ctx, firstRequest("tok-other"))
	assert.ErrorIs(t, err, ErrSequenceExpired)
}

func TestPlanNext_InvalidRequest(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.service(nil)

	tests := []struct {
		name string
		req  PlanRequest
	}{
		{"missing learner", PlanRequest{LastKnownSequence: 0, NextSequence: 1, IdempotencyToken: "t"}},
		{"missing token", PlanRequest{LearnerID: "l", LastKnownSequence: 0, NextSequence: 1}},
		{"skipped sequence", PlanRequest{LearnerID: "l", LastKnownSequence: 0, NextSequence: 2, IdempotencyToken: "t"}},
		{"negative sequence", PlanRequest{LearnerID: "l", LastKnownSequence: -1, NextSequence: 0, IdempotencyToken: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PlanNext(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestPlanNext_Conflict(t *testing.T) {
	h := newHarness(t, standardPool())
	h.locker = lock.NewKeyed(20 * time.Millisecond)
	svc := h.service(nil)

	release, err := h.locker.Lock(context.Background(), "learner-1")
	require.NoError(t, err)
	defer release()

	_, err = svc.PlanNext(context.Background(), firstRequest("tok-1"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPlanNext_GenerativeTimeoutFallsBackQuickly(t *testing.T) {
	h := newHarness(t, standardPool())
	mock := llm.NewMockProvider(llm.MockResponse{
		Content:       []byte(`{"items":[]}`),
		Delay:         5 * time.Second,
		IgnoreContext: true,
	})
	cfg := genplan.DefaultConfig()
	cfg.Budget = 200 * time.Millisecond
	svc := h.service(genplan.New(mock, cfg, nil))

	start := time.Now()
	res, err := svc.PlanNext(context.Background(), firstRequest("tok-1"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assertValidPack(t, h.spec, res.Plan)
	assert.Equal(t, pack.PlannerFallback, res.Plan.Planner)
	assert.Equal(t, string(pack.ReasonTimeout), res.Plan.FallbackReason)
}

func TestPlanNext_GenerativeProviderErrorFallsBack(t *testing.T) {
	h := newHarness(t, standardPool())
	mock := llm.NewMockProvider(llm.MockResponse{Err: &llm.ErrProviderUnavailable{Err: errors.New("down")}})
	svc := h.service(genplan.New(mock, genplan.DefaultConfig(), nil))

	res, err := svc.PlanNext(context.Background(), firstRequest("tok-1"))
	require.NoError(t, err)
	assertValidPack(t, h.spec, res.Plan)
	assert.Equal(t, string(pack.ReasonProviderError), res.Plan.FallbackReason)
}

type genFunc func(ctx context.Context, in genplan.Input) pack.Outcome

func (f genFunc) Plan(ctx context.Context, in genplan.Input) pack.Outcome { return f(ctx, in) }

func TestPlanNext_GenerativePack(t *testing.T) {
	h := newHarness(t, standardPool())
	gen := genFunc(func(_ context.Context, in genplan.Input) pack.Outcome {
		pk, err := fallback.Plan(in.Spec, in.Candidates)
		if err != nil {
			return pack.Failed{Reason: pack.ReasonProviderError, Err: err}
		}
		return pack.Generated{Pack: pk, Retries: 1}
	})
	svc := h.service(gen)

	res, err := svc.PlanNext(context.Background(), firstRequest("tok-1"))
	require.NoError(t, err)
	assertValidPack(t, h.spec, res.Plan)
	assert.Equal(t, pack.PlannerGenerative, res.Plan.Planner)
	assert.Equal(t, pack.PlannerGenerative, res.Plan.Report.Planner)
	assert.Equal(t, 1, res.Plan.RetryCount)
	assert.Empty(t, res.Plan.FallbackReason)
}

func TestPlanNext_RejectsInvalidGenerativePack(t *testing.T) {
	h := newHarness(t, standardPool())
	gen := genFunc(func(_ context.Context, in genplan.Input) pack.Outcome {
		pk, err := fallback.Plan(in.Spec, in.Candidates)
		if err != nil {
			return pack.Failed{Reason: pack.ReasonProviderError, Err: err}
		}
		pk.Items = pk.Items[:len(pk.Items)-1]
		return pack.Generated{Pack: pk}
	})
	svc := h.service(gen)

	_, err := svc.PlanNext(context.Background(), firstRequest("tok-1"))
	require.Error(t, err)

	_, err = svc.GetPack(context.Background(), "learner-1", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPlanNext_CancelledContextStillPlans(t *testing.T) {
	h := newHarness(t, standardPool())
	svc := h.service(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.PlanNext(ctx, firstRequest("tok-1"))
	require.NoError(t, err)

	stored, err := svc.GetPack(context.Background(), "learner-1", 1)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 12)
}

func TestPlanNext_ScarceHard(t *testing.T) {
	t.Run("exactly enough hard items", func(t *testing.T) {
		var items []catalog.Item
		for _, it := range standardPool() {
			if it.Band == catalog.BandHard && it.ID > "hard-03" {
				continue
			}
			if it.Band == catalog.BandHard {
				it.Frequency = 0.5
			}
			items = append(items, it)
		}
		h := newHarness(t, items)

		res, err := h.service(nil).PlanNext(context.Background(), firstRequest("tok-1"))
		require.NoError(t, err)
		assertValidPack(t, h.spec, res.Plan)
	})

	t.Run("too few hard items", func(t *testing.T) {
		var items []catalog.Item
		for _, it := range standardPool() {
			if it.Band == catalog.BandHard && it.ID > "hard-02" {
				continue
			}
			items = append(items, it)
		}
		h := newHarness(t, items)
		svc := h.service(nil)

		_, err := svc.PlanNext(context.Background(), firstRequest("tok-1"))
		require.ErrorIs(t, err, selector.ErrCandidateShortage)

		var shortage *selector.ShortageError
		require.ErrorAs(t, err, &shortage)
		assert.Equal(t, catalog.BandHard, shortage.Band)

		_, err = svc.GetPack(context.Background(), "learner-1", 1)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestGetPack_NotFound(t *testing.T) {
	h := newHarness(t, standardPool())
	_, err := h.service(nil).GetPack(context.Background(), "nobody", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
