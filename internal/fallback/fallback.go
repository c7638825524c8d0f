// Package fallback is the deterministic planner used whenever the generative
// planner fails. Given the selector's guarantee it always returns a pack that
// satisfies every hard constraint.
package fallback

import (
	"errors"
	"fmt"
	"sort"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/pack"
	"github.com/abhisek/packplan/internal/selector"
)

// ErrInfeasible means the candidate lists cannot satisfy the hard
// constraints. The selector rejects such inputs, so seeing this is a bug
// upstream.
var ErrInfeasible = errors.New("fallback: candidates cannot satisfy hard constraints")

// Rationale codes attached to each item.
const (
	RationaleBandFill    = "band_fill"
	RationaleFrequency   = "frequency_swap"
	RationaleDiversity   = "diversity_swap"
	RationaleStrongTopic = "strong_topic_swap"
)

type slot struct {
	cand      selector.Candidate
	rank      int
	rationale string
}

type planState struct {
	spec  constraints.Spec
	sel   []slot
	pools map[catalog.Band][]slot
	used  map[string]bool
}

// Plan builds a pack from cands.
func Plan(spec constraints.Spec, cands *selector.Candidates) (*pack.Pack, error) {
	st := &planState{
		spec:  spec,
		pools: make(map[catalog.Band][]slot, len(catalog.AllBands)),
		used:  make(map[string]bool),
	}

	for _, band := range catalog.AllBands {
		pool := prioritize(cands.Bands[band])
		st.pools[band] = pool
		need := spec.Required(band)
		if len(pool) < need {
			return nil, fmt.Errorf("%w: band %s has %d candidates, %d required", ErrInfeasible, band, len(pool), need)
		}
		for _, s := range pool[:need] {
			s.rationale = RationaleBandFill
			st.sel = append(st.sel, s)
			st.used[s.cand.ID] = true
		}
	}

	if err := st.repairFrequency(); err != nil {
		return nil, err
	}
	st.improveDiversity()
	st.avoidStrongTopics(cands.StrongTopics)

	items := st.ordered()
	report := constraints.Validate(spec, pack.Entries(items), cands.Signals())
	report.Planner = pack.PlannerFallback
	if !report.HardOK() {
		return nil, fmt.Errorf("%w: %v", ErrInfeasible, report.Violations())
	}
	return &pack.Pack{Items: items, Report: report}, nil
}

// prioritize orders a band's candidates: non-strong topics first, then fewer
// recent attempts on the topic, then selector order.
func prioritize(list []selector.Candidate) []slot {
	out := make([]slot, len(list))
	for i, c := range list {
		out[i] = slot{cand: c, rank: i}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].cand, out[j].cand
		if a.StrongTopic != b.StrongTopic {
			return !a.StrongTopic
		}
		return a.TopicRecentCount < b.TopicRecentCount
	})
	for i := range out {
		out[i].rank = i
	}
	return out
}

func (st *planState) entries() []constraints.Entry {
	out := make([]constraints.Entry, len(st.sel))
	for i, s := range st.sel {
		out[i] = entry(s.cand)
	}
	return out
}

func entry(c selector.Candidate) constraints.Entry {
	return constraints.Entry{ItemID: c.ID, Band: c.Band, Frequency: c.Frequency, Topic: c.Topic}
}

// trial returns the selection as entries with st.sel[i] replaced by in,
// without committing.
func (st *planState) trial(i int, in slot) []constraints.Entry {
	es := st.entries()
	es[i] = entry(in.cand)
	return es
}

func (st *planState) commit(i int, in slot, rationale string) {
	delete(st.used, st.sel[i].cand.ID)
	in.rationale = rationale
	st.sel[i] = in
	st.used[in.cand.ID] = true
}

// repairFrequency raises each tier to its minimum, highest tier first,
// swapping out the lowest-frequency selected item that sits below the tier.
func (st *planState) repairFrequency() error {
	for _, fm := range st.spec.SortedMinima() {
		for constraints.CountAtOrAbove(st.entries(), fm.Tier) < fm.Min {
			out, in := -1, slot{}
			for i, s := range st.sel {
				if s.cand.Frequency >= fm.Tier {
					continue
				}
				repl, ok := st.best(s.cand.Band, func(c slot) bool { return c.cand.Frequency >= fm.Tier })
				if !ok {
					continue
				}
				if out == -1 || preferOut(s, st.sel[out]) {
					out, in = i, repl
				}
			}
			if out == -1 {
				return fmt.Errorf("%w: frequency tier %s unreachable", ErrInfeasible, constraints.FormatTier(fm.Tier))
			}
			st.commit(out, in, RationaleFrequency)
		}
	}
	return nil
}

// preferOut reports whether a should be swapped out before b: lower
// frequency, then lower priority.
func preferOut(a, b slot) bool {
	if a.cand.Frequency != b.cand.Frequency {
		return a.cand.Frequency < b.cand.Frequency
	}
	return a.rank > b.rank
}

// best returns the highest priority unselected candidate of band matching ok.
func (st *planState) best(band catalog.Band, ok func(slot) bool) (slot, bool) {
	for _, c := range st.pools[band] {
		if !st.used[c.cand.ID] && ok(c) {
			return c, true
		}
	}
	return slot{}, false
}

func (st *planState) topicCounts() map[catalog.TopicPair]int {
	counts := make(map[catalog.TopicPair]int, len(st.sel))
	for _, s := range st.sel {
		counts[s.cand.Topic]++
	}
	return counts
}

// improveDiversity swaps items on duplicated topics for same-band items on
// unseen topics while the frequency minima keep holding.
func (st *planState) improveDiversity() {
	for constraints.DistinctTopics(st.entries()) < st.spec.MinDistinctTopicPairs {
		if !st.diversitySwap() {
			return
		}
	}
}

func (st *planState) diversitySwap() bool {
	counts := st.topicCounts()
	for i := len(st.sel) - 1; i >= 0; i-- {
		s := st.sel[i]
		if counts[s.cand.Topic] < 2 {
			continue
		}
		for _, c := range st.pools[s.cand.Band] {
			if st.used[c.cand.ID] || counts[c.cand.Topic] > 0 {
				continue
			}
			if constraints.MeetsFrequencyMinima(st.spec, st.trial(i, c)) {
				st.commit(i, c, RationaleDiversity)
				return true
			}
		}
	}
	return false
}

// avoidStrongTopics replaces strong-topic items where that keeps every hard
// constraint and does not push diversity below its minimum.
func (st *planState) avoidStrongTopics(strong map[catalog.TopicPair]bool) {
	if !st.spec.AvoidStrongTopics || len(strong) == 0 {
		return
	}
	for i := range st.sel {
		s := st.sel[i]
		if !strong[s.cand.Topic] {
			continue
		}
		floor := min(constraints.DistinctTopics(st.entries()), st.spec.MinDistinctTopicPairs)
		for _, c := range st.pools[s.cand.Band] {
			if st.used[c.cand.ID] || strong[c.cand.Topic] {
				continue
			}
			es := st.trial(i, c)
			if constraints.MeetsFrequencyMinima(st.spec, es) && constraints.DistinctTopics(es) >= floor {
				st.commit(i, c, RationaleStrongTopic)
				break
			}
		}
	}
}

// ordered returns the selection Easy, Medium, Hard; priority order within a
// band.
func (st *planState) ordered() []pack.Item {
	byBand := make(map[catalog.Band][]slot, len(catalog.AllBands))
	for _, s := range st.sel {
		byBand[s.cand.Band] = append(byBand[s.cand.Band], s)
	}
	out := make([]pack.Item, 0, len(st.sel))
	for _, band := range catalog.AllBands {
		list := byBand[band]
		sort.SliceStable(list, func(i, j int) bool { return list[i].rank < list[j].rank })
		for _, s := range list {
			out = append(out, pack.FromCatalog(s.cand.Item, s.rationale))
		}
	}
	return out
}
