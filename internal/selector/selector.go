// Package selector builds the per-band candidate lists a planner chooses
// from. Lists are deterministic for a given (learner, sequence) and
// exclude recently attempted items unless the band would run short.
package selector

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/history"
	"github.com/abhisek/packplan/internal/logger"
)

// ErrCandidateShortage is wrapped by every *ShortageError.
var ErrCandidateShortage = errors.New("insufficient candidate items")

// ShortageError reports a band or frequency tier the catalog cannot cover.
// Exactly one of Band or Tier is set.
type ShortageError struct {
	Band      catalog.Band
	Tier      float64
	Required  int
	Available int
}

func (e *ShortageError) Error() string {
	if e.Band != "" {
		return fmt.Sprintf("band %s: %d active items, %d required: %v", e.Band, e.Available, e.Required, ErrCandidateShortage)
	}
	return fmt.Sprintf("frequency tier %s: %d reachable items, %d required: %v",
		constraints.FormatTier(e.Tier), e.Available, e.Required, ErrCandidateShortage)
}

func (e *ShortageError) Unwrap() error { return ErrCandidateShortage }

// Config tunes candidate selection.
type Config struct {
	// CandidateMultiple is the list size per band as a multiple of the
	// band's required count.
	CandidateMultiple int `mapstructure:"candidate_multiple" toml:"candidate_multiple"`

	// RecencyWindow is the number of preceding sessions whose items are
	// excluded.
	RecencyWindow int64 `mapstructure:"recency_window" toml:"recency_window"`

	// A topic pair is "strong" with at least StrongTopicMinAttempts
	// attempts at StrongTopicAccuracy or better.
	StrongTopicMinAttempts int     `mapstructure:"strong_topic_min_attempts" toml:"strong_topic_min_attempts"`
	StrongTopicAccuracy    float64 `mapstructure:"strong_topic_accuracy" toml:"strong_topic_accuracy"`
}

// DefaultConfig returns the default selection parameters.
func DefaultConfig() Config {
	return Config{
		CandidateMultiple:      3,
		RecencyWindow:          2,
		StrongTopicMinAttempts: 4,
		StrongTopicAccuracy:    0.85,
	}
}

// Candidate is a catalog item annotated with the learner's history.
type Candidate struct {
	catalog.Item

	// Recent is set for items attempted inside the recency window.
	Recent bool

	// StrongTopic is set when the learner is already strong in the item's
	// topic pair.
	StrongTopic bool

	// TopicRecentCount is the number of attempts on the item's topic pair
	// inside the recency window.
	TopicRecentCount int
}

// Candidates holds the per-band lists handed to a planner.
type Candidates struct {
	Bands         map[catalog.Band][]Candidate
	PoolExpanded  bool
	ExpandedBands []catalog.Band
	StrongTopics  map[catalog.TopicPair]bool
}

// Lookup returns the candidate with the given id.
func (c *Candidates) Lookup(id string) (Candidate, bool) {
	for _, list := range c.Bands {
		for _, cand := range list {
			if cand.ID == id {
				return cand, true
			}
		}
	}
	return Candidate{}, false
}

// Len returns the total number of candidates across bands.
func (c *Candidates) Len() int {
	n := 0
	for _, list := range c.Bands {
		n += len(list)
	}
	return n
}

// Signals returns the validator inputs derived from history.
func (c *Candidates) Signals() constraints.Signals {
	return constraints.Signals{StrongTopics: c.StrongTopics}
}

// Request identifies the session being planned.
type Request struct {
	LearnerID string
	Sequence  int64
}

// Selector reads the catalog and history to build candidate lists.
type Selector struct {
	catalog catalog.Catalog
	history history.Reader
	spec    constraints.Spec
	cfg     Config
	log     *logger.Logger
}

// New creates a Selector.
func New(cat catalog.Catalog, hist history.Reader, spec constraints.Spec, cfg Config, log *logger.Logger) *Selector {
	if cfg.CandidateMultiple < 1 {
		cfg.CandidateMultiple = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Selector{catalog: cat, history: hist, spec: spec, cfg: cfg, log: log}
}

// Select builds the candidate lists for req.
func (s *Selector) Select(ctx context.Context, req Request) (*Candidates, error) {
	since := req.Sequence - s.cfg.RecencyWindow
	recent, err := s.history.RecentItemIDs(ctx, req.LearnerID, since)
	if err != nil {
		return nil, fmt.Errorf("load recent items: %w", err)
	}
	stats, err := s.history.TopicStats(ctx, req.LearnerID, since)
	if err != nil {
		return nil, fmt.Errorf("load topic stats: %w", err)
	}

	strong := make(map[catalog.TopicPair]bool)
	for tp, st := range stats {
		if st.Attempts >= s.cfg.StrongTopicMinAttempts && st.Accuracy() >= s.cfg.StrongTopicAccuracy {
			strong[tp] = true
		}
	}

	pivot := catalog.Pivot(req.LearnerID, req.Sequence)
	lists := make([][]catalog.Item, len(catalog.AllBands))
	expanded := make([]bool, len(catalog.AllBands))

	g, gctx := errgroup.WithContext(ctx)
	for i, band := range catalog.AllBands {
		required := s.spec.Required(band)
		if required == 0 {
			continue
		}
		g.Go(func() error {
			list, grew, err := s.fillBand(gctx, band, required, pivot, recent)
			if err != nil {
				return err
			}
			lists[i] = list
			expanded[i] = grew
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.coverTiers(ctx, lists, pivot, recent); err != nil {
		return nil, err
	}

	out := &Candidates{
		Bands:        make(map[catalog.Band][]Candidate, len(catalog.AllBands)),
		StrongTopics: strong,
	}
	for i, band := range catalog.AllBands {
		if expanded[i] {
			out.PoolExpanded = true
			out.ExpandedBands = append(out.ExpandedBands, band)
			s.log.Warn("candidate pool expanded with recent items",
				"learner_id", req.LearnerID, "sequence", req.Sequence, "band", string(band))
		}
		cands := make([]Candidate, 0, len(lists[i]))
		for _, it := range lists[i] {
			cands = append(cands, Candidate{
				Item:             it,
				Recent:           recent[it.ID],
				StrongTopic:      strong[it.Topic],
				TopicRecentCount: stats[it.Topic].Recent,
			})
		}
		out.Bands[band] = cands
	}
	return out, nil
}

// fillBand returns up to target candidates for a band, non-recent items
// first. grew is set when recent items had to be added back.
func (s *Selector) fillBand(ctx context.Context, band catalog.Band, required int, pivot int64, recent map[string]bool) ([]catalog.Item, bool, error) {
	target := s.cfg.CandidateMultiple * required
	scanned, err := s.catalog.ScanBand(ctx, catalog.BandScan{
		Band:  band,
		Pivot: pivot,
		Limit: target + len(recent),
	})
	if err != nil {
		return nil, false, fmt.Errorf("scan band %s: %w", band, err)
	}

	fresh, stale := partition(scanned, recent)
	list := fresh
	if len(list) > target {
		list = list[:target]
	}
	grew := false
	for _, it := range stale {
		if len(list) >= target {
			break
		}
		list = append(list, it)
		grew = true
	}
	if len(list) < required {
		return nil, false, &ShortageError{Band: band, Required: required, Available: len(list)}
	}
	return list, grew, nil
}

// coverTiers supplements band lists so every frequency minimum is reachable.
func (s *Selector) coverTiers(ctx context.Context, lists [][]catalog.Item, pivot int64, recent map[string]bool) error {
	for _, fm := range s.spec.SortedMinima() {
		if s.reachable(lists, fm.Tier) >= fm.Min {
			continue
		}
		for i, band := range catalog.AllBands {
			required := s.spec.Required(band)
			if required == 0 {
				continue
			}
			extra, err := s.catalog.ScanBand(ctx, catalog.BandScan{
				Band:         band,
				Pivot:        pivot,
				Limit:        required + len(recent),
				MinFrequency: fm.Tier,
			})
			if err != nil {
				return fmt.Errorf("scan band %s at tier %s: %w", band, constraints.FormatTier(fm.Tier), err)
			}
			fresh, stale := partition(extra, recent)
			lists[i] = merge(lists[i], append(fresh, stale...))
		}
		if got := s.reachable(lists, fm.Tier); got < fm.Min {
			return &ShortageError{Tier: fm.Tier, Required: fm.Min, Available: got}
		}
	}
	return nil
}

// reachable is the most items at or above tier a band-exact pack can hold.
func (s *Selector) reachable(lists [][]catalog.Item, tier float64) int {
	total := 0
	for i, band := range catalog.AllBands {
		n := 0
		for _, it := range lists[i] {
			if it.Frequency >= tier {
				n++
			}
		}
		total += min(n, s.spec.Required(band))
	}
	return total
}

func partition(items []catalog.Item, recent map[string]bool) (fresh, stale []catalog.Item) {
	for _, it := range items {
		if recent[it.ID] {
			stale = append(stale, it)
		} else {
			fresh = append(fresh, it)
		}
	}
	return fresh, stale
}

func merge(list, extra []catalog.Item) []catalog.Item {
	seen := make(map[string]bool, len(list))
	for _, it := range list {
		seen[it.ID] = true
	}
	for _, it := range extra {
		if !seen[it.ID] {
			seen[it.ID] = true
			list = append(list, it)
		}
	}
	return list
}
