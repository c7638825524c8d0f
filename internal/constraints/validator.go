// Package constraints checks a proposed pack against the hard and soft
// constraint set and produces the report stored with every plan.
package constraints

import (
	"fmt"

	"github.com/abhisek/packplan/internal/catalog"
)

// Constraint names. Band and frequency checks are suffixed with the band
// or tier, e.g. "band_count:hard", "frequency_min:1.5".
const (
	NamePackSize             = "pack_size"
	NameUniqueItems          = "unique_items"
	NameBandCountPrefix      = "band_count:"
	NameFrequencyMinPrefix   = "frequency_min:"
	NameTopicDiversity       = "topic_diversity"
	NameStrongTopicAvoidance = "strong_topic_avoidance"
)

// Kind separates constraints that can never be relaxed from those that can.
type Kind string

const (
	KindHard Kind = "hard"
	KindSoft Kind = "soft"
)

// Entry is the constraint-relevant view of one pack item.
type Entry struct {
	ItemID    string
	Band      catalog.Band
	Frequency float64
	Topic     catalog.TopicPair
}

// Signals carries learner-specific inputs to the soft checks.
type Signals struct {
	StrongTopics map[catalog.TopicPair]bool
}

// Check is the outcome of a single constraint.
type Check struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Want int    `json:"want"`
	Got  int    `json:"got"`
	OK   bool   `json:"ok"`
}

// Relaxation records a soft constraint that the pack does not meet.
type Relaxation struct {
	Constraint string `json:"constraint"`
	Reason     string `json:"reason"`
	Want       int    `json:"want"`
	Got        int    `json:"got"`
}

// Report is the structured result of Validate.
type Report struct {
	Planner string       `json:"planner,omitempty"`
	Hard    []Check      `json:"hard"`
	Soft    []Check      `json:"soft"`
	Relaxed []Relaxation `json:"relaxed"`
}

// HardOK reports whether every hard constraint holds.
func (r Report) HardOK() bool {
	for _, c := range r.Hard {
		if !c.OK {
			return false
		}
	}
	return true
}

// Violations describes every failed hard constraint.
func (r Report) Violations() []string {
	var out []string
	for _, c := range r.Hard {
		if !c.OK {
			out = append(out, fmt.Sprintf("%s: want %d, got %d", c.Name, c.Want, c.Got))
		}
	}
	return out
}

// IsRelaxed reports whether the named soft constraint was relaxed.
func (r Report) IsRelaxed(name string) bool {
	for _, rl := range r.Relaxed {
		if rl.Constraint == name {
			return true
		}
	}
	return false
}

// Validate checks entries against spec. It has no side effects.
func Validate(spec Spec, entries []Entry, sig Signals) Report {
	r := Report{Hard: []Check{}, Soft: []Check{}, Relaxed: []Relaxation{}}

	r.Hard = append(r.Hard, exact(NamePackSize, spec.Size, len(entries)))

	seen := make(map[string]bool, len(entries))
	dupes := 0
	for _, e := range entries {
		if seen[e.ItemID] {
			dupes++
		}
		seen[e.ItemID] = true
	}
	r.Hard = append(r.Hard, exact(NameUniqueItems, 0, dupes))

	counts := BandCounts(entries)
	for _, b := range catalog.AllBands {
		want, ok := spec.Distribution[b]
		if !ok && counts[b] == 0 {
			continue
		}
		r.Hard = append(r.Hard, exact(NameBandCountPrefix+string(b), want, counts[b]))
	}

	for _, fm := range spec.FrequencyMinima {
		got := CountAtOrAbove(entries, fm.Tier)
		r.Hard = append(r.Hard, Check{
			Name: NameFrequencyMinPrefix + FormatTier(fm.Tier),
			Kind: KindHard,
			Want: fm.Min,
			Got:  got,
			OK:   got >= fm.Min,
		})
	}

	if spec.MinDistinctTopicPairs > 0 {
		got := DistinctTopics(entries)
		c := Check{Name: NameTopicDiversity, Kind: KindSoft, Want: spec.MinDistinctTopicPairs, Got: got, OK: got >= spec.MinDistinctTopicPairs}
		r.Soft = append(r.Soft, c)
		if !c.OK {
			r.Relaxed = append(r.Relaxed, Relaxation{
				Constraint: NameTopicDiversity,
				Reason:     fmt.Sprintf("only %d distinct topic pairs available within band and frequency limits, wanted %d", got, c.Want),
				Want:       c.Want,
				Got:        got,
			})
		}
	}

	if spec.AvoidStrongTopics {
		got := 0
		for _, e := range entries {
			if sig.StrongTopics[e.Topic] {
				got++
			}
		}
		c := Check{Name: NameStrongTopicAvoidance, Kind: KindSoft, Want: 0, Got: got, OK: got == 0}
		r.Soft = append(r.Soft, c)
		if !c.OK {
			r.Relaxed = append(r.Relaxed, Relaxation{
				Constraint: NameStrongTopicAvoidance,
				Reason:     fmt.Sprintf("%d items come from topic pairs the learner is already strong in", got),
				Want:       0,
				Got:        got,
			})
		}
	}

	return r
}

func exact(name string, want, got int) Check {
	return Check{Name: name, Kind: KindHard, Want: want, Got: got, OK: want == got}
}

// BandCounts tallies entries per band.
func BandCounts(entries []Entry) map[catalog.Band]int {
	out := make(map[catalog.Band]int, len(catalog.AllBands))
	for _, e := range entries {
		out[e.Band]++
	}
	return out
}

// CountAtOrAbove counts entries with frequency >= tier.
func CountAtOrAbove(entries []Entry, tier float64) int {
	n := 0
	for _, e := range entries {
		if e.Frequency >= tier {
			n++
		}
	}
	return n
}

// DistinctTopics counts distinct topic pairs.
func DistinctTopics(entries []Entry) int {
	seen := make(map[catalog.TopicPair]struct{}, len(entries))
	for _, e := range entries {
		seen[e.Topic] = struct{}{}
	}
	return len(seen)
}

// MeetsFrequencyMinima reports whether every frequency minimum holds.
func MeetsFrequencyMinima(spec Spec, entries []Entry) bool {
	for _, fm := range spec.FrequencyMinima {
		if CountAtOrAbove(entries, fm.Tier) < fm.Min {
			return false
		}
	}
	return true
}
