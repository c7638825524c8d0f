package constraints

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/abhisek/packplan/internal/catalog"
)

// FrequencyMin requires at least Min items with frequency >= Tier.
type FrequencyMin struct {
	Tier float64 `json:"tier" mapstructure:"tier" toml:"tier"`
	Min  int     `json:"min" mapstructure:"min" toml:"min"`
}

// Spec is the full constraint set a pack is checked against.
type Spec struct {
	// Size is the exact number of items in a pack.
	Size int

	// Distribution is the exact count per band. Counts must sum to Size.
	Distribution map[catalog.Band]int

	// FrequencyMinima are checked independently; tiers are cumulative
	// ("at or above").
	FrequencyMinima []FrequencyMin

	// MinDistinctTopicPairs is the soft diversity target.
	MinDistinctTopicPairs int

	// AvoidStrongTopics enables the soft strong-topic avoidance check.
	AvoidStrongTopics bool
}

// DefaultSpec returns the 12 item, 3/6/3 pack with >=2 items at 1.5 and
// >=2 at 1.0.
func DefaultSpec() Spec {
	return Spec{
		Size: 12,
		Distribution: map[catalog.Band]int{
			catalog.BandEasy:   3,
			catalog.BandMedium: 6,
			catalog.BandHard:   3,
		},
		FrequencyMinima: []FrequencyMin{
			{Tier: 1.5, Min: 2},
			{Tier: 1.0, Min: 2},
		},
		MinDistinctTopicPairs: 5,
		AvoidStrongTopics:     true,
	}
}

// Required returns the count required for a band.
func (s Spec) Required(b catalog.Band) int {
	return s.Distribution[b]
}

// SortedMinima returns the frequency minima from the highest tier down.
func (s Spec) SortedMinima() []FrequencyMin {
	out := append([]FrequencyMin(nil), s.FrequencyMinima...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tier > out[j].Tier })
	return out
}

// Validate checks the spec is internally consistent.
func (s Spec) Validate() error {
	if s.Size <= 0 {
		return errors.New("pack size must be positive")
	}
	total := 0
	for band, n := range s.Distribution {
		if !band.Valid() {
			return fmt.Errorf("unknown band %q in distribution", band)
		}
		if n < 0 {
			return fmt.Errorf("band %s has negative count %d", band, n)
		}
		total += n
	}
	if total != s.Size {
		return fmt.Errorf("band counts sum to %d, pack size is %d", total, s.Size)
	}
	for _, fm := range s.FrequencyMinima {
		if fm.Min < 0 || fm.Min > s.Size {
			return fmt.Errorf("frequency minimum %d at tier %s is outside [0, %d]", fm.Min, FormatTier(fm.Tier), s.Size)
		}
	}
	if s.MinDistinctTopicPairs > s.Size {
		return fmt.Errorf("min distinct topic pairs %d exceeds pack size %d", s.MinDistinctTopicPairs, s.Size)
	}
	return nil
}

// FormatTier renders a tier for constraint names ("1.5", "1").
func FormatTier(t float64) string {
	return strconv.FormatFloat(t, 'g', -1, 64)
}
