package catalog

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
)

// Band is the difficulty classification of an item.
type Band string

const (
	BandEasy   Band = "easy"
	BandMedium Band = "medium"
	BandHard   Band = "hard"
)

// AllBands lists the bands in pack order (easiest first).
var AllBands = []Band{BandEasy, BandMedium, BandHard}

// ParseBand converts a band label to a Band.
func ParseBand(s string) (Band, error) {
	switch Band(s) {
	case BandEasy, BandMedium, BandHard:
		return Band(s), nil
	}
	return "", fmt.Errorf("unknown band %q", s)
}

// Valid reports whether b is one of the known bands.
func (b Band) Valid() bool {
	_, err := ParseBand(string(b))
	return err == nil
}

// TopicPair is the (subject area, item type) key used to measure diversity.
type TopicPair struct {
	SubjectArea string `json:"subject_area"`
	ItemType    string `json:"item_type"`
}

func (t TopicPair) String() string {
	return t.SubjectArea + "/" + t.ItemType
}

// Item is a practice item as published by the upstream catalog.
// Frequency is the pre-computed importance score (0.5, 1.0, 1.5, ...).
type Item struct {
	ID        string
	Band      Band
	Frequency float64
	Topic     TopicPair
	Active    bool
	RankKey   int64
}

// BandScan describes an ordered range scan over one band's active items.
type BandScan struct {
	Band Band

	// Pivot is the rank key the scan starts at. The scan wraps around to
	// the lowest rank key once the top of the key space is reached.
	Pivot int64

	// Limit caps the number of returned items.
	Limit int

	// MinFrequency, when > 0, restricts the scan to items at or above it.
	MinFrequency float64
}

// Catalog is the read-only view of the item catalog.
type Catalog interface {
	// ScanBand returns active items of a band in rank-key order starting at
	// the scan pivot.
	ScanBand(ctx context.Context, scan BandScan) ([]Item, error)
}

// RankKey is the deterministic ranking key for an item: FNV-1a of the id,
// reinterpreted as a signed integer so it fits an SQL INTEGER column.
func RankKey(itemID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(itemID))
	return int64(h.Sum64())
}

// Pivot derives the scan start point for a learner's session. Different
// sessions rotate through the catalog while the same session always sees
// the same ordering.
func Pivot(learnerID string, sequence int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(learnerID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(sequence, 10)))
	return int64(h.Sum64())
}
