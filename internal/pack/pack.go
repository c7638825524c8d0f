// Package pack holds the planned pack and the outcome of a planning
// attempt, shared by the generative and fallback planners.
package pack

import (
	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
)

// Planner names recorded on a plan.
const (
	PlannerGenerative = "generative"
	PlannerFallback   = "fallback"
)

// Item is one snapshot entry of a pack.
type Item struct {
	ItemID      string       `json:"item_id"`
	Band        catalog.Band `json:"band"`
	Frequency   float64      `json:"frequency"`
	SubjectArea string       `json:"subject_area"`
	ItemType    string       `json:"item_type"`
	Rationale   string       `json:"rationale"`
}

// Topic returns the item's topic pair.
func (i Item) Topic() catalog.TopicPair {
	return catalog.TopicPair{SubjectArea: i.SubjectArea, ItemType: i.ItemType}
}

// FromCatalog snapshots a catalog item.
func FromCatalog(it catalog.Item, rationale string) Item {
	return Item{
		ItemID:      it.ID,
		Band:        it.Band,
		Frequency:   it.Frequency,
		SubjectArea: it.Topic.SubjectArea,
		ItemType:    it.Topic.ItemType,
		Rationale:   rationale,
	}
}

// Pack is an ordered list of items plus its constraint report.
type Pack struct {
	Items  []Item
	Report constraints.Report
}

// Entries converts the pack items to validator entries.
func Entries(items []Item) []constraints.Entry {
	out := make([]constraints.Entry, len(items))
	for i, it := range items {
		out[i] = constraints.Entry{
			ItemID:    it.ItemID,
			Band:      it.Band,
			Frequency: it.Frequency,
			Topic:     it.Topic(),
		}
	}
	return out
}

// FailureReason classifies why a planning attempt produced no pack.
type FailureReason string

const (
	ReasonTimeout             FailureReason = "timeout"
	ReasonMalformed           FailureReason = "malformed_output"
	ReasonConstraintViolation FailureReason = "constraint_violation"
	ReasonProviderError       FailureReason = "provider_error"
	ReasonDisabled            FailureReason = "disabled"
)

// Outcome is the result of one planning step. Exactly one of Generated,
// Fallback or Failed.
type Outcome interface {
	outcome()
}

// Generated is a pack produced by the generative planner.
type Generated struct {
	Pack    *Pack
	Retries int
}

// Fallback is a pack produced by the deterministic planner after the
// generative step failed.
type Fallback struct {
	Pack  *Pack
	Cause Failed
}

// Failed means no pack was produced.
type Failed struct {
	Reason   FailureReason
	Err      error
	Attempts int
}

func (Generated) outcome() {}
func (Fallback) outcome()  {}
func (Failed) outcome()    {}

func (f Failed) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return string(f.Reason) + ": " + f.Err.Error()
}

func (f Failed) Unwrap() error { return f.Err }
