package catalog

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
)

// seedFile is the on-disk catalog format:
//
//	[[item]]
//	id = "alg-001"
//	band = "easy"
//	frequency = 1.5
//	subject_area = "algebra"
//	item_type = "mcq"
type seedFile struct {
	Items []seedItem `toml:"item"`
}

type seedItem struct {
	ID          string  `toml:"id"`
	Band        string  `toml:"band"`
	Frequency   float64 `toml:"frequency"`
	SubjectArea string  `toml:"subject_area"`
	ItemType    string  `toml:"item_type"`
	Active      *bool   `toml:"active"` // defaults to true
}

// DecodeSeed parses a TOML catalog. Items are returned in file order.
func DecodeSeed(data []byte) ([]Item, error) {
	var f seedFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]bool, len(f.Items))
	items := make([]Item, 0, len(f.Items))
	for i, s := range f.Items {
		if s.ID == "" {
			return nil, fmt.Errorf("item %d: missing id", i+1)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("item %s: duplicate id", s.ID)
		}
		seen[s.ID] = true

		band, err := ParseBand(s.Band)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", s.ID, err)
		}
		if s.Frequency <= 0 {
			return nil, fmt.Errorf("item %s: frequency must be positive", s.ID)
		}
		if s.SubjectArea == "" || s.ItemType == "" {
			return nil, fmt.Errorf("item %s: subject_area and item_type are required", s.ID)
		}

		active := true
		if s.Active != nil {
			active = *s.Active
		}
		items = append(items, Item{
			ID:        s.ID,
			Band:      band,
			Frequency: s.Frequency,
			Topic:     TopicPair{SubjectArea: s.SubjectArea, ItemType: s.ItemType},
			Active:    active,
			RankKey:   RankKey(s.ID),
		})
	}
	return items, nil
}
