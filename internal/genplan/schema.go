package genplan

import "github.com/abhisek/packplan/internal/llm"

// PackSchema is the structured output the model fills in.
var PackSchema = &llm.Schema{
	Name:        "pack-plan",
	Description: "An ordered practice pack chosen from the candidate lists",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type":        "array",
				"minItems":    1,
				"description": "The pack in session order",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"item_id": map[string]any{
							"type":        "string",
							"description": "Id of a candidate item, copied exactly",
						},
						"band": map[string]any{
							"type":        "string",
							"enum":        []any{"easy", "medium", "hard"},
							"description": "The candidate's band, copied from the list",
						},
						"rationale": map[string]any{
							"type":        "string",
							"description": "One short sentence on why the item was chosen. May be empty.",
						},
					},
					"required":             []any{"item_id", "band", "rationale"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []any{"items"},
		"additionalProperties": false,
	},
}

// output is the decoded model response.
type output struct {
	Items []outputItem `json:"items"`
}

type outputItem struct {
	ItemID    string `json:"item_id"`
	Band      string `json:"band"`
	Rationale string `json:"rationale"`
}
