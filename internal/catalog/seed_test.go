package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSeed(t *testing.T) {
	items, err := DecodeSeed([]byte(`
[[item]]
id = "alg-001"
band = "easy"
frequency = 1.5
subject_area = "algebra"
item_type = "mcq"

[[item]]
id = "geo-007"
band = "hard"
frequency = 0.5
subject_area = "geometry"
item_type = "free-response"
active = false
`))
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, Item{
		ID:        "alg-001",
		Band:      BandEasy,
		Frequency: 1.5,
		Topic:     TopicPair{SubjectArea: "algebra", ItemType: "mcq"},
		Active:    true,
		RankKey:   RankKey("alg-001"),
	}, items[0])
	assert.False(t, items[1].Active)
	assert.Equal(t, BandHard, items[1].Band)
}

func TestDecodeSeedErrors(t *testing.T) {
	tests := map[string]string{
		"syntax":     `[[item]`,
		"missing id": "[[item]]\nband = \"easy\"\nfrequency = 1.0\nsubject_area = \"a\"\nitem_type = \"b\"\n",
		"band":       "[[item]]\nid = \"x\"\nband = \"brutal\"\nfrequency = 1.0\nsubject_area = \"a\"\nitem_type = \"b\"\n",
		"frequency":  "[[item]]\nid = \"x\"\nband = \"easy\"\nfrequency = 0\nsubject_area = \"a\"\nitem_type = \"b\"\n",
		"topic":      "[[item]]\nid = \"x\"\nband = \"easy\"\nfrequency = 1.0\n",
		"duplicate": "[[item]]\nid = \"x\"\nband = \"easy\"\nfrequency = 1.0\nsubject_area = \"a\"\nitem_type = \"b\"\n" +
			"[[item]]\nid = \"x\"\nband = \"hard\"\nfrequency = 1.0\nsubject_area = \"a\"\nitem_type = \"b\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSeed([]byte(body))
			assert.Error(t, err)
		})
	}
}
