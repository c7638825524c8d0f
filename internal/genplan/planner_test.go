package genplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/llm"
	"github.com/abhisek/packplan/internal/pack"
	"github.com/abhisek/packplan/internal/selector"
)

func candidate(id string, band catalog.Band, freq float64, subject string) selector.Candidate {
	return selector.Candidate{Item: catalog.Item{
		ID:        id,
		Band:      band,
		Frequency: freq,
		Topic:     catalog.TopicPair{SubjectArea: subject, ItemType: "mcq"},
		Active:    true,
		RankKey:   catalog.RankKey(id),
	}}
}

func testCandidates() *selector.Candidates {
	c := &selector.Candidates{Bands: map[catalog.Band][]selector.Candidate{}}
	for i := 1; i <= 5; i++ {
		freq := 0.5
		if i == 1 {
			freq = 1.5
		}
		c.Bands[catalog.BandEasy] = append(c.Bands[catalog.BandEasy], candidate(fmt.Sprintf("e%d", i), catalog.BandEasy, freq, fmt.Sprintf("s%d", i)))
	}
	for i := 1; i <= 10; i++ {
		freq := 0.5
		switch i {
		case 1:
			freq = 1.5
		case 2, 3:
			freq = 1.0
		}
		c.Bands[catalog.BandMedium] = append(c.Bands[catalog.BandMedium], candidate(fmt.Sprintf("m%d", i), catalog.BandMedium, freq, fmt.Sprintf("s%d", i%6)))
	}
	for i := 1; i <= 5; i++ {
		c.Bands[catalog.BandHard] = append(c.Bands[catalog.BandHard], candidate(fmt.Sprintf("h%d", i), catalog.BandHard, 0.5, fmt.Sprintf("s%d", i)))
	}
	return c
}

type answerItem struct {
	ItemID    string `json:"item_id"`
	Band      string `json:"band"`
	Rationale string `json:"rationale"`
}

func answer(t *testing.T, ids ...string) json.RawMessage {
	t.Helper()
	var items []answerItem
	for _, id := range ids {
		band := map[byte]string{'e': "easy", 'm': "medium", 'h': "hard", 'x': "easy"}[id[0]]
		items = append(items, answerItem{ItemID: id, Band: band, Rationale: "covers " + id})
	}
	b, err := json.Marshal(map[string]any{"items": items})
	require.NoError(t, err)
	return b
}

var validIDs = []string{"e1", "e2", "e3", "m1", "m2", "m3", "m4", "m5", "m6", "h1", "h2", "h3"}

func testInput() Input {
	return Input{LearnerID: "l-1", Sequence: 3, Spec: constraints.DefaultSpec(), Candidates: testCandidates()}
}

func TestPlan_AcceptsValidPack(t *testing.T) {
	mock := llm.NewMockProvider(llm.MockResponse{Content: answer(t, validIDs...)})
	p := New(mock, DefaultConfig(), nil)

	out := p.Plan(context.Background(), testInput())

	gen, ok := out.(pack.Generated)
	require.True(t, ok, "expected Generated, got %#v", out)
	assert.Equal(t, 0, gen.Retries)
	assert.Equal(t, pack.PlannerGenerative, gen.Pack.Report.Planner)
	assert.True(t, gen.Pack.Report.HardOK())
	require.Len(t, gen.Pack.Items, 12)
	assert.Equal(t, "e1", gen.Pack.Items[0].ItemID)
	assert.Equal(t, 1.5, gen.Pack.Items[0].Frequency)
	assert.Equal(t, "covers e1", gen.Pack.Items[0].Rationale)

	req, _ := mock.LastCall()
	assert.Equal(t, "pack-plan", req.Schema.Name)
}

func TestPlan_CorrectiveRetry(t *testing.T) {
	bad := append([]string{"x9"}, validIDs[1:]...)
	mock := llm.NewMockProvider(
		llm.MockResponse{Content: answer(t, bad...)},
		llm.MockResponse{Content: answer(t, validIDs...)},
	)
	p := New(mock, DefaultConfig(), nil)

	out := p.Plan(context.Background(), testInput())

	gen, ok := out.(pack.Generated)
	require.True(t, ok, "expected Generated, got %#v", out)
	assert.Equal(t, 1, gen.Retries)

	retry, _ := mock.LastCall()
	require.Len(t, retry.Messages, 3)
	assert.Equal(t, llm.RoleAssistant, retry.Messages[1].Role)
	assert.Contains(t, retry.Messages[2].Content, `item "x9" is not a candidate`)
}

func TestPlan_RejectsHardViolationTwice(t *testing.T) {
	// Only one item at the top tier.
	short := []string{"e2", "e3", "e4", "m1", "m2", "m3", "m4", "m5", "m6", "h1", "h2", "h3"}
	mock := llm.NewMockProvider(
		llm.MockResponse{Content: answer(t, short...)},
		llm.MockResponse{Content: answer(t, short...)},
	)
	p := New(mock, DefaultConfig(), nil)

	out := p.Plan(context.Background(), testInput())

	failed, ok := out.(pack.Failed)
	require.True(t, ok, "expected Failed, got %#v", out)
	assert.Equal(t, pack.ReasonConstraintViolation, failed.Reason)
	assert.Equal(t, 2, failed.Attempts)

	var rejected *RejectedError
	require.ErrorAs(t, failed, &rejected)
	assert.Contains(t, strings.Join(rejected.Problems, "\n"), "frequency_min:1.5")
}

func TestPlan_RejectsBandMismatchAndDuplicates(t *testing.T) {
	in := testInput()
	items := []answerItem{{ItemID: "e1", Band: "hard"}, {ItemID: "e2", Band: "easy"}, {ItemID: "e2", Band: "easy"}}
	raw, err := json.Marshal(map[string]any{"items": items})
	require.NoError(t, err)

	pk, problems := accept(in, raw)
	assert.Nil(t, pk)
	assert.Contains(t, problems, `item "e1" is easy, not hard`)
	assert.Contains(t, problems, `item "e2" is listed more than once`)
}

func TestPlan_MalformedOutput(t *testing.T) {
	mock := llm.NewMockProvider(
		llm.MockResponse{Content: json.RawMessage(`{"pack":[]}`)},
		llm.MockResponse{Content: json.RawMessage(`not json`)},
	)
	p := New(mock, DefaultConfig(), nil)

	out := p.Plan(context.Background(), testInput())

	failed, ok := out.(pack.Failed)
	require.True(t, ok, "expected Failed, got %#v", out)
	assert.Equal(t, pack.ReasonMalformed, failed.Reason)
	assert.Equal(t, 2, mock.CallCount())
}

func TestPlan_TimeoutWhenProviderIgnoresContext(t *testing.T) {
	mock := llm.NewMockProvider(llm.MockResponse{
		Content:       answer(t, validIDs...),
		Delay:         2 * time.Second,
		IgnoreContext: true,
	})
	cfg := DefaultConfig()
	cfg.Budget = 50 * time.Millisecond
	p := New(mock, cfg, nil)

	start := time.Now()
	out := p.Plan(context.Background(), testInput())

	assert.Less(t, time.Since(start), time.Second)
	failed, ok := out.(pack.Failed)
	require.True(t, ok, "expected Failed, got %#v", out)
	assert.Equal(t, pack.ReasonTimeout, failed.Reason)
	assert.ErrorIs(t, failed, context.DeadlineExceeded)
}

func TestPlan_ProviderErrorNotRetried(t *testing.T) {
	mock := llm.NewMockProvider(
		llm.MockResponse{Err: &llm.ErrProviderUnavailable{Err: errors.New("down")}},
		llm.MockResponse{Content: answer(t, validIDs...)},
	)
	p := New(mock, DefaultConfig(), nil)

	out := p.Plan(context.Background(), testInput())

	failed, ok := out.(pack.Failed)
	require.True(t, ok, "expected Failed, got %#v", out)
	assert.Equal(t, pack.ReasonProviderError, failed.Reason)
	assert.Equal(t, 1, mock.CallCount())
}

func TestPlan_NoProvider(t *testing.T) {
	out := New(nil, DefaultConfig(), nil).Plan(context.Background(), testInput())

	failed, ok := out.(pack.Failed)
	require.True(t, ok)
	assert.Equal(t, pack.ReasonDisabled, failed.Reason)
	assert.ErrorIs(t, failed, llm.ErrDisabled)
}

func TestBuildUserMessage(t *testing.T) {
	cands := testCandidates()
	cands.Bands[catalog.BandHard][0].StrongTopic = true
	cands.Bands[catalog.BandHard][0].Recent = true
	cands.Bands[catalog.BandHard][0].TopicRecentCount = 2

	msg := buildUserMessage(constraints.DefaultSpec(), cands)

	assert.Contains(t, msg, "Pack size: 12")
	assert.Contains(t, msg, "Band counts: easy=3 medium=6 hard=3")
	assert.Contains(t, msg, "Frequency minima: >=1.5:2 >=1:2")
	assert.Contains(t, msg, "- h1 frequency=0.5 topic=s1/mcq topic_recent=2 [strong,recent]")
	assert.Contains(t, msg, "Candidates (medium):")
}
