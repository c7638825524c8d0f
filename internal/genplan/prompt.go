package genplan

import (
	"fmt"
	"strings"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/selector"
)

const systemPrompt = `You plan the practice pack for a learner's next study session.

Pick items only from the candidate lists you are given. Copy each item_id and band exactly.

Hard rules, never break them:
- The pack has exactly the requested number of items.
- Each band holds exactly its requested count.
- Every frequency minimum is met: at least the given number of items with frequency at or above the tier.
- No item appears twice.

Preferences, in priority order when they conflict:
1. Topic diversity: cover at least the requested number of distinct topic pairs (subject_area/item_type).
2. Avoid topic pairs marked strong; the learner already does well on them.
3. Prefer topic pairs with fewer recent attempts (lower topic_recent).

Order the pack from easy to hard. Keep each rationale to one short sentence.`

// buildUserMessage lists the constraints and the candidates.
func buildUserMessage(spec constraints.Spec, cands *selector.Candidates) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Pack size: %d\n", spec.Size)
	b.WriteString("Band counts:")
	for _, band := range catalog.AllBands {
		fmt.Fprintf(&b, " %s=%d", band, spec.Required(band))
	}
	b.WriteString("\n")

	minima := spec.SortedMinima()
	if len(minima) > 0 {
		b.WriteString("Frequency minima:")
		for _, m := range minima {
			fmt.Fprintf(&b, " >=%s:%d", constraints.FormatTier(m.Tier), m.Min)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Distinct topic pairs wanted: %d\n", spec.MinDistinctTopicPairs)

	for _, band := range catalog.AllBands {
		list := cands.Bands[band]
		fmt.Fprintf(&b, "\nCandidates (%s):\n", band)
		for _, c := range list {
			b.WriteString(candidateLine(c))
		}
	}

	return b.String()
}

func candidateLine(c selector.Candidate) string {
	var flags []string
	if c.StrongTopic {
		flags = append(flags, "strong")
	}
	if c.Recent {
		flags = append(flags, "recent")
	}
	line := fmt.Sprintf("- %s frequency=%s topic=%s topic_recent=%d",
		c.ID, constraints.FormatTier(c.Frequency), c.Topic, c.TopicRecentCount)
	if len(flags) > 0 {
		line += " [" + strings.Join(flags, ",") + "]"
	}
	return line + "\n"
}

// correctiveMessage tells the model what was wrong with its last answer.
func correctiveMessage(problems []string) string {
	var b strings.Builder
	b.WriteString("Your pack was rejected:\n")
	for _, p := range problems {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\nReturn a corrected pack that follows every hard rule. Use only the listed candidates.")
	return b.String()
}
