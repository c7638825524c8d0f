// Package genplan asks an LLM to pick the pack from the candidate lists
// and checks the answer before accepting it.
package genplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/llm"
	"github.com/abhisek/packplan/internal/logger"
	"github.com/abhisek/packplan/internal/pack"
	"github.com/abhisek/packplan/internal/selector"
)

// RejectedError lists why a model answer was not accepted.
type RejectedError struct {
	Problems []string
}

func (e *RejectedError) Error() string {
	return "pack rejected: " + strings.Join(e.Problems, "; ")
}

// Input is one planning request.
type Input struct {
	LearnerID  string
	Sequence   int64
	Spec       constraints.Spec
	Candidates *selector.Candidates
}

// Planner is the generative planner.
type Planner struct {
	provider llm.Provider
	cfg      Config
	log      *logger.Logger
}

// New creates a Planner.
func New(provider llm.Provider, cfg Config, log *logger.Logger) *Planner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Planner{provider: provider, cfg: cfg, log: log}
}

// Plan returns pack.Generated or pack.Failed, never a pack that breaks a
// hard constraint. It returns within the configured budget even if the
// provider ignores cancellation.
func (p *Planner) Plan(ctx context.Context, in Input) pack.Outcome {
	if p.provider == nil {
		return pack.Failed{Reason: pack.ReasonDisabled, Err: llm.ErrDisabled}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()
	ctx = llm.WithPurpose(ctx, llm.PurposePackPlan)
	ctx = llm.WithSession(ctx, llm.Session{LearnerID: in.LearnerID, Sequence: in.Sequence})

	req := llm.Request{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: buildUserMessage(in.Spec, in.Candidates)}},
		Schema:      PackSchema,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	}

	var last pack.Failed
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		resp, err := p.generate(ctx, req)

		var rejected json.RawMessage
		var problems []string
		switch {
		case err == nil:
			pk, probs := accept(in, resp.Content)
			if pk != nil {
				return pack.Generated{Pack: pk, Retries: attempt - 1}
			}
			rejected, problems = resp.Content, probs
			last = pack.Failed{Reason: pack.ReasonConstraintViolation, Err: &RejectedError{Problems: probs}, Attempts: attempt}
		case llm.Classify(err) == llm.KindMalformed:
			last = pack.Failed{Reason: pack.ReasonMalformed, Err: err, Attempts: attempt}
			rejected, problems = rejectedContent(err), []string{err.Error()}
		default:
			reason := pack.ReasonProviderError
			if llm.Classify(err) == llm.KindTimeout {
				reason = pack.ReasonTimeout
			}
			return pack.Failed{Reason: reason, Err: err, Attempts: attempt}
		}

		p.log.Debug("generative pack rejected",
			"learner_id", in.LearnerID, "sequence", in.Sequence,
			"attempt", attempt, "reason", last.Reason)

		if len(rejected) > 0 {
			req.Messages = append(req.Messages, llm.Message{Role: llm.RoleAssistant, Content: string(rejected)})
		}
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: correctiveMessage(problems)})
	}
	return last
}

// generate runs the provider call so the deadline is honored even when
// the provider does not watch ctx.
func (p *Planner) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	type result struct {
		resp *llm.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := p.provider.Generate(ctx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("generative planner: %w", ctx.Err())
	}
}

func rejectedContent(err error) json.RawMessage {
	var invalid *llm.ErrInvalidResponse
	if errors.As(err, &invalid) {
		return invalid.Content
	}
	var truncated *llm.ErrMaxTokensExceeded
	if errors.As(err, &truncated) {
		return truncated.Content
	}
	return nil
}

// accept decodes the model answer and checks it against the candidates
// and the hard constraints. It returns either a pack or the problems.
func accept(in Input, raw json.RawMessage) (*pack.Pack, []string) {
	var out output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, []string{fmt.Sprintf("response is not valid JSON: %v", err)}
	}

	var problems []string
	seen := make(map[string]bool, len(out.Items))
	items := make([]pack.Item, 0, len(out.Items))

	for _, oi := range out.Items {
		cand, ok := in.Candidates.Lookup(oi.ItemID)
		if !ok {
			problems = append(problems, fmt.Sprintf("item %q is not a candidate", oi.ItemID))
			continue
		}
		if catalog.Band(oi.Band) != cand.Band {
			problems = append(problems, fmt.Sprintf("item %q is %s, not %s", oi.ItemID, cand.Band, oi.Band))
		}
		if seen[oi.ItemID] {
			problems = append(problems, fmt.Sprintf("item %q is listed more than once", oi.ItemID))
			continue
		}
		seen[oi.ItemID] = true
		items = append(items, pack.FromCatalog(cand.Item, oi.Rationale))
	}
	if len(problems) > 0 {
		return nil, problems
	}

	report := constraints.Validate(in.Spec, pack.Entries(items), in.Candidates.Signals())
	if !report.HardOK() {
		return nil, report.Violations()
	}
	report.Planner = pack.PlannerGenerative
	return &pack.Pack{Items: items, Report: report}, nil
}
