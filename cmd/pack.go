package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abhisek/packplan/internal/history"
	"github.com/abhisek/packplan/internal/httpapi"
	"github.com/abhisek/packplan/internal/planner"
	"github.com/abhisek/packplan/internal/store"
)

var planCmd = &cobra.Command{
	Use:   "plan <learner-id>",
	Short: "Plan the learner's next session pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := wireApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.close()

		learnerID := args[0]
		next, _ := cmd.Flags().GetInt64("sequence")
		last, _ := cmd.Flags().GetInt64("last")
		token, _ := cmd.Flags().GetString("token")

		if next == 0 {
			maxSeq, err := a.store.PlanRepo().MaxSequence(ctx, learnerID)
			if err != nil {
				return fmt.Errorf("read latest sequence: %w", err)
			}
			next = maxSeq + 1
		}
		if !cmd.Flags().Changed("last") {
			last = next - 1
		}
		if token == "" {
			token = uuid.NewString()
		}

		res, err := a.planner.PlanNext(ctx, planner.PlanRequest{
			LearnerID:         learnerID,
			LastKnownSequence: last,
			NextSequence:      next,
			IdempotencyToken:  token,
		})
		if err != nil {
			return err
		}
		if !res.Created {
			fmt.Fprintln(os.Stderr, "Returning the existing plan for this session.")
		}
		return printPlan(cmd, res.Plan)
	},
}

var packCmd = &cobra.Command{
	Use:   "pack <learner-id> <sequence>",
	Short: "Show a stored pack",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSequence(args[1])
		if err != nil {
			return err
		}
		_, st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		plan, err := st.PlanRepo().GetPlan(cmd.Context(), args[0], seq)
		if err != nil {
			return err
		}
		return printPlan(cmd, plan)
	},
}

var servedCmd = &cobra.Command{
	Use:   "served <learner-id> <sequence>",
	Short: "Mark a pack as served",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSequence(args[1])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := wireApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.close()

		plan, err := a.tracker.MarkServed(ctx, args[0], seq)
		if err != nil {
			return err
		}
		fmt.Printf("Pack %s/%d is %s.\n", plan.LearnerID, plan.Sequence, plan.Status)
		return nil
	},
}

var attemptCmd = &cobra.Command{
	Use:   "attempt <learner-id> <sequence> <item-id>",
	Short: "Record an attempt on a pack item",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSequence(args[1])
		if err != nil {
			return err
		}
		correct, _ := cmd.Flags().GetBool("correct")

		ctx := cmd.Context()
		a, err := wireApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.tracker.RecordAttempt(ctx, history.Attempt{
			LearnerID:   args[0],
			Sequence:    seq,
			ItemID:      args[2],
			Correct:     correct,
			AttemptedAt: time.Now(),
		})
		if err != nil {
			return err
		}
		switch {
		case !res.Recorded:
			fmt.Println("Attempt already recorded.")
		case res.Completed:
			fmt.Println("Attempt recorded. Pack completed.")
		default:
			fmt.Println("Attempt recorded.")
		}
		return nil
	},
}

func parseSequence(s string) (int64, error) {
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid sequence %q", s)
	}
	return seq, nil
}

func printPlan(cmd *cobra.Command, p *store.PackPlan) error {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(httpapi.NewPackResponse(p))
	}

	fmt.Printf("Plan:      %s\n", p.ID)
	fmt.Printf("Learner:   %s (session %d)\n", p.LearnerID, p.Sequence)
	fmt.Printf("Status:    %s\n", p.Status)
	source := p.Planner
	if p.FallbackReason != "" {
		source += " (" + p.FallbackReason + ")"
	}
	fmt.Printf("Planner:   %s\n", source)
	if p.RetryCount > 0 {
		fmt.Printf("Retries:   %d\n", p.RetryCount)
	}
	if p.PoolExpanded {
		fmt.Println("Pool:      expanded")
	}

	fmt.Println()
	fmt.Printf("%-3s  %-20s  %-6s  %5s  %-28s  %s\n", "#", "Item", "Band", "Freq", "Topic", "Rationale")
	fmt.Println(strings.Repeat("─", 100))
	for i, it := range p.Items {
		fmt.Printf("%-3d  %-20s  %-6s  %5.1f  %-28s  %s\n",
			i+1, truncate(it.ItemID, 20), it.Band, it.Frequency,
			truncate(it.SubjectArea+"/"+it.ItemType, 28), it.Rationale)
	}

	fmt.Println()
	for _, c := range p.Report.Hard {
		fmt.Printf("%s %-28s want %-4d got %d\n", mark(c.OK), c.Name, c.Want, c.Got)
	}
	for _, c := range p.Report.Soft {
		fmt.Printf("%s %-28s want %-4d got %d\n", mark(c.OK), c.Name, c.Want, c.Got)
	}
	for _, r := range p.Report.Relaxed {
		fmt.Printf("relaxed %s: %s\n", r.Constraint, r.Reason)
	}
	return nil
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func init() {
	planCmd.Flags().Int64("sequence", 0, "Session sequence to plan (default: next after the latest plan)")
	planCmd.Flags().Int64("last", 0, "Last known sequence (default: sequence - 1)")
	planCmd.Flags().String("token", "", "Idempotency token (default: random)")
	planCmd.Flags().Bool("json", false, "Print the plan as JSON")

	packCmd.Flags().Bool("json", false, "Print the plan as JSON")

	attemptCmd.Flags().Bool("correct", false, "Whether the answer was correct")
}
