package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhisek/packplan/internal/audit"
	"github.com/abhisek/packplan/internal/catalog"
	"github.com/abhisek/packplan/internal/logger"
	"github.com/abhisek/packplan/internal/store"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire planned packs that were never served",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := wireApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.tracker.Sweep(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Printf("Expired %d pack(s).\n", n)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check stored plans against the pack constraints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		log, err := logger.New(cfg.LogMode)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer log.Sync()

		learner, _ := cmd.Flags().GetString("learner")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		sum, err := audit.New(st.PlanRepo(), cfg.Pack.Spec(), log).Run(cmd.Context(), store.PlanFilter{
			LearnerID: learner,
			Status:    store.Status(status),
			Limit:     limit,
		})
		if err != nil {
			return err
		}

		for _, f := range sum.Findings {
			fmt.Printf("%s/%d (%s)\n", f.LearnerID, f.Sequence, f.Status)
			for _, p := range f.Problems {
				fmt.Printf("  - %s\n", p)
			}
		}
		fmt.Printf("Checked %d plan(s), %d with problems.\n", sum.Checked, len(sum.Findings))
		if len(sum.Findings) > 0 {
			return fmt.Errorf("audit found %d invalid plan(s)", len(sum.Findings))
		}
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <catalog.toml>",
	Short: "Load catalog items from a TOML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read catalog: %w", err)
		}
		items, err := catalog.DecodeSeed(data)
		if err != nil {
			return err
		}

		_, st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		if err := st.CatalogRepo().UpsertItems(ctx, items); err != nil {
			return err
		}
		counts, err := st.CatalogRepo().CountItems(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Loaded %d item(s). Active catalog: easy=%d medium=%d hard=%d\n",
			len(items), counts[catalog.BandEasy], counts[catalog.BandMedium], counts[catalog.BandHard])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show planner usage and fallback rate",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		counts, err := st.CatalogRepo().CountItems(ctx)
		if err != nil {
			return fmt.Errorf("count items: %w", err)
		}
		fmt.Printf("Catalog: easy=%d medium=%d hard=%d\n\n",
			counts[catalog.BandEasy], counts[catalog.BandMedium], counts[catalog.BandHard])

		stats, err := st.PlanRepo().PlannerStats(ctx)
		if err != nil {
			return fmt.Errorf("query planner stats: %w", err)
		}
		if len(stats) == 0 {
			fmt.Println("No plans recorded yet.")
			return nil
		}

		fmt.Printf("%-12s  %-20s  %8s\n", "Planner", "Fallback reason", "Plans")
		fmt.Println(strings.Repeat("─", 44))
		var total, fallbacks int
		for _, s := range stats {
			reason := s.FallbackReason
			if reason == "" {
				reason = "-"
			}
			fmt.Printf("%-12s  %-20s  %8d\n", s.Planner, reason, s.Count)
			total += s.Count
			if s.FallbackReason != "" {
				fallbacks += s.Count
			}
		}
		fmt.Println(strings.Repeat("─", 44))
		fmt.Printf("%-12s  %-20s  %8d\n", "TOTAL", "", total)
		fmt.Printf("\nFallback rate: %.1f%%\n", 100*float64(fallbacks)/float64(total))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.TOML()
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	auditCmd.Flags().String("learner", "", "Only audit this learner's plans")
	auditCmd.Flags().String("status", "", "Only audit plans in this status")
	auditCmd.Flags().IntP("limit", "n", 0, "Maximum plans to check (0 = all)")

	configCmd.AddCommand(configShowCmd)
}
