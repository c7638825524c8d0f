package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "packplan",
	Short: "Adaptive session pack planner",
	Long: "packplan builds fixed-shape practice packs for each learner session, using a " +
		"generative planner when configured and a deterministic planner otherwise.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to packplan.toml (default: ./packplan.toml or $XDG_CONFIG_HOME/packplan)")
	rootCmd.PersistentFlags().String("db", "", "Path to SQLite database file (overrides PACKPLAN_DB_PATH)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(servedCmd)
	rootCmd.AddCommand(attemptCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(llmCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
