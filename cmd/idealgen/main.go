package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lukinterlab/idealimage-ru-sub001/am"
	"github.com/lukinterlab/idealimage-ru-sub001/cmd/idealgen/commands"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

var rootCmd = &cobra.Command{
	Use:   "idealgen",
	Short: "idealgen - rate-limit-aware content generation",
	Long: `idealgen - rate-limit-aware content generation.

Generates articles from prompt templates through one shared provider quota.
Jobs for a resource are admitted one at a time through a daily lease queue,
prove liveness through heartbeats and back off through a shared cooldown.

Available commands:
  run       - Run the schedule daemon
  generate  - Generate one item from a template
  schedule  - Manage recurring schedules
  status    - Show queue, lease and cooldown state of a resource
  config    - Show, check and override configuration
  version   - Show build information

Examples:
  idealgen run -v
  idealgen generate horoscope --mode interactive --var sign=Овен
  idealgen schedule add daily-horoscope --template horoscope --cron "0 6 * * *"
  idealgen status horoscope_generation`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		level := logger.ParseLevel(cfg.Log.Level)
		if verbosity > 0 {
			level = logger.VerbosityToLevel(verbosity)
		}
		if err := logger.InitializeWithLevel(cfg.Log.JSON, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.GenerateCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
