package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds the global flags shared by every command.
type rootOptions struct {
	configPath string
	dbPath     string
	driver     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "abgoat",
		Short: "abgoat - a self-hosted A/B test evaluation engine",
		Long: `abgoat runs A/B tests end to end: define variants, collect impressions
and conversions, and get a statistically grounded verdict.

Running without a subcommand starts the server (same as 'abgoat serve').`,
		SilenceUsage: true,
	}
	serveCmd := newServeCmd(opts)
	rootCmd.RunE = serveCmd.RunE // Default action is to start server
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	// Global flags
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", getEnvOrDefault("ABG_CONFIG", "abgoat.yaml"), "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", os.Getenv("ABG_DB_PATH"), "database path (overrides storage.path)")
	rootCmd.PersistentFlags().StringVar(&opts.driver, "driver", os.Getenv("ABG_DRIVER"), "storage driver: sqlite, badger or memory (overrides storage.driver)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", os.Getenv("ABG_LOG_LEVEL"), "log level (overrides log.level)")

	rootCmd.AddCommand(
		serveCmd,
		newInitCmd(opts),
		newCreateCmd(opts),
		newAllocateCmd(opts),
		newTransitionCmd(opts, "start", "Start collecting data for a draft test"),
		newTransitionCmd(opts, "pause", "Pause a running test"),
		newTransitionCmd(opts, "resume", "Resume a paused test"),
		newTransitionCmd(opts, "cancel", "Cancel a test without a verdict"),
		newRecordCmd(opts),
		newResultsCmd(opts),
		newCompleteCmd(opts),
		newListCmd(opts),
		newExportCmd(opts),
		newDeleteCmd(opts),
		newTokenCmd(opts),
	)

	return rootCmd
}

func Execute() error {
	return newRootCmd().Execute()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
