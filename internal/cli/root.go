package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cardsync",
	Short: "Migrate and merge Trello-style boards into a local SQLite task store",
	Long: `cardsync copies boards, labels, lists, cards, comments and checklists from
a Trello-compatible REST API into a SQLite database. Every imported entity is
recorded in a mapping ledger so that reruns update instead of duplicating,
and human edits made on the target side (card placement) are preserved.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to database file (overrides CARDSYNC_DB_PATH)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides CARDSYNC_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json, yaml (overrides CARDSYNC_OUTPUT)")
	rootCmd.PersistentFlags().Bool("porcelain", false, "Stable machine-readable output (tab-separated tables, compact JSON)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Abort the command after this long (0 = no limit)")
}
