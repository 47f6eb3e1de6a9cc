package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/cardsync/internal/render"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Displays version, commit, and build date information.`,
	RunE:  runVersion,
}

var versionJSON bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

type versionInfo struct {
	Version   string   `json:"version" yaml:"version"`
	Commit    string   `json:"commit" yaml:"commit"`
	BuildDate string   `json:"build_date" yaml:"build_date"`
	Commands  []string `json:"supported_commands" yaml:"supported_commands"`
	Formats   []string `json:"supported_formats" yaml:"supported_formats"`
}

func runVersion(cmd *cobra.Command, args []string) error {
	if versionJSON {
		info := versionInfo{
			Version:   Version,
			Commit:    GitCommit,
			BuildDate: BuildDate,
			Commands:  []string{"migrate", "sync", "reconcile", "jobs", "boards", "version"},
			Formats:   []string{"table", "json", "yaml"},
		}
		return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: render.FormatJSON}).RenderJSON(info)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "cardsync version %s\n", Version)
	fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
	fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)

	return nil
}
