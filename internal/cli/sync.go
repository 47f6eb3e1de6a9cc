package cli

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/cardsync/internal/cli/appctx"
	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
	"github.com/lherron/cardsync/internal/orchestrator"
	"github.com/lherron/cardsync/internal/render"
	"github.com/lherron/cardsync/internal/telemetry"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import or merge source boards into target boards",
	Long: `Sync copies every configured source board into its target board: labels,
lists, cards, comments and checklists, in that order.

Entities already recorded in the mapping ledger are updated in place (merge
mode) and never duplicated; a card a human has moved to another list stays
where it is. In fresh mode, mapped cards are moved back to the list mirroring
their source list.

The run file (--config) is YAML:

  boards:
    - source: 5f1a...
      target: 01HZ...
  users:
    source-member-id: target-user-id
  mode: merge
  concurrency:
    cards: 8

--board source:target may be repeated and replaces the boards of the file.`,
	Example: `  cardsync sync --config run.yaml
  cardsync sync --board 5f1a2b:01HZX3 --mode fresh -o json`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runSync),
}

var (
	syncConfigPath       string
	syncBoards           []string
	syncProgressInterval time.Duration
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&syncConfigPath, "config", "c", "", "Run file (YAML)")
	syncCmd.Flags().String("mode", "", "Sync mode: merge or fresh (overrides the run file)")
	syncCmd.Flags().StringArrayVar(&syncBoards, "board", nil, "Board pair source:target (repeatable)")
	syncCmd.Flags().Bool("include-archived-lists", false, "Also import archived source lists")
	syncCmd.Flags().DurationVar(&syncProgressInterval, "progress-interval", 5*time.Second, "How often to print progress counters (0 disables)")
}

// syncOutput is what sync renders
type syncOutput struct {
	JobID  string                 `json:"job_id" yaml:"job_id"`
	Status domain.JobStatus       `json:"status" yaml:"status"`
	Error  string                 `json:"error,omitempty" yaml:"error,omitempty"`
	Report orchestrator.RunReport `json:"report" yaml:"report"`
}

func runSync(app *appctx.App, cmd *cobra.Command, args []string) error {
	run, err := loadRun(cmd, syncConfigPath, syncBoards)
	if err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return exitError(2, err)
	}
	for _, b := range run.Boards {
		if !id.IsSourceID(b.Source) {
			app.Log.WithField("board", b.Source).Warn("source board id is not a 24-character hex id")
		}
	}
	r, err := newRenderer(cmd, app.Config)
	if err != nil {
		return err
	}
	source, err := newSource(app, run)
	if err != nil {
		return err
	}
	app.Ledger.PageSize = run.LedgerPageSize

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := telemetry.Init(ctx, app.Config.OTelEnabled, Version); err != nil {
		app.Log.WithError(err).Warn("telemetry disabled")
	}
	defer telemetry.Shutdown(context.WithoutCancel(ctx))

	orch := orchestrator.New(app.Store, app.Ledger, source, app.Log)
	orch.Telemetry = telemetry.NewRecorder()

	var current atomic.Pointer[orchestrator.Progress]
	orch.OnProgress = func(p orchestrator.Progress) { current.Store(&p) }
	stop := startProgress(ctx, progressWriter(cmd, r), syncProgressInterval, func(elapsed time.Duration) string {
		return syncProgressLine(current.Load(), elapsed)
	})

	var result *orchestrator.RunResult
	runErr := withRunLock(ctx, app, "sync", func(ctx context.Context) error {
		var err error
		result, err = orch.Run(ctx, run)
		return err
	})
	stop()

	if result == nil {
		return exitError(1, runErr)
	}
	if result.Job != nil {
		notifyJob(ctx, app, result.Job)
	}

	out := syncOutput{Report: result.Report}
	if result.Job != nil {
		out.JobID = result.Job.ID
		out.Status = result.Job.Status
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	if err := r.Render(out, func(w io.Writer) error {
		return printSyncResult(w, r, out)
	}); err != nil {
		return err
	}
	return exitError(1, runErr)
}

func syncProgressLine(p *orchestrator.Progress, elapsed time.Duration) string {
	if p == nil {
		return fmt.Sprintf("[%s] starting", elapsed)
	}
	line := fmt.Sprintf("[%s] %s", elapsed, p.Marker())
	if p.Total > 0 {
		line += fmt.Sprintf(" %d/%d", p.Done, p.Total)
	}
	if p.Report != nil {
		line += " | " + p.Report.Progress()
	}
	return line
}

func printSyncResult(w io.Writer, r *render.Renderer, out syncOutput) error {
	fmt.Fprintf(w, "Job %s %s\n\n", out.JobID, out.Status)
	out.Report.Summary.Print(w)

	if len(out.Report.Boards) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(out.Report.Boards))
		for _, b := range out.Report.Boards {
			rows = append(rows, []string{b.Source, b.Target, string(b.Stage), b.Error})
		}
		if err := r.RenderTable([]string{"SOURCE", "TARGET", "STAGE", "ERROR"}, rows); err != nil {
			return err
		}
	}
	if out.Error != "" {
		fmt.Fprintf(w, "\nRun aborted: %s\n", out.Error)
	}
	return nil
}
