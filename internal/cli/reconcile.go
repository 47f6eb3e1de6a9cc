package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lherron/cardsync/internal/cli/appctx"
	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/reconcile"
	"github.com/lherron/cardsync/internal/render"
	"github.com/lherron/cardsync/internal/telemetry"
	"github.com/lherron/cardsync/internal/trello"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Find and repair mapped cards that lost their target row or placement",
	Long: `Reconcile walks the card mapping ledger and checks every target card.

  unplaced     the card exists but sits in no list; it is placed in the list
               mirroring its source list
  row_deleted  the card row is gone; it is recreated from the source and the
               ledger entry is repointed at the new row

Cards no longer present on the source are reported as gone and left alone.
Use --dry-run to scan without touching anything or calling the source.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runReconcile),
}

var (
	reconcileConfigPath string
	reconcileDryRun     bool
)

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVarP(&reconcileConfigPath, "config", "c", "", "Run file (YAML) for users, concurrency and batch size")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "Report orphans without repairing them")
}

type reconcileOutput struct {
	JobID   string            `json:"job_id" yaml:"job_id"`
	Status  domain.JobStatus  `json:"status" yaml:"status"`
	Error   string            `json:"error,omitempty" yaml:"error,omitempty"`
	Summary reconcile.Summary `json:"summary" yaml:"summary"`
}

func runReconcile(app *appctx.App, cmd *cobra.Command, args []string) error {
	run, err := loadRun(cmd, reconcileConfigPath, nil)
	if err != nil {
		return err
	}
	r, err := newRenderer(cmd, app.Config)
	if err != nil {
		return err
	}

	// A dry run never calls the source, so credentials are optional
	var source trello.Source
	if client, err := newSource(app, run); err == nil {
		source = client
	} else if !reconcileDryRun {
		return err
	}
	app.Ledger.PageSize = run.LedgerPageSize

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := telemetry.Init(ctx, app.Config.OTelEnabled, Version); err != nil {
		app.Log.WithError(err).Warn("telemetry disabled")
	}
	defer telemetry.Shutdown(context.WithoutCancel(ctx))

	rec := reconcile.New(app.Store, app.Ledger, source, run, app.Log)
	rec.Telemetry = telemetry.NewRecorder()

	var result *reconcile.Result
	runErr := withRunLock(ctx, app, "reconcile", func(ctx context.Context) error {
		var err error
		result, err = rec.Run(ctx, reconcile.Options{DryRun: reconcileDryRun})
		return err
	})
	if result == nil {
		return exitError(1, runErr)
	}
	if result.Job != nil {
		notifyJob(ctx, app, result.Job)
	}

	out := reconcileOutput{Summary: result.Summary}
	if result.Job != nil {
		out.JobID = result.Job.ID
		out.Status = result.Job.Status
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	if err := r.Render(out, func(w io.Writer) error {
		return printReconcileResult(w, r, out)
	}); err != nil {
		return err
	}
	return exitError(1, runErr)
}

func printReconcileResult(w io.Writer, r *render.Renderer, out reconcileOutput) error {
	s := out.Summary
	fmt.Fprintf(w, "Job %s %s\n\n", out.JobID, out.Status)
	fmt.Fprintf(w, "Scanned %d mapped card(s): %d healthy, %d unplaced, %d row deleted\n",
		s.Scanned, s.Healthy, s.Unplaced, s.RowDeleted)
	if s.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was repaired")
	} else {
		fmt.Fprintf(w, "Repaired %d: placed=%d recreated=%d gone=%d skipped=%d failed=%d\n",
			s.Repaired(), s.Actions[reconcile.ActionPlaced], s.Actions[reconcile.ActionRecreated],
			s.Actions[reconcile.ActionGone], s.Actions[reconcile.ActionSkipped], s.Actions[reconcile.ActionFailed])
	}

	if len(s.Repairs) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(s.Repairs))
		for _, rp := range s.Repairs {
			action := string(rp.Action)
			if action == "" {
				action = "-"
			}
			rows = append(rows, []string{rp.Board, rp.SourceID, string(rp.Kind), action, rp.OldTarget, rp.NewTarget, rp.Reason})
		}
		if err := r.RenderTable([]string{"BOARD", "SOURCE", "KIND", "ACTION", "OLD TARGET", "NEW TARGET", "REASON"}, rows); err != nil {
			return err
		}
	}
	if out.Error != "" {
		fmt.Fprintf(w, "\nReconcile aborted: %s\n", out.Error)
	}
	return nil
}
