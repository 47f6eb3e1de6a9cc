package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lherron/cardsync/internal/cli/appctx"
	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List sync and reconcile runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runJobs),
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one run with its stored report",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runJobsShow),
}

var (
	jobsLimit  int
	jobsCursor string
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsShowCmd)

	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs to list")
	jobsCmd.Flags().StringVar(&jobsCursor, "cursor", "", "Continue from a previous listing's next cursor")
}

type jobsOutput struct {
	Jobs       []jobView `json:"jobs" yaml:"jobs"`
	NextCursor string    `json:"next_cursor,omitempty" yaml:"next_cursor,omitempty"`
}

func runJobs(app *appctx.App, cmd *cobra.Command, args []string) error {
	r, err := newRenderer(cmd, app.Config)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	jobs, next, err := app.Store.Jobs.List(ctx, jobsLimit, jobsCursor)
	if err != nil {
		return exitError(1, err)
	}
	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		v := newJobView(&jobs[i])
		v.Config, v.Report = nil, nil
		views = append(views, v)
	}

	return r.Render(jobsOutput{Jobs: views, NextCursor: next}, func(w io.Writer) error {
		if len(jobs) == 0 {
			fmt.Fprintln(w, "No jobs found")
			return nil
		}
		rows := make([][]string, 0, len(jobs))
		for _, j := range jobs {
			started := j.StartedAt
			rows = append(rows, []string{j.ID, string(j.Kind), string(j.Status), formatTime(&started), formatTime(j.FinishedAt), j.Progress})
		}
		if err := r.RenderTable([]string{"ID", "KIND", "STATUS", "STARTED", "FINISHED", "PROGRESS"}, rows); err != nil {
			return err
		}
		if next != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "More jobs: --cursor %s\n", next)
		}
		return nil
	})
}

// jobView is a job with its config and report decoded for display
type jobView struct {
	ID         string           `json:"id" yaml:"id"`
	Kind       domain.JobKind   `json:"kind" yaml:"kind"`
	Status     domain.JobStatus `json:"status" yaml:"status"`
	Progress   string           `json:"progress" yaml:"progress"`
	Error      string           `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  string           `json:"started_at" yaml:"started_at"`
	FinishedAt string           `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Config     interface{}      `json:"config,omitempty" yaml:"config,omitempty"`
	Report     interface{}      `json:"report,omitempty" yaml:"report,omitempty"`
}

func newJobView(j *domain.JobRecord) jobView {
	v := jobView{
		ID:        j.ID,
		Kind:      j.Kind,
		Status:    j.Status,
		Progress:  j.Progress,
		StartedAt: j.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Config:    decodeRaw(j.Config),
		Report:    decodeRaw(j.Report),
	}
	if j.Error != nil {
		v.Error = *j.Error
	}
	if j.FinishedAt != nil {
		v.FinishedAt = j.FinishedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return v
}

func decodeRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func runJobsShow(app *appctx.App, cmd *cobra.Command, args []string) error {
	r, err := newRenderer(cmd, app.Config)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if !id.IsUUID(args[0]) {
		return exitError(2, fmt.Errorf("invalid job id %q", args[0]))
	}
	job, err := app.Store.Jobs.Get(ctx, args[0])
	if errors.Is(err, domain.ErrNotFound) {
		return exitError(4, err)
	}
	if err != nil {
		return exitError(1, err)
	}

	view := newJobView(job)
	return r.Render(view, func(w io.Writer) error {
		fmt.Fprintf(w, "ID:        %s\n", view.ID)
		fmt.Fprintf(w, "Kind:      %s\n", view.Kind)
		fmt.Fprintf(w, "Status:    %s\n", view.Status)
		fmt.Fprintf(w, "Progress:  %s\n", view.Progress)
		fmt.Fprintf(w, "Started:   %s\n", formatTime(&job.StartedAt))
		fmt.Fprintf(w, "Finished:  %s\n", formatTime(job.FinishedAt))
		if view.Error != "" {
			fmt.Fprintf(w, "Error:     %s\n", view.Error)
		}
		if view.Report != nil {
			fmt.Fprintln(w, "\nReport:")
			enc := yaml.NewEncoder(&indentWriter{w: w, prefix: "  "})
			if err := enc.Encode(view.Report); err != nil {
				return err
			}
			return enc.Close()
		}
		return nil
	})
}

// indentWriter prefixes every line written through it
type indentWriter struct {
	w      io.Writer
	prefix string
	mid    bool
}

func (iw *indentWriter) Write(p []byte) (int, error) {
	for i, b := range p {
		if !iw.mid {
			if _, err := io.WriteString(iw.w, iw.prefix); err != nil {
				return i, err
			}
			iw.mid = true
		}
		if _, err := iw.w.Write([]byte{b}); err != nil {
			return i, err
		}
		if b == '\n' {
			iw.mid = false
		}
	}
	return len(p), nil
}
