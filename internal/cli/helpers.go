package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/lherron/cardsync/internal/cli/appctx"
	"github.com/lherron/cardsync/internal/config"
	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
	"github.com/lherron/cardsync/internal/render"
	"github.com/lherron/cardsync/internal/runlock"
	"github.com/lherron/cardsync/internal/trello"
	"github.com/lherron/cardsync/internal/webhooks"
)

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return err
	}
	return &exitCodeError{code: code, err: err}
}

// commandContext returns the command's context, cancelled on SIGINT/SIGTERM
// and after --timeout when set.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// newRenderer honors --output and --porcelain, falling back to the config.
func newRenderer(cmd *cobra.Command, cfg *config.Config) (*render.Renderer, error) {
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = cfg.Output
	}
	format, err := render.ParseFormat(output)
	if err != nil {
		return nil, exitError(2, err)
	}
	porcelain, _ := cmd.Flags().GetBool("porcelain")
	return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format, Porcelain: porcelain}), nil
}

// parseBoardPairs parses --board source:target values
func parseBoardPairs(values []string) ([]config.BoardPair, error) {
	pairs := make([]config.BoardPair, 0, len(values))
	for _, v := range values {
		src, tgt, err := id.ParseBoardPair(v)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, config.BoardPair{Source: src, Target: tgt})
	}
	return pairs, nil
}

// loadRun reads --config and applies the shared run flags.
func loadRun(cmd *cobra.Command, path string, boards []string) (*config.Run, error) {
	run, err := config.LoadRun(path)
	if err != nil {
		return nil, exitError(2, err)
	}
	if len(boards) > 0 {
		pairs, err := parseBoardPairs(boards)
		if err != nil {
			return nil, exitError(2, err)
		}
		run.Boards = pairs
	}
	if cmd.Flags().Changed("mode") {
		mode, _ := cmd.Flags().GetString("mode")
		run.Mode = domain.SyncMode(mode)
	}
	if cmd.Flags().Changed("include-archived-lists") {
		run.IncludeArchivedLists, _ = cmd.Flags().GetBool("include-archived-lists")
	}
	return run, nil
}

// newSource builds the REST connector from the app config and run.
func newSource(app *appctx.App, run *config.Run) (*trello.Client, error) {
	if err := app.Config.RequireSourceCredentials(); err != nil {
		return nil, exitError(2, err)
	}
	client := trello.NewClient(app.Config.SourceBaseURL, app.Config.SourceKey, app.Config.SourceToken)
	if rps := app.Config.RequestsPerSec; rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		client.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	client.IncludeArchivedLists = run.IncludeArchivedLists
	client.Log = app.Log.WithField("component", "source")
	return client, nil
}

// withRunLock runs fn while holding the named lock when Redis is configured.
func withRunLock(ctx context.Context, app *appctx.App, name string, fn func(context.Context) error) error {
	locker, err := runlock.Open(app.Config.RedisURL, runlock.DefaultTTL)
	if err != nil {
		return exitError(2, err)
	}
	defer locker.Close()

	if !locker.Enabled() {
		return fn(ctx)
	}
	lease, err := locker.Acquire(ctx, name)
	if err != nil {
		return exitError(3, fmt.Errorf("cannot start %s: %w", name, err))
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			app.Log.WithError(err).Warn("failed to release run lock")
		}
	}()
	app.Log.WithField("lock", name).Debug("run lock acquired")
	return fn(ctx)
}

// notifyJob posts the finished job to every configured webhook.
func notifyJob(ctx context.Context, app *appctx.App, job *domain.JobRecord) {
	if job == nil || len(app.Config.NotifyURLs) == 0 {
		return
	}
	payload := webhooks.PayloadFor(job)
	targets := webhooks.ResolveTargets(app.Config.NotifyURLs, payload, app.Log)
	if len(targets) == 0 {
		return
	}
	d := webhooks.NewDispatcher(app.Log.WithField("component", "webhooks"))
	sent := d.Dispatch(context.WithoutCancel(ctx), targets, payload)
	app.Log.WithFields(log.Fields{"job": job.ID, "sent": sent, "targets": len(targets)}).Debug("job notifications sent")
}

// startProgress prints line() every interval until the returned stop is
// called. A non-positive interval disables it.
func startProgress(ctx context.Context, w io.Writer, interval time.Duration, line func(elapsed time.Duration) string) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	started := time.Now()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				fmt.Fprintln(w, line(time.Since(started).Round(time.Second)))
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

// progressWriter keeps progress lines out of machine-readable stdout.
func progressWriter(cmd *cobra.Command, r *render.Renderer) io.Writer {
	if r.Format() == render.FormatTable {
		return cmd.OutOrStdout()
	}
	return cmd.ErrOrStderr()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
