// Package orchestrator drives a sync run: one job record, and for every
// board pair a fixed sequence of stages whose work fans out through the
// scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/lherron/cardsync/internal/config"
	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/ledger"
	"github.com/lherron/cardsync/internal/merge"
	"github.com/lherron/cardsync/internal/report"
	"github.com/lherron/cardsync/internal/scheduler"
	"github.com/lherron/cardsync/internal/store"
	"github.com/lherron/cardsync/internal/telemetry"
	"github.com/lherron/cardsync/internal/trello"
)

// Stage is a step of the per-board state machine
type Stage string

const (
	StageFetchSource    Stage = "FETCH_SOURCE"
	StageSyncLabels     Stage = "SYNC_LABELS"
	StageSyncLists      Stage = "SYNC_LISTS"
	StageSyncCards      Stage = "SYNC_CARDS"
	StageSyncComments   Stage = "SYNC_COMMENTS"
	StageSyncChecklists Stage = "SYNC_CHECKLISTS"
	StageDone           Stage = "DONE"
)

// Progress is emitted on every stage transition and finished task.
type Progress struct {
	JobID  string
	Board  string
	Stage  Stage
	Done   int
	Total  int
	Report *report.Report
}

// Marker is the compact form stored on the job record.
func (p Progress) Marker() string {
	return fmt.Sprintf("board=%s stage=%s", p.Board, p.Stage)
}

// BoardResult records how far a board got
type BoardResult struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Stage  Stage  `json:"stage" yaml:"stage"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunReport is what gets stored on the job record
type RunReport struct {
	report.Summary `yaml:",inline"`
	Boards         []BoardResult `json:"boards" yaml:"boards"`
}

// RunResult is returned by Run
type RunResult struct {
	Job    *domain.JobRecord
	Report RunReport
}

// Orchestrator runs sync jobs
type Orchestrator struct {
	Store     *store.Store
	Ledger    *ledger.Ledger
	Source    trello.Source
	Log       *log.Entry
	Telemetry *telemetry.Recorder

	// OnProgress, if set, is called from scheduler goroutines; it must be
	// cheap and safe for concurrent use.
	OnProgress func(Progress)
}

// New creates an orchestrator
func New(st *store.Store, l *ledger.Ledger, src trello.Source, logger *log.Entry) *Orchestrator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Orchestrator{Store: st, Ledger: l, Source: src, Log: logger}
}

// Run executes every board pair of run in order and finishes the job
// record with the report. Entity failures are reported, never returned;
// the returned error is set only when the whole run was aborted.
func (o *Orchestrator) Run(ctx context.Context, run *config.Run) (*RunResult, error) {
	run.ApplyDefaults()
	if err := run.Validate(); err != nil {
		return nil, err
	}

	job, err := o.Store.Jobs.Create(ctx, domain.JobKindSync, run)
	if err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}
	logger := o.Log.WithField("job", job.ID)
	logger.WithFields(log.Fields{"boards": len(run.Boards), "mode": run.Mode}).Info("sync started")

	rep := report.New()
	rep.OnRecord = func(t domain.EntityType, outcome domain.Outcome) {
		o.Telemetry.Entity(ctx, t, outcome)
	}
	engine := merge.New(o.Store, o.Ledger, o.Source, merge.Options{
		Users:  run.Users,
		Mode:   run.Mode,
		JobID:  job.ID,
		Stride: run.Stride,
		Log:    logger,
	})

	ctx, span := o.Telemetry.Start(ctx, "sync.run", attribute.String("job", job.ID))

	var (
		boards []BoardResult
		runErr error
	)
	for _, pair := range run.Boards {
		br := o.syncBoard(ctx, &boardRun{
			job:    job.ID,
			pair:   pair,
			run:    run,
			engine: engine,
			report: rep,
			log:    logger.WithField("board", pair.Source),
		})
		boards = append(boards, br.result)
		if br.err != nil && domain.IsSystemic(br.err) {
			runErr = fmt.Errorf("run aborted on board %s: %w", pair.Source, br.err)
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
	}
	telemetry.End(span, runErr)

	result := &RunResult{Report: RunReport{Summary: rep.Summary(), Boards: boards}}
	status := domain.JobStatusCompleted
	if runErr != nil {
		status = domain.JobStatusFailed
	}
	// The run's context may be done; the record must still be closed
	finishCtx := context.WithoutCancel(ctx)
	if err := o.Store.Jobs.Finish(finishCtx, job.ID, status, result.Report, runErr); err != nil {
		logger.WithError(err).Error("failed to finish job record")
	}
	result.Job, err = o.Store.Jobs.Get(finishCtx, job.ID)
	if err != nil {
		return result, errors.Join(runErr, err)
	}

	entry := logger.WithField("status", status)
	if runErr != nil {
		entry.WithError(runErr).Error("sync aborted")
	} else {
		entry.Info("sync finished")
	}
	return result, runErr
}

type boardRun struct {
	job    string
	pair   config.BoardPair
	run    *config.Run
	engine *merge.Engine
	report *report.Report
	log    *log.Entry
	board  *merge.Board

	result BoardResult
	err    error
}

func (o *Orchestrator) enter(ctx context.Context, br *boardRun, stage Stage, total int) {
	br.result.Stage = stage
	p := Progress{JobID: br.job, Board: br.pair.Source, Stage: stage, Total: total, Report: br.report}
	if err := o.Store.Jobs.SetProgress(ctx, br.job, p.Marker()); err != nil {
		br.log.WithError(err).Warn("failed to record progress")
	}
	br.log.WithFields(log.Fields{"stage": stage, "items": total}).Debug("entering stage")
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

func (o *Orchestrator) syncBoard(ctx context.Context, br *boardRun) *boardRun {
	br.result = BoardResult{Source: br.pair.Source, Target: br.pair.Target}
	ctx, span := o.Telemetry.Start(ctx, "sync.board",
		attribute.String("board.source", br.pair.Source),
		attribute.String("board.target", br.pair.Target))
	defer func() { telemetry.End(span, br.err) }()

	fail := func(stage Stage, err error) *boardRun {
		br.err = err
		br.result.Error = err.Error()
		br.report.BoardFailed(br.pair.Source, string(stage), err)
		br.log.WithError(err).WithField("stage", stage).Error("board aborted")
		return br
	}

	o.enter(ctx, br, StageFetchSource, 0)
	snap, comments, err := o.fetch(ctx, br.pair.Source)
	if err != nil {
		return fail(StageFetchSource, err)
	}
	br.board, err = br.engine.LoadBoard(ctx, br.pair.Source, br.pair.Target)
	if err != nil {
		return fail(StageFetchSource, err)
	}

	lists := snap.Lists
	if !br.run.IncludeArchivedLists {
		lists = openLists(lists)
	}
	conc := br.run.Concurrency

	stages := []func() error{
		func() error {
			return runStage(ctx, o, br, StageSyncLabels, domain.EntityLabel, conc.Labels, snap.Labels,
				func(l trello.Label) string { return l.ID }, br.engine.MergeLabel)
		},
		func() error {
			return runStage(ctx, o, br, StageSyncLists, domain.EntityList, conc.Lists, lists,
				func(l trello.List) string { return l.ID }, br.engine.MergeList)
		},
		func() error {
			return runStage(ctx, o, br, StageSyncCards, domain.EntityCard, conc.Cards, snap.Cards,
				func(c trello.Card) string { return c.ID }, br.engine.MergeCard)
		},
		func() error {
			return runStage(ctx, o, br, StageSyncComments, domain.EntityComment, conc.Comments, comments,
				func(c trello.Comment) string { return c.ID }, br.engine.MergeComment)
		},
		func() error {
			return runStage(ctx, o, br, StageSyncChecklists, domain.EntityChecklist, conc.Checklists, merge.Checklists(snap),
				func(r merge.ChecklistRef) string { return r.ChecklistID }, br.engine.MergeChecklist)
		},
	}
	for _, stage := range stages {
		if err := stage(); err != nil {
			return fail(br.result.Stage, err)
		}
	}

	o.enter(ctx, br, StageDone, 0)
	return br
}

// fetch loads the snapshot and the comment history concurrently.
func (o *Orchestrator) fetch(ctx context.Context, boardID string) (*trello.Snapshot, []trello.Comment, error) {
	var (
		snap     *trello.Snapshot
		comments []trello.Comment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = o.Source.FetchBoardSnapshot(gctx, boardID)
		return err
	})
	g.Go(func() error {
		var err error
		comments, err = o.Source.FetchComments(gctx, boardID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return snap, comments, nil
}

// runStage merges every item through a fresh scheduler. Per-entity errors
// go to the report; only a systemic error (bad credentials) or a cancelled
// context is returned.
func runStage[T any](
	ctx context.Context,
	o *Orchestrator,
	br *boardRun,
	stage Stage,
	t domain.EntityType,
	slots int,
	items []T,
	key func(T) string,
	mergeFn func(context.Context, *merge.Board, T) (domain.Outcome, error),
) error {
	o.enter(ctx, br, stage, len(items))
	ctx, span := o.Telemetry.Start(ctx, "sync.stage", attribute.String("stage", string(stage)))

	var opts []scheduler.Option
	if o.OnProgress != nil {
		opts = append(opts, scheduler.OnDone(func(done, total int) {
			o.OnProgress(Progress{JobID: br.job, Board: br.pair.Source, Stage: stage, Done: done, Total: total, Report: br.report})
		}))
	}

	res := scheduler.Run(ctx, scheduler.New(slots), items, key, func(ctx context.Context, item T) error {
		outcome, err := mergeFn(ctx, br.board, item)
		counted := br.report.Record(br.pair.Source, t, key(item), outcome, err)
		if err != nil {
			br.log.WithFields(log.Fields{"type": t, "source_id": key(item), "outcome": counted}).
				WithError(err).Debug("entity not merged")
		}
		if counted == domain.OutcomeFailed {
			return err
		}
		return nil
	}, opts...)

	var stageErr error
	for _, ie := range res.Errors {
		if domain.IsSystemic(ie.Err) {
			stageErr = ie.Err
			break
		}
	}
	if stageErr == nil {
		stageErr = ctx.Err()
	}
	telemetry.End(span, stageErr)

	br.log.WithFields(log.Fields{
		"stage":     stage,
		"total":     res.Total,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
	}).Info("stage finished")
	return stageErr
}

func openLists(lists []trello.List) []trello.List {
	out := make([]trello.List, 0, len(lists))
	for _, l := range lists {
		if !l.Closed {
			out = append(out, l)
		}
	}
	return out
}
