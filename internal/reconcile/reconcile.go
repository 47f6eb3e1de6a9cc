// Package reconcile finds mapped cards that lost their target row or their
// placement and repairs them from the source.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lherron/cardsync/internal/config"
	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/ledger"
	"github.com/lherron/cardsync/internal/merge"
	"github.com/lherron/cardsync/internal/scheduler"
	"github.com/lherron/cardsync/internal/store"
	"github.com/lherron/cardsync/internal/telemetry"
	"github.com/lherron/cardsync/internal/trello"
)

// Kind classifies a mapped card
type Kind string

const (
	KindHealthy    Kind = "healthy"
	KindUnplaced   Kind = "unplaced"
	KindRowDeleted Kind = "row_deleted"
)

// Action is what the repair did with an orphan
type Action string

const (
	ActionPlaced    Action = "placed"
	ActionRecreated Action = "recreated"
	ActionGone      Action = "gone"
	ActionSkipped   Action = "skipped"
	ActionFailed    Action = "failed"
)

// Orphan is a mapped card that needs repair
type Orphan struct {
	Entry domain.MappingEntry
	Kind  Kind
}

// ScanResult partitions the card ledger
type ScanResult struct {
	Total      int      `json:"total" yaml:"total"`
	Healthy    int      `json:"healthy" yaml:"healthy"`
	Unplaced   []Orphan `json:"-" yaml:"-"`
	RowDeleted []Orphan `json:"-" yaml:"-"`
}

// Orphans returns all orphans in ledger order
func (s *ScanResult) Orphans() []Orphan {
	out := make([]Orphan, 0, len(s.Unplaced)+len(s.RowDeleted))
	out = append(out, s.Unplaced...)
	out = append(out, s.RowDeleted...)
	return out
}

// Repair records one repaired (or unrepairable) orphan
type Repair struct {
	SourceID  string `json:"source_id" yaml:"source_id"`
	Board     string `json:"board" yaml:"board"`
	Kind      Kind   `json:"kind" yaml:"kind"`
	Action    Action `json:"action" yaml:"action"`
	OldTarget string `json:"old_target" yaml:"old_target"`
	NewTarget string `json:"new_target,omitempty" yaml:"new_target,omitempty"`
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Summary is the report stored on the reconcile job
type Summary struct {
	DryRun     bool           `json:"dry_run" yaml:"dry_run"`
	Scanned    int            `json:"scanned" yaml:"scanned"`
	Healthy    int            `json:"healthy" yaml:"healthy"`
	Unplaced   int            `json:"unplaced" yaml:"unplaced"`
	RowDeleted int            `json:"row_deleted" yaml:"row_deleted"`
	Actions    map[Action]int `json:"actions" yaml:"actions"`
	Repairs    []Repair       `json:"repairs,omitempty" yaml:"repairs,omitempty"`
}

// Repaired returns the number of orphans actually fixed
func (s Summary) Repaired() int {
	return s.Actions[ActionPlaced] + s.Actions[ActionRecreated]
}

// Options controls a reconcile run
type Options struct {
	DryRun bool
}

// Result is returned by Run
type Result struct {
	Job     *domain.JobRecord
	Summary Summary
}

// Reconciler scans the card ledger and repairs orphans
type Reconciler struct {
	Store     *store.Store
	Ledger    *ledger.Ledger
	Source    trello.Source
	Log       *log.Entry
	Telemetry *telemetry.Recorder

	BatchSize int
	Slots     int
	Stride    float64
	Users     map[string]string
}

// New creates a reconciler tuned by run.
func New(st *store.Store, l *ledger.Ledger, src trello.Source, run *config.Run, logger *log.Entry) *Reconciler {
	run.ApplyDefaults()
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Reconciler{
		Store:     st,
		Ledger:    l,
		Source:    src,
		Log:       logger,
		BatchSize: run.ReconcileBatchSize,
		Slots:     run.Concurrency.Cards,
		Stride:    run.Stride,
		Users:     run.Users,
	}
}

// Scan classifies every mapped card. Order follows the ledger, so two
// scans of the same state produce the same result.
func (r *Reconciler) Scan(ctx context.Context) (*ScanResult, error) {
	entries, err := r.Ledger.LoadAll(ctx, domain.EntityCard)
	if err != nil {
		return nil, err
	}

	batch := r.BatchSize
	if batch <= 0 {
		batch = config.DefaultReconcileBatchSize
	}

	res := &ScanResult{Total: len(entries)}
	for start := 0; start < len(entries); start += batch {
		end := min(start+batch, len(entries))
		chunk := entries[start:end]

		ids := make([]string, len(chunk))
		for i, e := range chunk {
			ids[i] = e.TargetID
		}
		exists, err := r.Store.Cards.ExistingIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		placed, err := r.Store.Placements.PlacedCardIDs(ctx, ids)
		if err != nil {
			return nil, err
		}

		for _, e := range chunk {
			switch {
			case !exists[e.TargetID]:
				res.RowDeleted = append(res.RowDeleted, Orphan{Entry: e, Kind: KindRowDeleted})
			case !placed[e.TargetID]:
				res.Unplaced = append(res.Unplaced, Orphan{Entry: e, Kind: KindUnplaced})
			default:
				res.Healthy++
			}
		}
	}

	r.Log.WithFields(log.Fields{
		"scanned":     res.Total,
		"healthy":     res.Healthy,
		"unplaced":    len(res.Unplaced),
		"row_deleted": len(res.RowDeleted),
	}).Info("reconcile scan finished")
	return res, nil
}

// Run scans and, unless opts.DryRun, repairs. It records a reconcile job.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*Result, error) {
	job, err := r.Store.Jobs.Create(ctx, domain.JobKindReconcile, map[string]interface{}{
		"dry_run":    opts.DryRun,
		"batch_size": r.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}
	logger := r.Log.WithField("job", job.ID)

	ctx, span := r.Telemetry.Start(ctx, "reconcile.run", attribute.Bool("dry_run", opts.DryRun))
	summary, runErr := r.run(ctx, job.ID, opts, logger)
	telemetry.End(span, runErr)

	status := domain.JobStatusCompleted
	if runErr != nil {
		status = domain.JobStatusFailed
	}
	finishCtx := context.WithoutCancel(ctx)
	if err := r.Store.Jobs.Finish(finishCtx, job.ID, status, summary, runErr); err != nil {
		logger.WithError(err).Error("failed to finish job record")
	}
	result := &Result{Summary: summary}
	if job, err := r.Store.Jobs.Get(finishCtx, job.ID); err == nil {
		result.Job = job
	}
	return result, runErr
}

func (r *Reconciler) run(ctx context.Context, jobID string, opts Options, logger *log.Entry) (Summary, error) {
	summary := Summary{DryRun: opts.DryRun, Actions: map[Action]int{}}

	if err := r.Store.Jobs.SetProgress(ctx, jobID, "stage=SCAN"); err != nil {
		logger.WithError(err).Warn("failed to record progress")
	}
	scan, err := r.Scan(ctx)
	if err != nil {
		return summary, err
	}
	summary.Scanned = scan.Total
	summary.Healthy = scan.Healthy
	summary.Unplaced = len(scan.Unplaced)
	summary.RowDeleted = len(scan.RowDeleted)
	if opts.DryRun {
		for _, o := range scan.Orphans() {
			summary.Repairs = append(summary.Repairs, Repair{
				SourceID:  o.Entry.SourceID,
				Board:     o.Entry.Metadata.Board,
				Kind:      o.Kind,
				OldTarget: o.Entry.TargetID,
			})
		}
		return summary, nil
	}

	if err := r.Store.Jobs.SetProgress(ctx, jobID, "stage=REPAIR"); err != nil {
		logger.WithError(err).Warn("failed to record progress")
	}
	repairs, err := r.Repair(ctx, jobID, scan)
	summary.Repairs = repairs
	for _, rp := range repairs {
		summary.Actions[rp.Action]++
	}
	logger.WithFields(log.Fields{
		"repaired": summary.Repaired(),
		"gone":     summary.Actions[ActionGone],
		"skipped":  summary.Actions[ActionSkipped],
		"failed":   summary.Actions[ActionFailed],
	}).Info("reconcile repair finished")
	return summary, err
}

// Repair fixes the orphans of scan. Each source board is fetched once.
// Only a systemic source error is returned; everything else is reported
// per orphan.
func (r *Reconciler) Repair(ctx context.Context, jobID string, scan *ScanResult) ([]Repair, error) {
	orphans := scan.Orphans()
	if len(orphans) == 0 {
		return nil, nil
	}

	engine := merge.New(r.Store, r.Ledger, r.Source, merge.Options{
		Users:  r.Users,
		JobID:  jobID,
		Stride: r.Stride,
		Log:    r.Log,
	})

	byBoard := make(map[string][]Orphan)
	for _, o := range orphans {
		byBoard[o.Entry.Metadata.Board] = append(byBoard[o.Entry.Metadata.Board], o)
	}
	boards := make([]string, 0, len(byBoard))
	for b := range byBoard {
		boards = append(boards, b)
	}
	sort.Strings(boards)

	var repairs []Repair
	for _, board := range boards {
		done, err := r.repairBoard(ctx, engine, board, byBoard[board])
		repairs = append(repairs, done...)
		if err != nil {
			return repairs, err
		}
	}
	return repairs, nil
}

func (r *Reconciler) repairBoard(ctx context.Context, engine *merge.Engine, board string, orphans []Orphan) ([]Repair, error) {
	logger := r.Log.WithField("board", board)
	skipAll := func(action Action, reason string) []Repair {
		out := make([]Repair, len(orphans))
		for i, o := range orphans {
			out[i] = newRepair(o, board)
			out[i].Action = action
			out[i].Reason = reason
		}
		return out
	}

	if board == "" {
		return skipAll(ActionSkipped, "mapping has no source board"), nil
	}
	targetBoard, ok, err := r.Ledger.Get(ctx, domain.EntityBoard, board)
	if err != nil {
		return skipAll(ActionFailed, err.Error()), nil
	}
	if !ok {
		return skipAll(ActionSkipped, "source board not mapped"), nil
	}

	snap, err := r.Source.FetchBoardSnapshot(ctx, board)
	if err != nil {
		logger.WithError(err).Error("failed to fetch board for repair")
		if domain.IsSystemic(err) {
			return skipAll(ActionFailed, err.Error()), err
		}
		return skipAll(ActionFailed, err.Error()), nil
	}

	repairs := make([]Repair, len(orphans))
	idx := make(map[string]int, len(orphans))
	for i, o := range orphans {
		repairs[i] = newRepair(o, board)
		idx[o.Entry.SourceID] = i
	}

	var mu sync.Mutex
	set := func(sourceID string, fn func(*Repair)) {
		mu.Lock()
		defer mu.Unlock()
		fn(&repairs[idx[sourceID]])
	}

	scheduler.Run(ctx, scheduler.New(r.Slots), orphans,
		func(o Orphan) string { return o.Entry.SourceID },
		func(ctx context.Context, o Orphan) error {
			action, newTarget, err := r.repairOne(ctx, engine, snap, targetBoard, o)
			set(o.Entry.SourceID, func(rp *Repair) {
				rp.Action = action
				rp.NewTarget = newTarget
				if err != nil {
					rp.Reason = err.Error()
				}
			})
			if err != nil {
				logger.WithFields(log.Fields{"source_id": o.Entry.SourceID, "action": action}).WithError(err).Warn("orphan not repaired")
			}
			return err
		})

	// Tasks that never started (context done) are still unset
	for i := range repairs {
		if repairs[i].Action == "" {
			repairs[i].Action = ActionFailed
			if err := ctx.Err(); err != nil {
				repairs[i].Reason = err.Error()
			}
		}
	}
	return repairs, ctx.Err()
}

func (r *Reconciler) repairOne(ctx context.Context, engine *merge.Engine, snap *trello.Snapshot, targetBoard string, o Orphan) (Action, string, error) {
	card, ok := snap.Card(o.Entry.SourceID)
	if !ok {
		return ActionGone, "", nil
	}

	switch o.Kind {
	case KindUnplaced:
		if _, err := engine.PlaceCard(ctx, card, o.Entry.TargetID); err != nil {
			return failure(err), "", err
		}
		r.Telemetry.Entity(ctx, domain.EntityCard, domain.OutcomeUpdated)
		return ActionPlaced, o.Entry.TargetID, nil

	case KindRowDeleted:
		newID, err := engine.RecreateCard(ctx, targetBoard, card, func(tx *sql.Tx, newID string) error {
			return r.Ledger.UpdateTx(ctx, tx, domain.EntityCard, card.ID, newID)
		})
		if err != nil {
			return failure(err), "", err
		}
		r.Telemetry.Entity(ctx, domain.EntityCard, domain.OutcomeCreated)
		return ActionRecreated, newID, nil
	}
	return ActionSkipped, "", fmt.Errorf("nothing to repair for %s card", o.Kind)
}

func failure(err error) Action {
	if domain.IsSkip(err) {
		return ActionSkipped
	}
	return ActionFailed
}

func newRepair(o Orphan, board string) Repair {
	return Repair{SourceID: o.Entry.SourceID, Board: board, Kind: o.Kind, OldTarget: o.Entry.TargetID}
}
