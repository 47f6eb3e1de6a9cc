package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
	"github.com/lherron/cardsync/internal/paging"
)

// JobStore handles sync job records. A job row is only ever written by the
// run that created it.
type JobStore struct {
	store *Store
}

// Create inserts a running job with a JSON snapshot of its configuration.
func (js *JobStore) Create(ctx context.Context, kind domain.JobKind, config interface{}) (*domain.JobRecord, error) {
	if err := domain.ValidateJobKind(string(kind)); err != nil {
		return nil, err
	}
	cfg, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job config: %w", err)
	}

	jobID := id.New()
	_, err = js.store.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, kind, status, config) VALUES (?, ?, ?, ?)`,
		jobID, kind, domain.JobStatusRunning, string(cfg))
	if err != nil {
		return nil, writeErr("create job", err)
	}
	return js.Get(ctx, jobID)
}

// SetProgress records the current stage marker of a running job.
func (js *JobStore) SetProgress(ctx context.Context, jobID, marker string) error {
	_, err := js.store.db.ExecContext(ctx,
		`UPDATE sync_jobs SET progress = ? WHERE id = ? AND status = ?`,
		marker, jobID, domain.JobStatusRunning)
	return writeErr("update job progress", err)
}

// Finish marks a job completed or failed and stores its final report.
func (js *JobStore) Finish(ctx context.Context, jobID string, status domain.JobStatus, report interface{}, runErr error) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal job report: %w", err)
	}
	var errMsg interface{}
	if runErr != nil {
		errMsg = runErr.Error()
	}

	res, err := js.store.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = ?, report = ?, error = ?,
			finished_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
		WHERE id = ?`, status, string(data), errMsg, jobID)
	if err != nil {
		return writeErr("finish job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

// Get returns a job by id, or domain.ErrNotFound.
func (js *JobStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	row := js.store.db.QueryRowContext(ctx, `
		SELECT id, kind, status, config, report, progress, error, started_at, finished_at
		FROM sync_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns up to limit jobs, newest first, starting after cursor. The
// returned cursor is empty when there are no more rows.
func (js *JobStore) List(ctx context.Context, limit int, cursor string) ([]domain.JobRecord, string, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, kind, status, config, report, progress, error, started_at, finished_at
		FROM sync_jobs`
	var args []interface{}
	if cursor != "" {
		c, err := paging.Decode(cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` WHERE (started_at < ?) OR (started_at = ? AND id < ?)`
		args = append(args, c.SortValue, c.SortValue, c.LastID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := js.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(jobs) > limit {
		jobs = jobs[:limit]
		last := jobs[len(jobs)-1]
		c := &paging.Cursor{SortValue: last.StartedAt.UTC().Format("2006-01-02T15:04:05Z"), LastID: last.ID}
		if next, err = c.Encode(); err != nil {
			return nil, "", err
		}
	}
	return jobs, next, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s rowScanner) (*domain.JobRecord, error) {
	var (
		job                  domain.JobRecord
		config, report, errS sql.NullString
		startedAt            string
		finishedAt           sql.NullString
	)
	if err := s.Scan(&job.ID, &job.Kind, &job.Status, &config, &report, &job.Progress, &errS, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	if config.Valid {
		job.Config = json.RawMessage(config.String)
	}
	if report.Valid {
		job.Report = json.RawMessage(report.String)
	}
	if errS.Valid {
		job.Error = &errS.String
	}
	job.StartedAt = parseTime(startedAt)
	job.FinishedAt = parseNullTime(finishedAt)
	return &job, nil
}
