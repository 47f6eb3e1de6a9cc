// Package ledger persists the source-to-target entity mapping that makes
// every sync run idempotent. Entries are insert-only; the reconcile repair
// path is the only caller allowed to rewrite a target id.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lherron/cardsync/internal/db"
	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/paging"
)

// DefaultPageSize is the LoadAll window
const DefaultPageSize = 1000

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger is the entity mapping store
type Ledger struct {
	db       *db.DB
	PageSize int
}

// New creates a ledger over the given database
func New(database *db.DB) *Ledger {
	return &Ledger{db: database, PageSize: DefaultPageSize}
}

// Get returns the target id mapped to (t, sourceID), if any.
func (l *Ledger) Get(ctx context.Context, t domain.EntityType, sourceID string) (string, bool, error) {
	var targetID string
	err := l.db.QueryRowContext(ctx,
		`SELECT target_id FROM entity_mappings WHERE source_type = ? AND source_id = ?`,
		t, sourceID).Scan(&targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up %s mapping %s: %w", t, sourceID, err)
	}
	return targetID, true, nil
}

// Entry returns the full mapping entry or domain.ErrNotFound.
func (l *Ledger) Entry(ctx context.Context, t domain.EntityType, sourceID string) (*domain.MappingEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, source_type, source_id, target_id, job_id, metadata, created_at
		FROM entity_mappings WHERE source_type = ? AND source_id = ?`, t, sourceID)
	_, entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s mapping %s: %w", t, sourceID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Put records a mapping. Re-recording the same target is a no-op; a
// different target fails with *domain.MappingConflictError.
func (l *Ledger) Put(ctx context.Context, entry domain.MappingEntry) error {
	return l.put(ctx, l.db.DB, entry)
}

// PutTx is Put inside the caller's transaction, so the mapping commits
// atomically with the entity it points at.
func (l *Ledger) PutTx(ctx context.Context, tx *sql.Tx, entry domain.MappingEntry) error {
	return l.put(ctx, tx, entry)
}

func (l *Ledger) put(ctx context.Context, ex execer, entry domain.MappingEntry) error {
	if entry.SourceID == "" || entry.TargetID == "" {
		return fmt.Errorf("mapping requires source and target ids")
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping metadata: %w", err)
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO entity_mappings (job_id, source_type, source_id, target_id, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_type, source_id) DO NOTHING`,
		nullString(entry.JobID), entry.SourceType, entry.SourceID, entry.TargetID, string(meta))
	if err != nil {
		return &domain.StoreWriteError{Op: "put mapping", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &domain.StoreWriteError{Op: "put mapping", Err: err}
	}
	if n == 1 {
		return nil
	}

	var existing string
	err = ex.QueryRowContext(ctx,
		`SELECT target_id FROM entity_mappings WHERE source_type = ? AND source_id = ?`,
		entry.SourceType, entry.SourceID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to read existing %s mapping %s: %w", entry.SourceType, entry.SourceID, err)
	}
	if existing != entry.TargetID {
		return &domain.MappingConflictError{
			Type:           entry.SourceType,
			SourceID:       entry.SourceID,
			ExistingTarget: existing,
			ProposedTarget: entry.TargetID,
		}
	}
	return nil
}

// Update rewrites the target of an existing mapping. Repair path only.
func (l *Ledger) Update(ctx context.Context, t domain.EntityType, sourceID, newTargetID string) error {
	return l.update(ctx, l.db.DB, t, sourceID, newTargetID)
}

// UpdateTx is Update inside the caller's transaction.
func (l *Ledger) UpdateTx(ctx context.Context, tx *sql.Tx, t domain.EntityType, sourceID, newTargetID string) error {
	return l.update(ctx, tx, t, sourceID, newTargetID)
}

func (l *Ledger) update(ctx context.Context, ex execer, t domain.EntityType, sourceID, newTargetID string) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE entity_mappings SET target_id = ? WHERE source_type = ? AND source_id = ?`,
		newTargetID, t, sourceID)
	if err != nil {
		return &domain.StoreWriteError{Op: "update mapping", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &domain.StoreWriteError{Op: "update mapping", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%s mapping %s: %w", t, sourceID, domain.ErrNotFound)
	}
	return nil
}

// LoadAll returns every mapping of the given type in insertion order. The
// table is read in PageSize windows; callers never see the pages.
func (l *Ledger) LoadAll(ctx context.Context, t domain.EntityType) ([]domain.MappingEntry, error) {
	pageSize := l.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	entries, err := paging.Drain(ctx, pageSize, func(ctx context.Context, cursor string, limit int) ([]domain.MappingEntry, string, error) {
		var after int64
		if cursor != "" {
			after, _ = strconv.ParseInt(cursor, 10, 64)
		}
		return l.page(ctx, t, after, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s mappings: %w", t, err)
	}
	return entries, nil
}

func (l *Ledger) page(ctx context.Context, t domain.EntityType, after int64, limit int) ([]domain.MappingEntry, string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, source_type, source_id, target_id, job_id, metadata, created_at
		FROM entity_mappings
		WHERE source_type = ? AND id > ?
		ORDER BY id
		LIMIT ?`, t, after, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var entries []domain.MappingEntry
	last := after
	for rows.Next() {
		rowID, entry, err := scanEntry(rows)
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, *entry)
		last = rowID
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return entries, strconv.FormatInt(last, 10), nil
}

// Count returns the number of mappings of the given type
func (l *Ledger) Count(ctx context.Context, t domain.EntityType) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_mappings WHERE source_type = ?`, t).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s mappings: %w", t, err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (int64, *domain.MappingEntry, error) {
	var (
		rowID     int64
		entry     domain.MappingEntry
		jobID     sql.NullString
		meta      sql.NullString
		createdAt string
	)
	if err := s.Scan(&rowID, &entry.SourceType, &entry.SourceID, &entry.TargetID, &jobID, &meta, &createdAt); err != nil {
		return 0, nil, err
	}
	entry.JobID = jobID.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &entry.Metadata); err != nil {
			return 0, nil, fmt.Errorf("invalid metadata on mapping %d: %w", rowID, err)
		}
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return rowID, &entry, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
