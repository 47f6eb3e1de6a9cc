// Package store provides typed access to the target schema. Every create
// runs in a single transaction and accepts a TxHook so callers can record
// bookkeeping (the mapping ledger) atomically with the new row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lherron/cardsync/internal/db"
	"github.com/lherron/cardsync/internal/domain"
)

// TxHook runs inside a create transaction after the row is inserted. An
// error rolls back the whole create.
type TxHook func(tx *sql.Tx, id string) error

// Store is the root store that provides access to domain-specific stores.
type Store struct {
	db *db.DB

	Boards     *BoardStore
	Lists      *ListStore
	Labels     *LabelStore
	Cards      *CardStore
	Placements *PlacementStore
	Comments   *CommentStore
	Checklists *ChecklistStore
	Jobs       *JobStore
}

// New creates a new Store wrapping the given database connection.
func New(database *db.DB) *Store {
	s := &Store{db: database}
	s.Boards = &BoardStore{store: s}
	s.Lists = &ListStore{store: s}
	s.Labels = &LabelStore{store: s}
	s.Cards = &CardStore{store: s}
	s.Placements = &PlacementStore{store: s}
	s.Comments = &CommentStore{store: s}
	s.Checklists = &ChecklistStore{store: s}
	s.Jobs = &JobStore{store: s}
	return s
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

// withTx executes fn within a transaction. If fn returns nil, the transaction
// is committed; otherwise it is rolled back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// runHook invokes an optional TxHook.
func runHook(tx *sql.Tx, hook TxHook, id string) error {
	if hook == nil {
		return nil
	}
	return hook(tx, id)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// idSet queries a single id column for the given ids and returns the ones
// that came back. query must contain one %s for the IN list.
func (s *Store) idSet(ctx context.Context, query string, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(query, placeholders(len(ids))), stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	return found, rows.Err()
}

func formatTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.StoreWriteError{Op: op, Err: err}
}
