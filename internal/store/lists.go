package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
)

// ListStore handles list persistence.
type ListStore struct {
	store *Store
}

// ListCreateParams contains parameters for creating a list.
type ListCreateParams struct {
	BoardID  string
	Name     string
	Position float64
	Archived bool
}

// Create inserts a list and runs hook in the same transaction.
func (ls *ListStore) Create(ctx context.Context, params ListCreateParams, hook TxHook) (string, error) {
	listID := id.New()
	err := ls.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lists (id, board_id, name, position, archived)
			VALUES (?, ?, ?, ?, ?)`,
			listID, params.BoardID, params.Name, params.Position, params.Archived)
		if err != nil {
			return writeErr("create list", err)
		}
		return runHook(tx, hook, listID)
	})
	if err != nil {
		return "", err
	}
	return listID, nil
}

// ByBoard returns the board's lists ordered by position.
func (ls *ListStore) ByBoard(ctx context.Context, boardID string) ([]domain.List, error) {
	rows, err := ls.store.db.QueryContext(ctx, `
		SELECT id, board_id, name, position, archived
		FROM lists WHERE board_id = ?
		ORDER BY position, id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lists: %w", err)
	}
	defer rows.Close()

	var lists []domain.List
	for rows.Next() {
		var l domain.List
		if err := rows.Scan(&l.ID, &l.BoardID, &l.Name, &l.Position, &l.Archived); err != nil {
			return nil, fmt.Errorf("failed to scan list: %w", err)
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

// Exists reports whether a list row exists.
func (ls *ListStore) Exists(ctx context.Context, listID string) (bool, error) {
	found, err := ls.store.idSet(ctx, `SELECT id FROM lists WHERE id IN (%s)`, []string{listID})
	if err != nil {
		return false, fmt.Errorf("failed to check list: %w", err)
	}
	return found[listID], nil
}

// MaxPosition returns the highest list position on a board, 0 when empty.
func (ls *ListStore) MaxPosition(ctx context.Context, boardID string) (float64, error) {
	var max sql.NullFloat64
	err := ls.store.db.QueryRowContext(ctx,
		`SELECT MAX(position) FROM lists WHERE board_id = ?`, boardID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max list position: %w", err)
	}
	return max.Float64, nil
}
