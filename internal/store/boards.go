package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
)

// BoardStore handles board persistence. Boards are owned by the destination
// application; the sync only reads them, except for bootstrapping.
type BoardStore struct {
	store *Store
}

// Create inserts a new board and returns its id.
func (bs *BoardStore) Create(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("board name is required")
	}
	boardID := id.New()
	_, err := bs.store.db.ExecContext(ctx, `INSERT INTO boards (id, name) VALUES (?, ?)`, boardID, name)
	if err != nil {
		return "", writeErr("create board", err)
	}
	return boardID, nil
}

// Get returns a board by id, or domain.ErrNotFound.
func (bs *BoardStore) Get(ctx context.Context, boardID string) (*domain.Board, error) {
	var b domain.Board
	var createdAt, updatedAt string
	err := bs.store.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM boards WHERE id = ?`, boardID).
		Scan(&b.ID, &b.Name, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get board: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

// List returns all boards ordered by name.
func (bs *BoardStore) List(ctx context.Context) ([]domain.Board, error) {
	rows, err := bs.store.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM boards ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list boards: %w", err)
	}
	defer rows.Close()

	var boards []domain.Board
	for rows.Next() {
		var b domain.Board
		var createdAt, updatedAt string
		if err := rows.Scan(&b.ID, &b.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan board: %w", err)
		}
		b.CreatedAt = parseTime(createdAt)
		b.UpdatedAt = parseTime(updatedAt)
		boards = append(boards, b)
	}
	return boards, rows.Err()
}
