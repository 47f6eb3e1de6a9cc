package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
)

// PlacementStore handles card-to-list placements.
type PlacementStore struct {
	store *Store
}

// Create adds a placement for an existing card.
func (ps *PlacementStore) Create(ctx context.Context, p domain.Placement) (string, error) {
	var placementID string
	err := ps.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		placementID, err = insertPlacement(ctx, tx, p.CardID, p.ListID, p.Position, p.IsMirror)
		return err
	})
	if err != nil {
		return "", err
	}
	return placementID, nil
}

// Move relocates a placement to another list and position.
func (ps *PlacementStore) Move(ctx context.Context, placementID, listID string, position float64) error {
	res, err := ps.store.db.ExecContext(ctx,
		`UPDATE card_placements SET list_id = ?, position = ? WHERE id = ?`,
		listID, position, placementID)
	if err != nil {
		return writeErr("move placement", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("placement %s: %w", placementID, domain.ErrNotFound)
	}
	return nil
}

// ForCard returns all placements of a card, non-mirror first.
func (ps *PlacementStore) ForCard(ctx context.Context, cardID string) ([]domain.Placement, error) {
	return ps.query(ctx, `
		SELECT id, card_id, list_id, position, is_mirror FROM card_placements
		WHERE card_id = ? ORDER BY is_mirror, position`, cardID)
}

// ForList returns the placements in a list ordered by position.
func (ps *PlacementStore) ForList(ctx context.Context, listID string) ([]domain.Placement, error) {
	return ps.query(ctx, `
		SELECT id, card_id, list_id, position, is_mirror FROM card_placements
		WHERE list_id = ? ORDER BY position, id`, listID)
}

// PlacedCardIDs returns which of the given cards have at least one
// non-mirror placement.
func (ps *PlacementStore) PlacedCardIDs(ctx context.Context, cardIDs []string) (map[string]bool, error) {
	found, err := ps.store.idSet(ctx,
		`SELECT DISTINCT card_id FROM card_placements WHERE is_mirror = 0 AND card_id IN (%s)`, cardIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to check placements: %w", err)
	}
	return found, nil
}

// MaxPosition returns the highest position in a list, 0 when empty.
func (ps *PlacementStore) MaxPosition(ctx context.Context, listID string) (float64, error) {
	var max sql.NullFloat64
	err := ps.store.db.QueryRowContext(ctx,
		`SELECT MAX(position) FROM card_placements WHERE list_id = ?`, listID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max placement position: %w", err)
	}
	return max.Float64, nil
}

func (ps *PlacementStore) query(ctx context.Context, query string, args ...interface{}) ([]domain.Placement, error) {
	rows, err := ps.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query placements: %w", err)
	}
	defer rows.Close()

	var out []domain.Placement
	for rows.Next() {
		var p domain.Placement
		if err := rows.Scan(&p.ID, &p.CardID, &p.ListID, &p.Position, &p.IsMirror); err != nil {
			return nil, fmt.Errorf("failed to scan placement: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func insertPlacement(ctx context.Context, tx *sql.Tx, cardID, listID string, position float64, mirror bool) (string, error) {
	placementID := id.New()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO card_placements (id, card_id, list_id, position, is_mirror)
		VALUES (?, ?, ?, ?, ?)`, placementID, cardID, listID, position, mirror)
	if err != nil {
		return "", writeErr("create placement", err)
	}
	return placementID, nil
}
