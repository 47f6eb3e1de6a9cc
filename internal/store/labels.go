package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
)

// LabelStore handles label persistence.
type LabelStore struct {
	store *Store
}

// LabelCreateParams contains parameters for creating a label.
type LabelCreateParams struct {
	BoardID string
	Name    string
	Color   string
}

// Create inserts a label and runs hook in the same transaction.
func (ls *LabelStore) Create(ctx context.Context, params LabelCreateParams, hook TxHook) (string, error) {
	labelID := id.New()
	err := ls.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO labels (id, board_id, name, color) VALUES (?, ?, ?, ?)`,
			labelID, params.BoardID, params.Name, params.Color)
		if err != nil {
			return writeErr("create label", err)
		}
		return runHook(tx, hook, labelID)
	})
	if err != nil {
		return "", err
	}
	return labelID, nil
}

// ByBoard returns the board's labels ordered by name.
func (ls *LabelStore) ByBoard(ctx context.Context, boardID string) ([]domain.Label, error) {
	rows, err := ls.store.db.QueryContext(ctx, `
		SELECT id, board_id, name, color FROM labels
		WHERE board_id = ? ORDER BY name, id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var labels []domain.Label
	for rows.Next() {
		var l domain.Label
		if err := rows.Scan(&l.ID, &l.BoardID, &l.Name, &l.Color); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}
