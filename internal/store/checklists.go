package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
)

// ChecklistStore handles checklists and their items.
type ChecklistStore struct {
	store *Store
}

// ChecklistCreateParams contains parameters for creating a checklist with items.
type ChecklistCreateParams struct {
	CardID   string
	Title    string
	Position float64
	Items    []domain.ChecklistItem
}

// Create inserts the checklist and all items, then runs hook, in one transaction.
func (cs *ChecklistStore) Create(ctx context.Context, params ChecklistCreateParams, hook TxHook) (string, error) {
	checklistID := id.New()
	err := cs.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO checklists (id, card_id, title, position) VALUES (?, ?, ?, ?)`,
			checklistID, params.CardID, params.Title, params.Position)
		if err != nil {
			return writeErr("create checklist", err)
		}

		for _, item := range params.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO checklist_items (id, checklist_id, title, checked, position)
				VALUES (?, ?, ?, ?, ?)`,
				id.New(), checklistID, item.Title, item.Checked, item.Position)
			if err != nil {
				return writeErr("create checklist item", err)
			}
		}

		return runHook(tx, hook, checklistID)
	})
	if err != nil {
		return "", err
	}
	return checklistID, nil
}

// ForCard returns a card's checklists with items, ordered by position.
func (cs *ChecklistStore) ForCard(ctx context.Context, cardID string) ([]domain.Checklist, error) {
	rows, err := cs.store.db.QueryContext(ctx, `
		SELECT id, card_id, title, position FROM checklists
		WHERE card_id = ? ORDER BY position, id`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checklists: %w", err)
	}

	var lists []domain.Checklist
	for rows.Next() {
		var c domain.Checklist
		if err := rows.Scan(&c.ID, &c.CardID, &c.Title, &c.Position); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan checklist: %w", err)
		}
		lists = append(lists, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range lists {
		items, err := cs.items(ctx, lists[i].ID)
		if err != nil {
			return nil, err
		}
		lists[i].Items = items
	}
	return lists, nil
}

func (cs *ChecklistStore) items(ctx context.Context, checklistID string) ([]domain.ChecklistItem, error) {
	rows, err := cs.store.db.QueryContext(ctx, `
		SELECT id, title, checked, position FROM checklist_items
		WHERE checklist_id = ? ORDER BY position, id`, checklistID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checklist items: %w", err)
	}
	defer rows.Close()

	var items []domain.ChecklistItem
	for rows.Next() {
		var it domain.ChecklistItem
		if err := rows.Scan(&it.ID, &it.Title, &it.Checked, &it.Position); err != nil {
			return nil, fmt.Errorf("failed to scan checklist item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
