package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
)

// CardStore handles card persistence.
type CardStore struct {
	store *Store
}

// CardCreateParams contains parameters for creating a card together with its
// label links, assignees and a single non-mirror placement.
type CardCreateParams struct {
	BoardID     string
	Title       string
	Description string
	DueAt       *time.Time
	Priority    domain.Priority
	LabelIDs    []string
	Assignees   []string
	ListID      string
	Position    float64
}

// CardUpdate describes a partial card update. Nil slices leave the
// corresponding link table alone.
type CardUpdate struct {
	Fields    map[string]interface{} // title, description, due_at, priority
	LabelIDs  *[]string
	Assignees *[]string
}

// Empty reports whether the update would change nothing.
func (u CardUpdate) Empty() bool {
	return len(u.Fields) == 0 && u.LabelIDs == nil && u.Assignees == nil
}

var updatableCardColumns = map[string]bool{
	"title":       true,
	"description": true,
	"due_at":      true,
	"priority":    true,
}

// Create inserts the card, its labels, assignees and placement, then runs
// hook, all in one transaction.
func (cs *CardStore) Create(ctx context.Context, params CardCreateParams, hook TxHook) (string, error) {
	if params.ListID == "" {
		return "", fmt.Errorf("card placement requires a list")
	}
	priority := params.Priority
	if priority == "" {
		priority = domain.PriorityNone
	}

	cardID := id.New()
	err := cs.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cards (id, board_id, title, description, due_at, priority)
			VALUES (?, ?, ?, ?, ?, ?)`,
			cardID, params.BoardID, params.Title, params.Description, formatTime(params.DueAt), priority)
		if err != nil {
			return writeErr("create card", err)
		}

		if err := replaceLabels(ctx, tx, cardID, params.LabelIDs); err != nil {
			return err
		}
		if err := replaceAssignees(ctx, tx, cardID, params.Assignees); err != nil {
			return err
		}
		if _, err := insertPlacement(ctx, tx, cardID, params.ListID, params.Position, false); err != nil {
			return err
		}

		return runHook(tx, hook, cardID)
	})
	if err != nil {
		return "", err
	}
	return cardID, nil
}

// Update applies a partial update to a card. Placement is never touched.
func (cs *CardStore) Update(ctx context.Context, cardID string, u CardUpdate) error {
	if u.Empty() {
		return nil
	}

	return cs.store.withTx(ctx, func(tx *sql.Tx) error {
		var setClauses []string
		var args []interface{}

		for key, value := range u.Fields {
			if !updatableCardColumns[key] {
				return fmt.Errorf("card field %q cannot be updated", key)
			}
			if t, ok := value.(*time.Time); ok {
				value = formatTime(t)
			}
			setClauses = append(setClauses, fmt.Sprintf("%s = ?", key))
			args = append(args, value)
		}
		setClauses = append(setClauses, "updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')")
		args = append(args, cardID)

		query := fmt.Sprintf("UPDATE cards SET %s WHERE id = ?", strings.Join(setClauses, ", "))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return writeErr("update card", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("card %s: %w", cardID, domain.ErrNotFound)
		}

		if u.LabelIDs != nil {
			if err := replaceLabels(ctx, tx, cardID, *u.LabelIDs); err != nil {
				return err
			}
		}
		if u.Assignees != nil {
			if err := replaceAssignees(ctx, tx, cardID, *u.Assignees); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns a card with its label ids and assignees, or domain.ErrNotFound.
func (cs *CardStore) Get(ctx context.Context, cardID string) (*domain.Card, error) {
	var c domain.Card
	var dueAt sql.NullString
	var createdAt, updatedAt string
	err := cs.store.db.QueryRowContext(ctx, `
		SELECT id, board_id, title, description, due_at, priority, created_at, updated_at
		FROM cards WHERE id = ?`, cardID).
		Scan(&c.ID, &c.BoardID, &c.Title, &c.Description, &dueAt, &c.Priority, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", cardID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	c.DueAt = parseNullTime(dueAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)

	if c.Labels, err = cs.column(ctx, `SELECT label_id FROM card_labels WHERE card_id = ? ORDER BY label_id`, cardID); err != nil {
		return nil, fmt.Errorf("failed to get card labels: %w", err)
	}
	if c.Assignees, err = cs.column(ctx, `SELECT user_id FROM card_assignees WHERE card_id = ? ORDER BY user_id`, cardID); err != nil {
		return nil, fmt.Errorf("failed to get card assignees: %w", err)
	}
	return &c, nil
}

// ExistingIDs returns which of the given ids still exist as card rows.
func (cs *CardStore) ExistingIDs(ctx context.Context, cardIDs []string) (map[string]bool, error) {
	found, err := cs.store.idSet(ctx, `SELECT id FROM cards WHERE id IN (%s)`, cardIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to check card rows: %w", err)
	}
	return found, nil
}

// CountByBoard returns the number of cards on a board.
func (cs *CardStore) CountByBoard(ctx context.Context, boardID string) (int, error) {
	var n int
	err := cs.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards WHERE board_id = ?`, boardID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count cards: %w", err)
	}
	return n, nil
}

func (cs *CardStore) column(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := cs.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func replaceLabels(ctx context.Context, tx *sql.Tx, cardID string, labelIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM card_labels WHERE card_id = ?`, cardID); err != nil {
		return writeErr("clear card labels", err)
	}
	for _, labelID := range labelIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO card_labels (card_id, label_id) VALUES (?, ?)`, cardID, labelID)
		if err != nil {
			return writeErr("link card label", err)
		}
	}
	return nil
}

func replaceAssignees(ctx context.Context, tx *sql.Tx, cardID string, userIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM card_assignees WHERE card_id = ?`, cardID); err != nil {
		return writeErr("clear card assignees", err)
	}
	for _, userID := range userIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO card_assignees (card_id, user_id) VALUES (?, ?)`, cardID, userID)
		if err != nil {
			return writeErr("assign card", err)
		}
	}
	return nil
}
