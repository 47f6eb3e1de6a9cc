package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/id"
)

// CommentStore handles comment persistence. Comments are append-only.
type CommentStore struct {
	store *Store
}

// CommentCreateParams contains parameters for creating a comment.
type CommentCreateParams struct {
	CardID    string
	AuthorID  *string
	Body      string
	Meta      map[string]interface{}
	CreatedAt time.Time
}

// Create inserts a comment and runs hook in the same transaction.
func (cs *CommentStore) Create(ctx context.Context, params CommentCreateParams, hook TxHook) (string, error) {
	var meta interface{}
	if len(params.Meta) > 0 {
		data, err := json.Marshal(params.Meta)
		if err != nil {
			return "", fmt.Errorf("failed to marshal comment meta: %w", err)
		}
		meta = string(data)
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	commentID := id.New()
	err := cs.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, card_id, author_id, body, meta, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			commentID, params.CardID, params.AuthorID, params.Body, meta, formatTime(&createdAt))
		if err != nil {
			return writeErr("create comment", err)
		}
		return runHook(tx, hook, commentID)
	})
	if err != nil {
		return "", err
	}
	return commentID, nil
}

// ForCard returns a card's comments oldest first.
func (cs *CommentStore) ForCard(ctx context.Context, cardID string) ([]domain.Comment, error) {
	rows, err := cs.store.db.QueryContext(ctx, `
		SELECT id, card_id, author_id, body, meta, created_at
		FROM comments WHERE card_id = ?
		ORDER BY created_at, id`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		var c domain.Comment
		var author, meta sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.CardID, &author, &c.Body, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		if author.Valid {
			c.AuthorID = &author.String
		}
		if meta.Valid {
			c.Meta = &meta.String
		}
		c.CreatedAt = parseTime(createdAt)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
