// Package paging drains page-at-a-time sources (the mapping ledger, the
// source API's action history) and encodes opaque cursors for listings.
package paging

import (
	"context"
	"fmt"
)

// FetchFunc returns one page of at most limit items. cursor is the value
// returned alongside the previous page, or "" for the first page.
type FetchFunc[T any] func(ctx context.Context, cursor string, limit int) (items []T, next string, err error)

// Drain calls fetch until a page comes back shorter than limit and returns
// every item in order.
func Drain[T any](ctx context.Context, limit int, fetch FetchFunc[T]) ([]T, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", limit)
	}

	var all []T
	cursor := ""
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		items, next, err := fetch(ctx, cursor, limit)
		if err != nil {
			return all, fmt.Errorf("page %d: %w", page, err)
		}
		all = append(all, items...)

		if len(items) < limit {
			return all, nil
		}
		if next == "" || next == cursor {
			return all, fmt.Errorf("page %d: cursor did not advance", page)
		}
		cursor = next
	}
}
