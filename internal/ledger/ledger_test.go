package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/cardsync/internal/db"
	"github.com/lherron/cardsync/internal/domain"
)

func setupLedger(t *testing.T) (*Ledger, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	return New(database), database
}

func TestPutAndGet(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	_, ok, err := l.Get(ctx, domain.EntityCard, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	err = l.Put(ctx, domain.MappingEntry{
		SourceType: domain.EntityCard,
		SourceID:   "c1",
		TargetID:   "T1",
		JobID:      "job-1",
		Metadata:   domain.MappingMeta{Name: "Fix login", Board: "b1"},
	})
	require.NoError(t, err)

	target, ok, err := l.Get(ctx, domain.EntityCard, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "T1", target)

	// Same source id under another type is independent
	_, ok, err = l.Get(ctx, domain.EntityList, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	entry, err := l.Entry(ctx, domain.EntityCard, "c1")
	require.NoError(t, err)
	assert.Equal(t, "b1", entry.Metadata.Board)
	assert.Equal(t, "job-1", entry.JobID)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestPutSameTargetIsNoop(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()
	e := domain.MappingEntry{SourceType: domain.EntityLabel, SourceID: "l1", TargetID: "L1"}

	require.NoError(t, l.Put(ctx, e))
	require.NoError(t, l.Put(ctx, e))

	n, err := l.Count(ctx, domain.EntityLabel)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPutConflict(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, domain.MappingEntry{SourceType: domain.EntityCard, SourceID: "c1", TargetID: "T1"}))
	err := l.Put(ctx, domain.MappingEntry{SourceType: domain.EntityCard, SourceID: "c1", TargetID: "T2"})

	var conflict *domain.MappingConflictError
	require.True(t, errors.As(err, &conflict), "expected MappingConflictError, got %v", err)
	assert.Equal(t, "T1", conflict.ExistingTarget)
	assert.Equal(t, "T2", conflict.ProposedTarget)

	target, _, _ := l.Get(ctx, domain.EntityCard, "c1")
	assert.Equal(t, "T1", target, "conflicting put must not overwrite")
}

func TestPutTxRollsBackWithEntity(t *testing.T) {
	l, database := setupLedger(t)
	ctx := context.Background()

	tx, err := database.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, l.PutTx(ctx, tx, domain.MappingEntry{SourceType: domain.EntityCard, SourceID: "c1", TargetID: "T1"}))
	require.NoError(t, tx.Rollback())

	_, ok, err := l.Get(ctx, domain.EntityCard, "c1")
	require.NoError(t, err)
	assert.False(t, ok, "rolled back mapping must not be visible")
}

func TestUpdate(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	err := l.Update(ctx, domain.EntityCard, "missing", "T9")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, l.Put(ctx, domain.MappingEntry{SourceType: domain.EntityCard, SourceID: "c1", TargetID: "T1"}))
	require.NoError(t, l.Update(ctx, domain.EntityCard, "c1", "T2"))

	target, _, _ := l.Get(ctx, domain.EntityCard, "c1")
	assert.Equal(t, "T2", target)
}

func TestLoadAllPages(t *testing.T) {
	l, _ := setupLedger(t)
	l.PageSize = 7
	ctx := context.Background()

	for i := 0; i < 23; i++ {
		require.NoError(t, l.Put(ctx, domain.MappingEntry{
			SourceType: domain.EntityCard,
			SourceID:   fmt.Sprintf("c%02d", i),
			TargetID:   fmt.Sprintf("T%02d", i),
		}))
	}
	require.NoError(t, l.Put(ctx, domain.MappingEntry{SourceType: domain.EntityList, SourceID: "x", TargetID: "X"}))

	entries, err := l.LoadAll(ctx, domain.EntityCard)
	require.NoError(t, err)
	require.Len(t, entries, 23)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("c%02d", i), e.SourceID)
	}

	// Exact multiple of the page size
	l.PageSize = 23
	entries, err = l.LoadAll(ctx, domain.EntityCard)
	require.NoError(t, err)
	assert.Len(t, entries, 23)
}

func TestLoadAllEmpty(t *testing.T) {
	l, _ := setupLedger(t)
	entries, err := l.LoadAll(context.Background(), domain.EntityComment)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
