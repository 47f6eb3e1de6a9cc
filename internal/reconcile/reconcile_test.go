package reconcile

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/cardsync/internal/config"
	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/store"
	"github.com/lherron/cardsync/internal/testutil"
	"github.com/lherron/cardsync/internal/trello"
)

type fixture struct {
	env    *testutil.Env
	src    *testutil.FakeSource
	rec    *Reconciler
	board  string
	listID string
}

// setup maps source board "b1" and list "l1" and creates n mapped cards
// "c0".."c<n-1>", each placed in the list.
func setup(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	env := testutil.NewEnv(t)
	src := testutil.NewFakeSource()
	board := env.Board(t, "Target")

	require.NoError(t, env.Ledger.Put(ctx, domain.MappingEntry{SourceType: domain.EntityBoard, SourceID: "b1", TargetID: board}))
	listID, err := env.Store.Lists.Create(ctx, store.ListCreateParams{BoardID: board, Name: "Todo", Position: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, env.Ledger.Put(ctx, domain.MappingEntry{SourceType: domain.EntityList, SourceID: "l1", TargetID: listID}))

	snap := trello.Snapshot{Board: trello.Board{ID: "b1"}, Lists: []trello.List{{ID: "l1", Name: "Todo"}}}
	for i := 0; i < n; i++ {
		sourceID := fmt.Sprintf("c%d", i)
		_, err := env.Store.Cards.Create(ctx, store.CardCreateParams{
			BoardID:  board,
			Title:    "Card " + sourceID,
			ListID:   listID,
			Position: float64(i + 1),
		}, func(tx *sql.Tx, id string) error {
			return env.Ledger.PutTx(ctx, tx, domain.MappingEntry{
				SourceType: domain.EntityCard,
				SourceID:   sourceID,
				TargetID:   id,
				Metadata:   domain.MappingMeta{Name: "Card " + sourceID, Board: "b1"},
			})
		})
		require.NoError(t, err)
		snap.Cards = append(snap.Cards, trello.Card{ID: sourceID, Name: "Card " + sourceID, IDList: "l1"})
	}
	src.SetBoard(snap)

	logger := log.New()
	logger.SetOutput(&bytes.Buffer{})
	rec := New(env.Store, env.Ledger, src, &config.Run{ReconcileBatchSize: 7}, log.NewEntry(logger))
	return &fixture{env: env, src: src, rec: rec, board: board, listID: listID}
}

func (f *fixture) target(t *testing.T, sourceID string) string {
	t.Helper()
	id, ok, err := f.env.Ledger.Get(context.Background(), domain.EntityCard, sourceID)
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func (f *fixture) unplace(t *testing.T, sourceID string) {
	t.Helper()
	_, err := f.env.DB.ExecContext(context.Background(),
		`DELETE FROM card_placements WHERE card_id = ?`, f.target(t, sourceID))
	require.NoError(t, err)
}

func (f *fixture) deleteRow(t *testing.T, sourceID string) {
	t.Helper()
	_, err := f.env.DB.ExecContext(context.Background(), `DELETE FROM cards WHERE id = ?`, f.target(t, sourceID))
	require.NoError(t, err)
}

func TestScanFindsUnplaced(t *testing.T) {
	f := setup(t, 100)
	unplaced := []string{"c3", "c17", "c42", "c77", "c99"}
	for _, id := range unplaced {
		f.unplace(t, id)
	}

	for round := 0; round < 2; round++ {
		scan, err := f.rec.Scan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 100, scan.Total)
		assert.Equal(t, 95, scan.Healthy)
		assert.Empty(t, scan.RowDeleted)
		require.Len(t, scan.Unplaced, 5)
		for i, o := range scan.Unplaced {
			assert.Equal(t, unplaced[i], o.Entry.SourceID)
		}
	}
}

func TestScanMirrorOnlyIsUnplaced(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	f.unplace(t, "c0")
	_, err := f.env.Store.Placements.Create(ctx, domain.Placement{CardID: f.target(t, "c0"), ListID: f.listID, Position: 5, IsMirror: true})
	require.NoError(t, err)

	scan, err := f.rec.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, scan.Unplaced, 1)
	assert.Equal(t, "c0", scan.Unplaced[0].Entry.SourceID)
}

func TestRepairRecreatesDeletedRow(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()
	old := f.target(t, "c1")
	f.deleteRow(t, "c1")

	res, err := f.rec.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.RowDeleted)
	assert.Equal(t, 1, res.Summary.Actions[ActionRecreated])
	require.Len(t, res.Summary.Repairs, 1)
	assert.Equal(t, old, res.Summary.Repairs[0].OldTarget)

	newID := f.target(t, "c1")
	assert.NotEqual(t, old, newID)
	assert.Equal(t, newID, res.Summary.Repairs[0].NewTarget)

	card, err := f.env.Store.Cards.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "Card c1", card.Title)
	placements, err := f.env.Store.Placements.ForCard(ctx, newID)
	require.NoError(t, err)
	require.Len(t, placements, 1)
	assert.Equal(t, f.listID, placements[0].ListID)
	assert.Greater(t, placements[0].Position, 3.0, "new placement goes after existing cards")

	assert.Equal(t, domain.JobKindReconcile, res.Job.Kind)
	assert.Equal(t, domain.JobStatusCompleted, res.Job.Status)

	// Nothing left to do on a second pass
	res, err = f.rec.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Summary.Repaired())
	assert.Equal(t, 3, res.Summary.Healthy)
}

func TestRepairPlacesUnplacedCard(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()
	f.unplace(t, "c2")

	res, err := f.rec.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Actions[ActionPlaced])

	placements, err := f.env.Store.Placements.ForCard(ctx, f.target(t, "c2"))
	require.NoError(t, err)
	require.Len(t, placements, 1)
	assert.False(t, placements[0].IsMirror)
	assert.Equal(t, f.target(t, "c2"), res.Summary.Repairs[0].NewTarget, "placing keeps the card id")
}

func TestRepairReportsGoneCards(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	f.unplace(t, "c0")
	f.src.UpdateBoard("b1", func(s *trello.Snapshot) { s.Cards[0].Closed = true })

	res, err := f.rec.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Actions[ActionGone])
	assert.Zero(t, res.Summary.Repaired())

	placements, _ := f.env.Store.Placements.ForCard(ctx, f.target(t, "c0"))
	assert.Empty(t, placements, "gone cards are left alone")
}

func TestRepairFetchesEachBoardOnce(t *testing.T) {
	f := setup(t, 5)
	for _, id := range []string{"c0", "c1", "c2"} {
		f.unplace(t, id)
	}
	f.deleteRow(t, "c4")

	_, err := f.rec.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.src.Calls("snapshot:b1"))
}

func TestRepairUnresolvedList(t *testing.T) {
	f := setup(t, 1)
	f.unplace(t, "c0")
	f.src.UpdateBoard("b1", func(s *trello.Snapshot) { s.Cards[0].IDList = "l-new" })

	res, err := f.rec.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, res.Summary.Repairs, 1)
	assert.Equal(t, ActionSkipped, res.Summary.Repairs[0].Action)
	assert.Contains(t, res.Summary.Repairs[0].Reason, "l-new")
}

func TestRepairUnauthorizedFailsJob(t *testing.T) {
	f := setup(t, 1)
	f.unplace(t, "c0")
	f.src.FailOn("snapshot:b1", &domain.ConnectorError{Op: "GET", Attempts: 1, Err: domain.ErrUnauthorized})

	res, err := f.rec.Run(context.Background(), Options{})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, domain.JobStatusFailed, res.Job.Status)
}

func TestDryRunChangesNothing(t *testing.T) {
	f := setup(t, 4)
	ctx := context.Background()
	f.unplace(t, "c0")
	f.deleteRow(t, "c3")
	old := f.target(t, "c3")

	res, err := f.rec.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.Summary.DryRun)
	assert.Equal(t, 1, res.Summary.Unplaced)
	assert.Equal(t, 1, res.Summary.RowDeleted)
	assert.Len(t, res.Summary.Repairs, 2)
	assert.Zero(t, f.src.Calls("snapshot:b1"))
	assert.Equal(t, old, f.target(t, "c3"))

	scan, err := f.rec.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, scan.Orphans(), 2)
}
