package merge

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/store"
	"github.com/lherron/cardsync/internal/testutil"
	"github.com/lherron/cardsync/internal/trello"
)

type fixture struct {
	env    *testutil.Env
	src    *testutil.FakeSource
	engine *Engine
	board  *Board
}

func setup(t *testing.T, mode domain.SyncMode) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	src := testutil.NewFakeSource()
	target := env.Board(t, "Target")

	logger := log.New()
	logger.SetOutput(&bytes.Buffer{})
	engine := New(env.Store, env.Ledger, src, Options{
		Users: map[string]string{"m1": "alice", "m2": domain.DoNotAssign},
		Mode:  mode,
		JobID: "job-1",
		Log:   log.NewEntry(logger),
	})
	b, err := engine.LoadBoard(context.Background(), "sb1", target)
	require.NoError(t, err)
	return &fixture{env: env, src: src, engine: engine, board: b}
}

func (f *fixture) target(t *testing.T, typ domain.EntityType, sourceID string) string {
	t.Helper()
	id, ok, err := f.env.Ledger.Get(context.Background(), typ, sourceID)
	require.NoError(t, err)
	require.True(t, ok, "%s %s should be mapped", typ, sourceID)
	return id
}

func TestLoadBoardRecordsMapping(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	assert.Equal(t, f.board.TargetID, f.target(t, domain.EntityBoard, "sb1"))

	_, err := f.engine.LoadBoard(context.Background(), "sb2", "no-such-board")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMergeLabelReusesByName(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	ctx := context.Background()

	existing, err := f.env.Store.Labels.Create(ctx, store.LabelCreateParams{BoardID: f.board.TargetID, Name: "Bug"}, nil)
	require.NoError(t, err)
	f.board, err = f.engine.LoadBoard(ctx, "sb1", f.board.TargetID)
	require.NoError(t, err)

	out, err := f.engine.MergeLabel(ctx, f.board, trello.Label{ID: "lb1", Name: "  bug "})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, out)
	assert.Equal(t, existing, f.target(t, domain.EntityLabel, "lb1"))

	out, err = f.engine.MergeLabel(ctx, f.board, trello.Label{ID: "lb2", Color: "green"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, out)

	labels, err := f.env.Store.Labels.ByBoard(ctx, f.board.TargetID)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "green", labels[1].Name, "unnamed label falls back to its colour")

	out, err = f.engine.MergeLabel(ctx, f.board, trello.Label{ID: "lb2", Color: "green"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, out)
}

func TestMergeListAppendsPositions(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	ctx := context.Background()

	_, err := f.env.Store.Lists.Create(ctx, store.ListCreateParams{BoardID: f.board.TargetID, Name: "Existing", Position: 1000}, nil)
	require.NoError(t, err)

	for _, l := range []trello.List{{ID: "l1", Name: "Todo"}, {ID: "l2", Name: "Done"}} {
		out, err := f.engine.MergeList(ctx, f.board, l)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeCreated, out)
	}

	lists, err := f.env.Store.Lists.ByBoard(ctx, f.board.TargetID)
	require.NoError(t, err)
	require.Len(t, lists, 3)
	assert.Equal(t, []string{"Existing", "Todo", "Done"}, []string{lists[0].Name, lists[1].Name, lists[2].Name})
	assert.Equal(t, 1000.0+65536, lists[1].Position)
}

func (f *fixture) seedLists(t *testing.T, lists ...trello.List) {
	t.Helper()
	for _, l := range lists {
		_, err := f.engine.MergeList(context.Background(), f.board, l)
		require.NoError(t, err)
	}
}

func TestMergeCardCreate(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	ctx := context.Background()
	f.seedLists(t, trello.List{ID: "l1", Name: "Todo"})
	_, err := f.engine.MergeLabel(ctx, f.board, trello.Label{ID: "lb1", Name: "Urgent"})
	require.NoError(t, err)

	due := time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	card := trello.Card{
		ID:        "c1",
		Name:      "Fix login",
		Desc:      "It breaks",
		Due:       &due,
		IDList:    "l1",
		IDLabels:  []string{"lb1", "lb-unknown"},
		IDMembers: []string{"m1", "m2", "m3"},
		Labels:    []trello.Label{{ID: "lb1", Name: "Urgent"}},
	}
	out, err := f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, out)

	cardID := f.target(t, domain.EntityCard, "c1")
	got, err := f.env.Store.Cards.Get(ctx, cardID)
	require.NoError(t, err)
	assert.Equal(t, "Fix login", got.Title)
	assert.Equal(t, domain.PriorityUrgent, got.Priority)
	assert.Equal(t, []string{"alice"}, got.Assignees)
	assert.Equal(t, []string{f.target(t, domain.EntityLabel, "lb1")}, got.Labels)
	require.NotNil(t, got.DueAt)
	assert.True(t, got.DueAt.Equal(due.Truncate(time.Second)))

	placements, err := f.env.Store.Placements.ForCard(ctx, cardID)
	require.NoError(t, err)
	require.Len(t, placements, 1)
	assert.Equal(t, f.target(t, domain.EntityList, "l1"), placements[0].ListID)

	// Re-merging an untouched card changes nothing
	out, err = f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, out)
}

func TestMergeCardUnresolvedList(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	out, err := f.engine.MergeCard(context.Background(), f.board, trello.Card{ID: "c1", Name: "x", IDList: "nope"})

	assert.Equal(t, domain.OutcomeSkipped, out)
	var unresolved *domain.UnresolvedReferenceError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, "list nope", unresolved.Reference)

	_, ok, _ := f.env.Ledger.Get(context.Background(), domain.EntityCard, "c1")
	assert.False(t, ok)
}

func TestMergeCardPreservesPlacement(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	ctx := context.Background()
	f.seedLists(t, trello.List{ID: "l1", Name: "Todo"}, trello.List{ID: "l2", Name: "Doing"})

	card := trello.Card{ID: "c1", Name: "Task", IDList: "l1"}
	_, err := f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)

	// A human moves the card in the target
	cardID := f.target(t, domain.EntityCard, "c1")
	humanList := f.target(t, domain.EntityList, "l2")
	placements, _ := f.env.Store.Placements.ForCard(ctx, cardID)
	require.NoError(t, f.env.Store.Placements.Move(ctx, placements[0].ID, humanList, 42))

	// The source renames it and moves it to yet another list
	card.Name = "Task (renamed)"
	out, err := f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdated, out)

	got, _ := f.env.Store.Cards.Get(ctx, cardID)
	assert.Equal(t, "Task (renamed)", got.Title)
	placements, _ = f.env.Store.Placements.ForCard(ctx, cardID)
	require.Len(t, placements, 1)
	assert.Equal(t, humanList, placements[0].ListID)
	assert.Equal(t, 42.0, placements[0].Position)
}

func TestMergeCardFreshModeRelocates(t *testing.T) {
	f := setup(t, domain.SyncModeFresh)
	ctx := context.Background()
	f.seedLists(t, trello.List{ID: "l1", Name: "Todo"}, trello.List{ID: "l2", Name: "Doing"})

	card := trello.Card{ID: "c1", Name: "Task", IDList: "l1"}
	_, err := f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)

	cardID := f.target(t, domain.EntityCard, "c1")
	placements, _ := f.env.Store.Placements.ForCard(ctx, cardID)
	require.NoError(t, f.env.Store.Placements.Move(ctx, placements[0].ID, f.target(t, domain.EntityList, "l2"), 1))

	out, err := f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdated, out)

	placements, _ = f.env.Store.Placements.ForCard(ctx, cardID)
	assert.Equal(t, f.target(t, domain.EntityList, "l1"), placements[0].ListID)

	out, err = f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, out)
}

func TestMergeCardMissingTargetRow(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	ctx := context.Background()
	f.seedLists(t, trello.List{ID: "l1", Name: "Todo"})

	card := trello.Card{ID: "c1", Name: "Task", IDList: "l1"}
	_, err := f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)

	cardID := f.target(t, domain.EntityCard, "c1")
	_, err = f.env.DB.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, cardID)
	require.NoError(t, err)

	out, err := f.engine.MergeCard(ctx, f.board, card)
	assert.Equal(t, domain.OutcomeSkipped, out)
	assert.True(t, domain.IsSkip(err))
	assert.Contains(t, err.Error(), ReasonTargetMissing)
	assert.Equal(t, cardID, f.target(t, domain.EntityCard, "c1"), "ledger must not be rewritten")
}

func TestMergeLabelChangeUpdatesPriority(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	ctx := context.Background()
	f.seedLists(t, trello.List{ID: "l1", Name: "Todo"})
	for _, l := range []trello.Label{{ID: "lo", Name: "low"}, {ID: "hi", Name: "High"}} {
		_, err := f.engine.MergeLabel(ctx, f.board, l)
		require.NoError(t, err)
	}

	card := trello.Card{ID: "c1", Name: "Task", IDList: "l1", IDLabels: []string{"lo"}, Labels: []trello.Label{{ID: "lo", Name: "low"}}}
	_, err := f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)

	card.IDLabels = []string{"lo", "hi"}
	card.Labels = append(card.Labels, trello.Label{ID: "hi", Name: "High"})
	out, err := f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdated, out)

	got, _ := f.env.Store.Cards.Get(ctx, f.target(t, domain.EntityCard, "c1"))
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Len(t, got.Labels, 2)
}

func TestMergeCardUnnamedLabelsDoNotSetPriority(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	ctx := context.Background()
	f.seedLists(t, trello.List{ID: "l1", Name: "Todo"})
	yellow := trello.Label{ID: "y", Color: "yellow"}
	_, err := f.engine.MergeLabel(ctx, f.board, yellow)
	require.NoError(t, err)

	card := trello.Card{ID: "c1", Name: "Task", IDList: "l1", IDLabels: []string{"y"}, Labels: []trello.Label{yellow}}
	_, err = f.engine.MergeCard(ctx, f.board, card)
	require.NoError(t, err)

	got, err := f.env.Store.Cards.Get(ctx, f.target(t, domain.EntityCard, "c1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNone, got.Priority)
	assert.Len(t, got.Labels, 1, "unnamed label is still attached")
}

func TestResolveAssigneesSkipsEmptyUser(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	f.engine.Users["m4"] = ""

	got := f.engine.resolveAssignees(trello.Card{ID: "c1", IDMembers: []string{"m4", "m1", "m2"}})
	assert.Equal(t, []string{"alice"}, got)
	assert.Nil(t, f.engine.resolveUser("m4"))
}

func TestMergeComment(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	ctx := context.Background()
	f.seedLists(t, trello.List{ID: "l1", Name: "Todo"})
	_, err := f.engine.MergeCard(ctx, f.board, trello.Card{ID: "c1", Name: "Task", IDList: "l1"})
	require.NoError(t, err)

	first := testutil.Comment("a1", "c1", "m1", "first")
	first.Date = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	second := testutil.Comment("a2", "c1", "m9", "second")
	second.Date = first.Date.Add(time.Hour)

	out, err := f.engine.MergeComment(ctx, f.board, first)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, out)
	out, err = f.engine.MergeComment(ctx, f.board, second)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, out)

	comments, err := f.env.Store.Comments.ForCard(ctx, f.target(t, domain.EntityCard, "c1"))
	require.NoError(t, err)
	require.Len(t, comments, 2)
	require.NotNil(t, comments[0].AuthorID)
	assert.Equal(t, "alice", *comments[0].AuthorID)
	assert.Nil(t, comments[1].AuthorID)
	meta, err := comments[1].GetMeta()
	require.NoError(t, err)
	assert.Equal(t, "Member m9", meta["source_author"])

	// Edited in the source: still create-once
	out, err = f.engine.MergeComment(ctx, f.board, testutil.Comment("a1", "c1", "m1", "edited"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, out)

	out, err = f.engine.MergeComment(ctx, f.board, testutil.Comment("a3", "c-unknown", "m1", "orphan"))
	assert.Equal(t, domain.OutcomeSkipped, out)
	assert.True(t, domain.IsSkip(err))
}

func TestMergeChecklist(t *testing.T) {
	f := setup(t, domain.SyncModeMerge)
	ctx := context.Background()
	f.seedLists(t, trello.List{ID: "l1", Name: "Todo"})
	_, err := f.engine.MergeCard(ctx, f.board, trello.Card{ID: "c1", Name: "Task", IDList: "l1", IDChecklists: []string{"cl1"}})
	require.NoError(t, err)

	f.src.SetChecklist(trello.Checklist{ID: "cl1", Name: "Release", CheckItems: []trello.CheckItem{
		{ID: "i2", Name: "tag", Pos: 2},
		{ID: "i1", Name: "build", Pos: 1, State: "complete"},
	}})

	ref := ChecklistRef{CardID: "c1", ChecklistID: "cl1"}
	out, err := f.engine.MergeChecklist(ctx, f.board, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, out)

	lists, err := f.env.Store.Checklists.ForCard(ctx, f.target(t, domain.EntityCard, "c1"))
	require.NoError(t, err)
	require.Len(t, lists, 1)
	require.Len(t, lists[0].Items, 2)
	assert.Equal(t, "build", lists[0].Items[0].Title)
	assert.True(t, lists[0].Items[0].Checked)

	out, err = f.engine.MergeChecklist(ctx, f.board, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, out)
	assert.Equal(t, 1, f.src.Calls("checklist:cl1"), "mapped checklists are not fetched again")
}

func TestChecklists(t *testing.T) {
	snap := &trello.Snapshot{Cards: []trello.Card{
		{ID: "c1", IDChecklists: []string{"a", "b"}},
		{ID: "c2"},
	}}
	assert.Equal(t, []ChecklistRef{{"c1", "a"}, {"c1", "b"}}, Checklists(snap))
}

func TestCardChanges(t *testing.T) {
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	current := &domain.Card{Title: "a", Priority: domain.PriorityNone, Labels: []string{"x", "y"}, Assignees: []string{}}

	u := cardChanges(current, &desiredCard{Title: "a", Priority: domain.PriorityNone, LabelIDs: []string{"y", "x"}, Assignees: []string{}})
	assert.True(t, u.Empty())

	u = cardChanges(current, &desiredCard{Title: "b", DueAt: &due, Priority: domain.PriorityLow, LabelIDs: []string{"x"}, Assignees: []string{"alice"}})
	assert.Equal(t, "b", u.Fields["title"])
	assert.Contains(t, u.Fields, "due_at")
	assert.Contains(t, u.Fields, "priority")
	require.NotNil(t, u.LabelIDs)
	require.NotNil(t, u.Assignees)
}
