package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/trello"
)

// FakeSource is an in-memory trello.Source. Tests mutate it between runs
// to simulate changes on the source side.
type FakeSource struct {
	mu         sync.Mutex
	boards     map[string]*trello.Snapshot
	comments   map[string][]trello.Comment
	checklists map[string]*trello.Checklist
	errs       map[string]error
	calls      map[string]int
}

var _ trello.Source = (*FakeSource)(nil)

// NewFakeSource creates an empty fake
func NewFakeSource() *FakeSource {
	return &FakeSource{
		boards:     make(map[string]*trello.Snapshot),
		comments:   make(map[string][]trello.Comment),
		checklists: make(map[string]*trello.Checklist),
		errs:       make(map[string]error),
		calls:      make(map[string]int),
	}
}

// SetBoard replaces the snapshot served for a board.
func (f *FakeSource) SetBoard(snap trello.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := snap
	f.boards[snap.Board.ID] = &cp
}

// UpdateBoard mutates the stored snapshot of boardID in place.
func (f *FakeSource) UpdateBoard(boardID string, fn func(*trello.Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap, ok := f.boards[boardID]; ok {
		fn(snap)
	}
}

// SetComments replaces a board's comment history (oldest first).
func (f *FakeSource) SetComments(boardID string, comments []trello.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[boardID] = comments
}

// SetChecklist registers a checklist by id.
func (f *FakeSource) SetChecklist(cl trello.Checklist) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := cl
	f.checklists[cl.ID] = &cp
}

// FailOn makes every call for key fail with err. Keys are
// "snapshot:<board>", "comments:<board>" and "checklist:<id>".
func (f *FakeSource) FailOn(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key] = err
}

// Calls returns how often key was requested.
func (f *FakeSource) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *FakeSource) hit(key string) error {
	f.calls[key]++
	return f.errs[key]
}

func (f *FakeSource) FetchBoardSnapshot(_ context.Context, boardID string) (*trello.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("snapshot:" + boardID); err != nil {
		return nil, err
	}
	snap, ok := f.boards[boardID]
	if !ok {
		return nil, &domain.ConnectorError{Op: "GET /1/boards/" + boardID, Attempts: 1,
			Err: fmt.Errorf("%w: board %s", domain.ErrNotFound, boardID)}
	}
	cp := *snap
	cp.Lists = append([]trello.List(nil), snap.Lists...)
	cp.Cards = make([]trello.Card, 0, len(snap.Cards))
	for _, c := range snap.Cards {
		if !c.Closed {
			cp.Cards = append(cp.Cards, c)
		}
	}
	cp.Labels = append([]trello.Label(nil), snap.Labels...)
	return &cp, nil
}

func (f *FakeSource) FetchComments(_ context.Context, boardID string) ([]trello.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("comments:" + boardID); err != nil {
		return nil, err
	}
	return append([]trello.Comment(nil), f.comments[boardID]...), nil
}

func (f *FakeSource) FetchChecklist(_ context.Context, checklistID string) (*trello.Checklist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("checklist:" + checklistID); err != nil {
		return nil, err
	}
	cl, ok := f.checklists[checklistID]
	if !ok {
		return nil, &domain.ConnectorError{Op: "GET /1/checklists/" + checklistID, Attempts: 1,
			Err: fmt.Errorf("%w: checklist %s", domain.ErrNotFound, checklistID)}
	}
	cp := *cl
	cp.CheckItems = append([]trello.CheckItem(nil), cl.CheckItems...)
	cp.SortItems()
	return &cp, nil
}

// Comment builds a commentCard action.
func Comment(id, cardID, author, text string) trello.Comment {
	c := trello.Comment{ID: id, Type: "commentCard", IDMemberCreator: author}
	c.MemberCreator = trello.Member{ID: author, FullName: "Member " + author}
	c.Data.Text = text
	c.Data.Card.ID = cardID
	return c
}
