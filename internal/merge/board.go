package merge

import (
	"context"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/store"
	"github.com/lherron/cardsync/internal/trello"
)

// Board is the per-board merge context: the board pair plus name indexes
// of the target board's labels and lists. The indexes are guarded by mu,
// which is held from lookup through create so that two tasks never create
// the same name twice.
type Board struct {
	SourceID string
	TargetID string

	mu     sync.Mutex
	labels map[string]string // normalized name -> target label id
	lists  map[string]string // normalized name -> target list id
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// LoadBoard checks that the target board exists, indexes its labels and
// lists, and records the board mapping.
func (e *Engine) LoadBoard(ctx context.Context, sourceID, targetID string) (*Board, error) {
	board, err := e.Store.Boards.Get(ctx, targetID)
	if err != nil {
		return nil, wrapf(err, "target board %s", targetID)
	}

	b := &Board{
		SourceID: sourceID,
		TargetID: board.ID,
		labels:   make(map[string]string),
		lists:    make(map[string]string),
	}

	labels, err := e.Store.Labels.ByBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		key := normalize(l.Name)
		if key == "" {
			key = normalize(l.Color)
		}
		if _, dup := b.labels[key]; !dup {
			b.labels[key] = l.ID
		}
	}

	lists, err := e.Store.Lists.ByBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	for _, l := range lists {
		key := normalize(l.Name)
		if _, dup := b.lists[key]; !dup {
			b.lists[key] = l.ID
		}
	}

	err = e.Ledger.Put(ctx, domain.MappingEntry{
		SourceType: domain.EntityBoard,
		SourceID:   sourceID,
		TargetID:   board.ID,
		JobID:      e.JobID,
		Metadata:   domain.MappingMeta{Name: board.Name, Board: sourceID},
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// MergeLabel maps a source label to a target label of the same name,
// creating one when none exists.
func (e *Engine) MergeLabel(ctx context.Context, b *Board, l trello.Label) (domain.Outcome, error) {
	if _, ok, err := e.Ledger.Get(ctx, domain.EntityLabel, l.ID); err != nil {
		return domain.OutcomeFailed, err
	} else if ok {
		return domain.OutcomeUnchanged, nil
	}

	name := l.DisplayName()
	key := normalize(name)
	entry := e.mapping(b, domain.EntityLabel, l.ID, "", name)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.labels[key]; ok {
		entry.TargetID = existing
		if err := e.Ledger.Put(ctx, entry); err != nil {
			return domain.OutcomeFailed, err
		}
		return domain.OutcomeUnchanged, nil
	}

	targetID, err := e.Store.Labels.Create(ctx, store.LabelCreateParams{
		BoardID: b.TargetID,
		Name:    name,
		Color:   l.Color,
	}, e.ledgerHook(ctx, entry))
	if err != nil {
		return domain.OutcomeFailed, err
	}
	b.labels[key] = targetID
	e.Log.WithFields(log.Fields{"label": l.ID, "target": targetID}).Debug("created label")
	return domain.OutcomeCreated, nil
}

// MergeList maps a source list to a target list of the same name,
// creating one at the end of the board when none exists.
func (e *Engine) MergeList(ctx context.Context, b *Board, l trello.List) (domain.Outcome, error) {
	if _, ok, err := e.Ledger.Get(ctx, domain.EntityList, l.ID); err != nil {
		return domain.OutcomeFailed, err
	} else if ok {
		return domain.OutcomeUnchanged, nil
	}

	key := normalize(l.Name)
	entry := e.mapping(b, domain.EntityList, l.ID, "", l.Name)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.lists[key]; ok {
		entry.TargetID = existing
		if err := e.Ledger.Put(ctx, entry); err != nil {
			return domain.OutcomeFailed, err
		}
		return domain.OutcomeUnchanged, nil
	}

	pos, err := e.Lists.Next(ctx, b.TargetID)
	if err != nil {
		return domain.OutcomeFailed, err
	}
	targetID, err := e.Store.Lists.Create(ctx, store.ListCreateParams{
		BoardID:  b.TargetID,
		Name:     l.Name,
		Position: pos,
		Archived: l.Closed,
	}, e.ledgerHook(ctx, entry))
	if err != nil {
		return domain.OutcomeFailed, err
	}
	b.lists[key] = targetID
	e.Log.WithFields(log.Fields{"list": l.ID, "target": targetID}).Debug("created list")
	return domain.OutcomeCreated, nil
}
