package merge

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	log "github.com/sirupsen/logrus"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/store"
	"github.com/lherron/cardsync/internal/trello"
)

// ReasonTargetMissing is reported for mapped cards whose target row is gone.
const ReasonTargetMissing = "target row missing; run reconcile"

// desiredCard is the target state a source card translates to.
type desiredCard struct {
	Title       string
	Description string
	DueAt       *time.Time
	Priority    domain.Priority
	LabelIDs    []string
	Assignees   []string
}

func (e *Engine) desired(ctx context.Context, c trello.Card) (*desiredCard, error) {
	labels, err := e.resolveLabels(ctx, c)
	if err != nil {
		return nil, err
	}
	var due *time.Time
	if c.Due != nil {
		// The target stores whole seconds
		t := c.Due.UTC().Truncate(time.Second)
		due = &t
	}
	return &desiredCard{
		Title:       c.Name,
		Description: c.Desc,
		DueAt:       due,
		Priority:    domain.InferPriority(c.LabelNames()),
		LabelIDs:    labels,
		Assignees:   e.resolveAssignees(c),
	}, nil
}

// MergeCard creates an unmapped card in its source list's target list, or
// brings a mapped card's fields up to date. In merge mode the placement of
// a mapped card is never touched.
func (e *Engine) MergeCard(ctx context.Context, b *Board, c trello.Card) (domain.Outcome, error) {
	targetID, mapped, err := e.Ledger.Get(ctx, domain.EntityCard, c.ID)
	if err != nil {
		return domain.OutcomeFailed, err
	}
	want, err := e.desired(ctx, c)
	if err != nil {
		return domain.OutcomeFailed, err
	}
	if mapped {
		return e.updateCard(ctx, c, targetID, want)
	}

	params, err := e.cardParams(ctx, b.TargetID, c, want)
	if err != nil {
		return domain.OutcomeSkipped, err
	}
	entry := e.mapping(b, domain.EntityCard, c.ID, "", c.Name)
	newID, err := e.Store.Cards.Create(ctx, params, e.ledgerHook(ctx, entry))
	if err != nil {
		return domain.OutcomeFailed, err
	}
	e.Log.WithFields(log.Fields{"card": c.ID, "target": newID, "list": params.ListID}).Debug("created card")
	return domain.OutcomeCreated, nil
}

func (e *Engine) updateCard(ctx context.Context, c trello.Card, targetID string, want *desiredCard) (domain.Outcome, error) {
	current, err := e.Store.Cards.Get(ctx, targetID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OutcomeSkipped, unresolved(domain.EntityCard, c.ID, "target card "+targetID, ReasonTargetMissing)
	}
	if err != nil {
		return domain.OutcomeFailed, err
	}

	outcome := domain.OutcomeUnchanged
	update := cardChanges(current, want)
	if !update.Empty() {
		if _, ok := update.Fields["description"]; ok {
			e.logDescriptionDiff(c.ID, current.Description, want.Description)
		}
		if err := e.Store.Cards.Update(ctx, targetID, update); err != nil {
			return domain.OutcomeFailed, err
		}
		outcome = domain.OutcomeUpdated
	}

	if e.Mode == domain.SyncModeFresh {
		moved, err := e.relocate(ctx, c, targetID)
		if err != nil {
			return domain.OutcomeFailed, err
		}
		if moved {
			outcome = domain.OutcomeUpdated
		}
	}
	return outcome, nil
}

// cardChanges returns the partial update that turns current into want.
func cardChanges(current *domain.Card, want *desiredCard) store.CardUpdate {
	u := store.CardUpdate{Fields: map[string]interface{}{}}
	if current.Title != want.Title {
		u.Fields["title"] = want.Title
	}
	if current.Description != want.Description {
		u.Fields["description"] = want.Description
	}
	if !sameTime(current.DueAt, want.DueAt) {
		u.Fields["due_at"] = want.DueAt
	}
	if current.Priority != want.Priority {
		u.Fields["priority"] = want.Priority
	}
	if !sameSet(current.Labels, want.LabelIDs) {
		labels := want.LabelIDs
		u.LabelIDs = &labels
	}
	if !sameSet(current.Assignees, want.Assignees) {
		assignees := want.Assignees
		u.Assignees = &assignees
	}
	if len(u.Fields) == 0 {
		u.Fields = nil
	}
	return u
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

func (e *Engine) logDescriptionDiff(cardID, before, after string) {
	if !e.Log.Logger.IsLevelEnabled(log.DebugLevel) {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "target",
		ToFile:   "source",
		Context:  1,
	})
	if err != nil {
		return
	}
	e.Log.WithField("card", cardID).Debugf("description changed:\n%s", diff)
}

// relocate moves a mapped card's primary placement back to its source
// list's target list. It reports whether anything moved.
func (e *Engine) relocate(ctx context.Context, c trello.Card, targetID string) (bool, error) {
	listID, ok, err := e.Ledger.Get(ctx, domain.EntityList, c.IDList)
	if err != nil || !ok {
		return false, err
	}
	placements, err := e.Store.Placements.ForCard(ctx, targetID)
	if err != nil {
		return false, err
	}
	for _, p := range placements {
		if p.IsMirror {
			continue
		}
		if p.ListID == listID {
			return false, nil
		}
		pos, err := e.Cards.Next(ctx, listID)
		if err != nil {
			return false, err
		}
		if err := e.Store.Placements.Move(ctx, p.ID, listID, pos); err != nil {
			return false, err
		}
		e.Log.WithFields(log.Fields{"card": c.ID, "from": p.ListID, "to": listID}).Debug("moved card")
		return true, nil
	}
	// No primary placement: reconcile owns that case
	return false, nil
}

func (e *Engine) cardParams(ctx context.Context, targetBoardID string, c trello.Card, want *desiredCard) (store.CardCreateParams, error) {
	listID, ok, err := e.Ledger.Get(ctx, domain.EntityList, c.IDList)
	if err != nil {
		return store.CardCreateParams{}, err
	}
	if !ok {
		return store.CardCreateParams{}, unresolved(domain.EntityCard, c.ID, "list "+c.IDList, "source list not mapped")
	}
	pos, err := e.Cards.Next(ctx, listID)
	if err != nil {
		return store.CardCreateParams{}, err
	}
	return store.CardCreateParams{
		BoardID:     targetBoardID,
		Title:       want.Title,
		Description: want.Description,
		DueAt:       want.DueAt,
		Priority:    want.Priority,
		LabelIDs:    want.LabelIDs,
		Assignees:   want.Assignees,
		ListID:      listID,
		Position:    pos,
	}, nil
}

// RecreateCard inserts a fresh target row for a mapped card whose row was
// deleted and hands the new id to hook inside the same transaction.
func (e *Engine) RecreateCard(ctx context.Context, targetBoardID string, c trello.Card, hook func(tx *sql.Tx, newID string) error) (string, error) {
	want, err := e.desired(ctx, c)
	if err != nil {
		return "", err
	}
	params, err := e.cardParams(ctx, targetBoardID, c, want)
	if err != nil {
		return "", err
	}
	return e.Store.Cards.Create(ctx, params, hook)
}

// PlaceCard gives an existing target card a primary placement in its
// source list's target list.
func (e *Engine) PlaceCard(ctx context.Context, c trello.Card, targetID string) (string, error) {
	listID, ok, err := e.Ledger.Get(ctx, domain.EntityList, c.IDList)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", unresolved(domain.EntityCard, c.ID, "list "+c.IDList, "source list not mapped")
	}
	pos, err := e.Cards.Next(ctx, listID)
	if err != nil {
		return "", err
	}
	return e.Store.Placements.Create(ctx, domain.Placement{CardID: targetID, ListID: listID, Position: pos})
}
