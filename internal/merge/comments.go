package merge

import (
	"context"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/store"
	"github.com/lherron/cardsync/internal/trello"
)

// MergeComment copies a source comment onto its card once. Comments are
// never edited or deleted afterwards.
func (e *Engine) MergeComment(ctx context.Context, b *Board, cm trello.Comment) (domain.Outcome, error) {
	if _, ok, err := e.Ledger.Get(ctx, domain.EntityComment, cm.ID); err != nil {
		return domain.OutcomeFailed, err
	} else if ok {
		return domain.OutcomeUnchanged, nil
	}

	cardID, ok, err := e.Ledger.Get(ctx, domain.EntityCard, cm.CardID())
	if err != nil {
		return domain.OutcomeFailed, err
	}
	if !ok {
		return domain.OutcomeSkipped, unresolved(domain.EntityComment, cm.ID, "card "+cm.CardID(), "card not mapped")
	}

	authorSource := cm.AuthorID()
	author := e.resolveUser(authorSource)
	meta := map[string]interface{}{"source_id": cm.ID}
	if author == nil {
		meta["source_author_id"] = authorSource
		name := cm.MemberCreator.FullName
		if name == "" {
			name = cm.MemberCreator.Username
		}
		if name != "" {
			meta["source_author"] = name
		}
	}

	entry := e.mapping(b, domain.EntityComment, cm.ID, "", cm.Data.Card.Name)
	_, err = e.Store.Comments.Create(ctx, store.CommentCreateParams{
		CardID:    cardID,
		AuthorID:  author,
		Body:      cm.Data.Text,
		Meta:      meta,
		CreatedAt: cm.Date,
	}, e.ledgerHook(ctx, entry))
	if err != nil {
		return domain.OutcomeFailed, err
	}
	return domain.OutcomeCreated, nil
}

// ChecklistRef names a checklist by its source id and owning card.
type ChecklistRef struct {
	CardID      string
	ChecklistID string
}

// Checklists lists every checklist reference of the snapshot's cards.
func Checklists(snap *trello.Snapshot) []ChecklistRef {
	var refs []ChecklistRef
	for _, c := range snap.Cards {
		for _, id := range c.IDChecklists {
			refs = append(refs, ChecklistRef{CardID: c.ID, ChecklistID: id})
		}
	}
	return refs
}

// MergeChecklist copies a source checklist and its items once. A mapped
// checklist is never re-synced.
func (e *Engine) MergeChecklist(ctx context.Context, b *Board, ref ChecklistRef) (domain.Outcome, error) {
	if _, ok, err := e.Ledger.Get(ctx, domain.EntityChecklist, ref.ChecklistID); err != nil {
		return domain.OutcomeFailed, err
	} else if ok {
		return domain.OutcomeUnchanged, nil
	}

	cardID, ok, err := e.Ledger.Get(ctx, domain.EntityCard, ref.CardID)
	if err != nil {
		return domain.OutcomeFailed, err
	}
	if !ok {
		return domain.OutcomeSkipped, unresolved(domain.EntityChecklist, ref.ChecklistID, "card "+ref.CardID, "card not mapped")
	}

	cl, err := e.Source.FetchChecklist(ctx, ref.ChecklistID)
	if err != nil {
		return domain.OutcomeFailed, err
	}

	items := make([]domain.ChecklistItem, 0, len(cl.CheckItems))
	for _, item := range cl.CheckItems {
		items = append(items, domain.ChecklistItem{
			Title:    item.Name,
			Checked:  item.Complete(),
			Position: item.Pos,
		})
	}

	entry := e.mapping(b, domain.EntityChecklist, ref.ChecklistID, "", cl.Name)
	_, err = e.Store.Checklists.Create(ctx, store.ChecklistCreateParams{
		CardID:   cardID,
		Title:    cl.Name,
		Position: cl.Pos,
		Items:    items,
	}, e.ledgerHook(ctx, entry))
	if err != nil {
		return domain.OutcomeFailed, err
	}
	return domain.OutcomeCreated, nil
}
