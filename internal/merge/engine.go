// Package merge decides, per source entity, whether to create, update or
// leave alone the matching target row. Every create records its ledger
// entry in the same transaction as the row itself.
package merge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/ledger"
	"github.com/lherron/cardsync/internal/position"
	"github.com/lherron/cardsync/internal/store"
	"github.com/lherron/cardsync/internal/trello"
)

// Options configures an Engine
type Options struct {
	// Users maps source member ids to target user ids. The value
	// domain.DoNotAssign drops the member on purpose.
	Users  map[string]string
	Mode   domain.SyncMode
	JobID  string
	Stride float64
	Log    *log.Entry
}

// Engine is the per-run merge engine. It owns the run's position
// allocators, so one Engine must not be shared between runs.
type Engine struct {
	Store  *store.Store
	Ledger *ledger.Ledger
	Source trello.Source

	// Cards allocates placement positions per target list, Lists allocates
	// list positions per target board.
	Cards *position.Allocator
	Lists *position.Allocator

	Users map[string]string
	Mode  domain.SyncMode
	JobID string
	Log   *log.Entry
}

// New creates an engine with fresh allocators seeded from st.
func New(st *store.Store, l *ledger.Ledger, src trello.Source, opts Options) *Engine {
	mode := opts.Mode
	if mode == "" {
		mode = domain.SyncModeMerge
	}
	logger := opts.Log
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Engine{
		Store:  st,
		Ledger: l,
		Source: src,
		Cards:  position.New(opts.Stride, st.Placements.MaxPosition),
		Lists:  position.New(opts.Stride, st.Lists.MaxPosition),
		Users:  opts.Users,
		Mode:   mode,
		JobID:  opts.JobID,
		Log:    logger,
	}
}

// mapping builds the ledger entry for a freshly created target row.
func (e *Engine) mapping(b *Board, t domain.EntityType, sourceID, targetID, name string) domain.MappingEntry {
	return domain.MappingEntry{
		SourceType: t,
		SourceID:   sourceID,
		TargetID:   targetID,
		JobID:      e.JobID,
		Metadata:   domain.MappingMeta{Name: name, Board: b.SourceID},
	}
}

// ledgerHook returns a store hook that records entry with the new row id.
func (e *Engine) ledgerHook(ctx context.Context, entry domain.MappingEntry) store.TxHook {
	return func(tx *sql.Tx, targetID string) error {
		entry.TargetID = targetID
		return e.Ledger.PutTx(ctx, tx, entry)
	}
}

// resolveLabels translates source label ids through the ledger. Unmapped
// labels are dropped.
func (e *Engine) resolveLabels(ctx context.Context, c trello.Card) ([]string, error) {
	ids := c.IDLabels
	if len(ids) == 0 {
		for _, l := range c.Labels {
			ids = append(ids, l.ID)
		}
	}

	seen := make(map[string]bool, len(ids))
	out := []string{}
	for _, sourceID := range ids {
		target, ok, err := e.Ledger.Get(ctx, domain.EntityLabel, sourceID)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.Log.WithFields(log.Fields{"card": c.ID, "label": sourceID}).Debug("dropping unmapped label")
			continue
		}
		if !seen[target] {
			seen[target] = true
			out = append(out, target)
		}
	}
	sort.Strings(out)
	return out, nil
}

// resolveAssignees translates source member ids through the user map.
func (e *Engine) resolveAssignees(c trello.Card) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, member := range c.IDMembers {
		user, ok := e.Users[member]
		if !ok {
			e.Log.WithFields(log.Fields{"card": c.ID, "member": member}).Warn("dropping unmapped member")
			continue
		}
		if user == "" || user == domain.DoNotAssign || seen[user] {
			continue
		}
		seen[user] = true
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// resolveUser returns the target author for a source member, nil when the
// member is unmapped or deliberately unassigned.
func (e *Engine) resolveUser(member string) *string {
	user, ok := e.Users[member]
	if !ok || user == domain.DoNotAssign || user == "" {
		return nil
	}
	return &user
}

func unresolved(t domain.EntityType, sourceID, ref, reason string) error {
	return &domain.UnresolvedReferenceError{Type: t, SourceID: sourceID, Reference: ref, Reason: reason}
}

func wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
