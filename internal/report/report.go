// Package report accumulates per-entity outcomes of a run. It is safe for
// concurrent use by scheduler tasks.
package report

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/lherron/cardsync/internal/domain"
)

// Reason explains a skipped or failed entity
type Reason struct {
	Board    string            `json:"board,omitempty" yaml:"board,omitempty"`
	Type     domain.EntityType `json:"type" yaml:"type"`
	SourceID string            `json:"source_id" yaml:"source_id"`
	Reason   string            `json:"reason" yaml:"reason"`
}

// BoardFailure records a board that could not be synced at all
type BoardFailure struct {
	Board string `json:"board" yaml:"board"`
	Stage string `json:"stage" yaml:"stage"`
	Error string `json:"error" yaml:"error"`
}

// Summary is the serialisable form of a report
type Summary struct {
	Counts        map[domain.EntityType]map[domain.Outcome]int `json:"counts" yaml:"counts"`
	Skipped       []Reason                                     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Failed        []Reason                                     `json:"failed,omitempty" yaml:"failed,omitempty"`
	BoardFailures []BoardFailure                               `json:"board_failures,omitempty" yaml:"board_failures,omitempty"`
}

// Report is the live, mutex-guarded accumulator
type Report struct {
	mu            sync.Mutex
	counts        map[domain.EntityType]map[domain.Outcome]int
	skipped       []Reason
	failed        []Reason
	boardFailures []BoardFailure

	// OnRecord, if set, observes every classified outcome. It is called
	// outside the report lock.
	OnRecord func(t domain.EntityType, outcome domain.Outcome)
}

// New creates an empty report
func New() *Report {
	return &Report{counts: make(map[domain.EntityType]map[domain.Outcome]int)}
}

// Classify maps a merge result to the outcome it is counted under. A nil
// error keeps the engine's outcome; skip-class errors become skipped and
// everything else becomes failed.
func Classify(outcome domain.Outcome, err error) domain.Outcome {
	switch {
	case err == nil:
		return outcome
	case domain.IsSkip(err):
		return domain.OutcomeSkipped
	default:
		return domain.OutcomeFailed
	}
}

// Record classifies one merge result and returns the counted outcome.
func (r *Report) Record(board string, t domain.EntityType, sourceID string, outcome domain.Outcome, err error) domain.Outcome {
	counted := Classify(outcome, err)

	r.mu.Lock()
	byOutcome, ok := r.counts[t]
	if !ok {
		byOutcome = make(map[domain.Outcome]int)
		r.counts[t] = byOutcome
	}
	byOutcome[counted]++
	if err != nil {
		reason := Reason{Board: board, Type: t, SourceID: sourceID, Reason: reasonText(err)}
		if counted == domain.OutcomeSkipped {
			r.skipped = append(r.skipped, reason)
		} else {
			r.failed = append(r.failed, reason)
		}
	}
	r.mu.Unlock()

	if r.OnRecord != nil {
		r.OnRecord(t, counted)
	}
	return counted
}

// BoardFailed records that a board was aborted at stage.
func (r *Report) BoardFailed(board, stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boardFailures = append(r.boardFailures, BoardFailure{Board: board, Stage: stage, Error: err.Error()})
}

// Count returns the number of entities of type t counted under outcome.
func (r *Report) Count(t domain.EntityType, outcome domain.Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[t][outcome]
}

// Total returns the number of entities counted under outcome across all types.
func (r *Report) Total(outcome domain.Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, byOutcome := range r.counts {
		n += byOutcome[outcome]
	}
	return n
}

// HasFailures reports whether any entity or board failed
func (r *Report) HasFailures() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.boardFailures) > 0 {
		return true
	}
	for _, byOutcome := range r.counts {
		if byOutcome[domain.OutcomeFailed] > 0 {
			return true
		}
	}
	return false
}

// Summary returns a copy of the current state
func (r *Report) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{Counts: make(map[domain.EntityType]map[domain.Outcome]int, len(r.counts))}
	for t, byOutcome := range r.counts {
		cp := make(map[domain.Outcome]int, len(byOutcome))
		for o, n := range byOutcome {
			cp[o] = n
		}
		s.Counts[t] = cp
	}
	s.Skipped = append([]Reason(nil), r.skipped...)
	s.Failed = append([]Reason(nil), r.failed...)
	s.BoardFailures = append([]BoardFailure(nil), r.boardFailures...)
	return s
}

// Progress renders a one-line counter string such as
// "card created=3 unchanged=10 | list unchanged=4".
func (r *Report) Progress() string {
	s := r.Summary()
	var parts []string
	for _, t := range domain.EntityTypes {
		byOutcome, ok := s.Counts[t]
		if !ok {
			continue
		}
		parts = append(parts, string(t)+" "+formatOutcomes(byOutcome))
	}
	if len(parts) == 0 {
		return "no entities processed"
	}
	return strings.Join(parts, " | ")
}

var outcomeOrder = []domain.Outcome{
	domain.OutcomeCreated,
	domain.OutcomeUpdated,
	domain.OutcomeUnchanged,
	domain.OutcomeSkipped,
	domain.OutcomeFailed,
}

func formatOutcomes(byOutcome map[domain.Outcome]int) string {
	var parts []string
	for _, o := range outcomeOrder {
		if n := byOutcome[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", o, n))
		}
	}
	return strings.Join(parts, " ")
}

// Print writes a human-readable summary
func (s Summary) Print(w io.Writer) {
	types := make([]domain.EntityType, 0, len(s.Counts))
	for _, t := range domain.EntityTypes {
		if _, ok := s.Counts[t]; ok {
			types = append(types, t)
		}
	}
	if len(types) == 0 {
		fmt.Fprintln(w, "No entities processed")
	}
	for _, t := range types {
		fmt.Fprintf(w, "%-10s %s\n", t, formatOutcomes(s.Counts[t]))
	}

	printReasons(w, "Skipped", s.Skipped)
	printReasons(w, "Failed", s.Failed)
	if len(s.BoardFailures) > 0 {
		fmt.Fprintf(w, "\nBoard failures:\n")
		for _, f := range s.BoardFailures {
			fmt.Fprintf(w, "  %s (%s): %s\n", f.Board, f.Stage, f.Error)
		}
	}
}

func printReasons(w io.Writer, title string, reasons []Reason) {
	if len(reasons) == 0 {
		return
	}
	sorted := append([]Reason(nil), reasons...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].SourceID < sorted[j].SourceID
	})
	fmt.Fprintf(w, "\n%s (%d):\n", title, len(sorted))
	limit := len(sorted)
	if limit > 20 {
		limit = 20
	}
	for _, r := range sorted[:limit] {
		fmt.Fprintf(w, "  %s %s: %s\n", r.Type, r.SourceID, r.Reason)
	}
	if len(sorted) > limit {
		fmt.Fprintf(w, "  ... and %d more\n", len(sorted)-limit)
	}
}

// reasonText prefers the innermost typed message over wrapper chatter.
func reasonText(err error) string {
	var unresolved *domain.UnresolvedReferenceError
	if errors.As(err, &unresolved) {
		return unresolved.Error()
	}
	var conflict *domain.MappingConflictError
	if errors.As(err, &conflict) {
		return conflict.Error()
	}
	return err.Error()
}
