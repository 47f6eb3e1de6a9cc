package domain

import (
	"encoding/json"
	"time"
)

// EntityType names a kind of source entity tracked in the mapping ledger
type EntityType string

const (
	EntityBoard     EntityType = "board"
	EntityList      EntityType = "list"
	EntityLabel     EntityType = "label"
	EntityCard      EntityType = "card"
	EntityComment   EntityType = "comment"
	EntityChecklist EntityType = "checklist"
)

// EntityTypes lists every entity type in sync order
var EntityTypes = []EntityType{
	EntityBoard, EntityLabel, EntityList, EntityCard, EntityComment, EntityChecklist,
}

// Outcome is the result of merging a single source entity
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Priority is the target-side card priority
type Priority string

const (
	PriorityNone   Priority = "none"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// SyncMode controls whether mapped cards may be relocated
type SyncMode string

const (
	// SyncModeMerge never touches the placement of an already-mapped card.
	SyncModeMerge SyncMode = "merge"
	// SyncModeFresh moves mapped cards back to their source list.
	SyncModeFresh SyncMode = "fresh"
)

// JobKind represents the type of run a job record describes
type JobKind string

const (
	JobKindSync      JobKind = "sync"
	JobKindReconcile JobKind = "reconcile"
)

// JobStatus represents the lifecycle state of a job record
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// DoNotAssign is the user-map value that drops a source member on purpose
const DoNotAssign = "-"

// Board is a target board
type Board struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// List is an ordered column on a target board
type List struct {
	ID       string  `json:"id" db:"id"`
	BoardID  string  `json:"board_id" db:"board_id"`
	Name     string  `json:"name" db:"name"`
	Position float64 `json:"position" db:"position"`
	Archived bool    `json:"archived" db:"archived"`
}

// Label is a board-scoped tag
type Label struct {
	ID      string `json:"id" db:"id"`
	BoardID string `json:"board_id" db:"board_id"`
	Name    string `json:"name" db:"name"`
	Color   string `json:"color" db:"color"`
}

// Card is a target work item. Placement is stored separately.
type Card struct {
	ID          string     `json:"id" db:"id"`
	BoardID     string     `json:"board_id" db:"board_id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	DueAt       *time.Time `json:"due_at,omitempty" db:"due_at"`
	Priority    Priority   `json:"priority" db:"priority"`
	Labels      []string   `json:"labels"`
	Assignees   []string   `json:"assignees"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Placement puts a card into a list at an ordering position
type Placement struct {
	ID       string  `json:"id" db:"id"`
	CardID   string  `json:"card_id" db:"card_id"`
	ListID   string  `json:"list_id" db:"list_id"`
	Position float64 `json:"position" db:"position"`
	IsMirror bool    `json:"is_mirror" db:"is_mirror"`
}

// Comment is an append-only note on a card
type Comment struct {
	ID        string    `json:"id" db:"id"`
	CardID    string    `json:"card_id" db:"card_id"`
	AuthorID  *string   `json:"author_id,omitempty" db:"author_id"`
	Body      string    `json:"body" db:"body"`
	Meta      *string   `json:"meta,omitempty" db:"meta"` // JSON
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GetMeta parses the JSON meta field into a map
func (c *Comment) GetMeta() (map[string]interface{}, error) {
	if c.Meta == nil || *c.Meta == "" {
		return map[string]interface{}{}, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(*c.Meta), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// SetMeta serializes the map into the JSON meta field
func (c *Comment) SetMeta(meta map[string]interface{}) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	s := string(data)
	c.Meta = &s
	return nil
}

// Checklist is a titled group of items on a card
type Checklist struct {
	ID       string          `json:"id" db:"id"`
	CardID   string          `json:"card_id" db:"card_id"`
	Title    string          `json:"title" db:"title"`
	Position float64         `json:"position" db:"position"`
	Items    []ChecklistItem `json:"items"`
}

// ChecklistItem is a single entry of a checklist
type ChecklistItem struct {
	ID       string  `json:"id" db:"id"`
	Title    string  `json:"title" db:"title"`
	Checked  bool    `json:"checked" db:"checked"`
	Position float64 `json:"position" db:"position"`
}

// MappingMeta is the small metadata blob stored with a mapping entry
type MappingMeta struct {
	Name  string `json:"name,omitempty"`
	Board string `json:"board,omitempty"` // source board id
}

// MappingEntry records that a source entity has been materialized in the target
type MappingEntry struct {
	SourceType EntityType  `json:"source_type" db:"source_type"`
	SourceID   string      `json:"source_id" db:"source_id"`
	TargetID   string      `json:"target_id" db:"target_id"`
	JobID      string      `json:"job_id,omitempty" db:"job_id"`
	Metadata   MappingMeta `json:"metadata" db:"metadata"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// JobRecord is one row per sync or reconcile run
type JobRecord struct {
	ID         string          `json:"id" db:"id"`
	Kind       JobKind         `json:"kind" db:"kind"`
	Status     JobStatus       `json:"status" db:"status"`
	Config     json.RawMessage `json:"config,omitempty" db:"config"`
	Report     json.RawMessage `json:"report,omitempty" db:"report"`
	Progress   string          `json:"progress" db:"progress"`
	Error      *string         `json:"error,omitempty" db:"error"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}
