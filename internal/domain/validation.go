package domain

import (
	"fmt"
	"time"
)

// ValidateEntityType validates a ledger entity type
func ValidateEntityType(t string) error {
	switch EntityType(t) {
	case EntityBoard, EntityList, EntityLabel, EntityCard, EntityComment, EntityChecklist:
		return nil
	}
	return fmt.Errorf("invalid entity type: must be one of: board, list, label, card, comment, checklist")
}

// ValidatePriority validates a card priority
func ValidatePriority(p string) error {
	switch Priority(p) {
	case PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return nil
	}
	return fmt.Errorf("invalid priority: must be one of: none, low, medium, high, urgent")
}

// ValidateSyncMode validates a run mode
func ValidateSyncMode(mode string) error {
	switch SyncMode(mode) {
	case SyncModeMerge, SyncModeFresh:
		return nil
	}
	return fmt.Errorf("invalid mode: must be one of: merge, fresh")
}

// ValidateJobKind validates a job kind
func ValidateJobKind(kind string) error {
	switch JobKind(kind) {
	case JobKindSync, JobKindReconcile:
		return nil
	}
	return fmt.Errorf("invalid job kind: must be one of: sync, reconcile")
}

// ValidateTimestamp validates and parses an ISO8601 timestamp
func ValidateTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp format: expected ISO8601/RFC3339")
	}
	return t, nil
}
