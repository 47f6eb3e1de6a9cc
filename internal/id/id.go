package id

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	uuidPattern     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	sourceIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)
)

// New returns a fresh lowercase UUIDv4 for a target row or job
func New() string {
	return uuid.NewString()
}

// IsUUID checks if a string is a valid UUID
func IsUUID(s string) bool {
	return uuidPattern.MatchString(strings.ToLower(s))
}

// IsSourceID checks if a string looks like a source object id
// (24 lowercase hex characters).
func IsSourceID(s string) bool {
	return sourceIDPattern.MatchString(s)
}

// ParseBoardPair parses "source:target" as used by --board flags.
func ParseBoardPair(s string) (source, target string, err error) {
	src, tgt, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || src == "" || tgt == "" {
		return "", "", fmt.Errorf("invalid board pair %q: expected <source-board-id>:<target-board-id>", s)
	}
	return src, tgt, nil
}
