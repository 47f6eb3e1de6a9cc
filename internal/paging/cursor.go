package paging

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor marks the last row of a listing ordered by (SortValue, LastID).
type Cursor struct {
	SortValue string `json:"v"`
	LastID    string `json:"id"`
}

// Encode serializes the cursor to an opaque base64 string
func (c *Cursor) Encode() (string, error) {
	if c.LastID == "" {
		return "", fmt.Errorf("cursor missing last ID")
	}

	jsonData, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}

	return base64.URLEncoding.EncodeToString(jsonData), nil
}

// Decode deserializes a cursor from an opaque base64 string
func Decode(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty cursor string")
	}

	jsonData, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(jsonData, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor format: %w", err)
	}
	if c.LastID == "" {
		return nil, fmt.Errorf("cursor missing last ID")
	}

	return &c, nil
}
