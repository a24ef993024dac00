package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally prefixed ("backfill_3f2c...").
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
