package store

import (
	"encoding/hex"

	"github.com/google/uuid"
)

func randomHex(n int) string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:n]
}

// NewMemoryID returns a fresh opaque memory id.
func NewMemoryID() string { return "mem_" + randomHex(10) }

// NewTraceID returns a fresh per-recall trace id.
func NewTraceID() string { return "rec_" + randomHex(8) }
