package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a URL-safe hex string ID for request correlation.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewRecordID returns a UUID for persisted rows.
func NewRecordID() string {
	return uuid.NewString()
}

// IsRecordID reports whether s parses as a UUID.
func IsRecordID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
