// Package uid generates unique identifiers for temp files and request IDs.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random 32-character hex identifier.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRequestID returns an identifier for tagging an HTTP request, in the
// dashed UUID form clients expect in headers.
func NewRequestID() string {
	return uuid.NewString()
}
