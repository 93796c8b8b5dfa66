// Package ids generates the identifiers handed out by the service.
package ids

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a lexically sortable ULID.
func NewMessageID() string {
	return ulid.Make().String()
}

// NewPrefixed returns prefix + "_" + 12 random hex characters, e.g.
// "task_3f9a0c1b7d2e". Callers check uniqueness against their own index.
func NewPrefixed(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + hex[:12]
}
