package realtime

import (
	"time"

	"vigil/cmd/internal/ids"
)

// NewConnectionID returns a ULID identifying one websocket connection.
func NewConnectionID(now time.Time) string {
	return ids.MustULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by creation time, which keeps log correlation simple.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}
