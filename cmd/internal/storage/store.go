// Package storage holds the durable client-side key/value state used by the session watchdog.
//
// Values are opaque strings. Three backends share one contract:
//   - MemoryStore: dev-only fallback, lost on restart.
//   - SQLiteStore: a local file, the natural home for a single client.
//   - PostgresStore: shared database for agents running next to the platform backend.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxKeyBytes = 128

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("storage: key not found")

	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// Store is a string-valued key/value store.
//
// Requirements:
//   - Set overwrites existing values.
//   - Remove is atomic across the given keys and ignores keys that are absent.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// AuditEntry is one session lifecycle record.
type AuditEntry struct {
	Action string
	Reason string
	At     time.Time
	Meta   map[string]any
}

// AuditLog persists session lifecycle records.
// All backends in this package implement it.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// auditMeta encodes Meta as JSON text, or nil when there is none.
func auditMeta(meta map[string]any) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("storage: audit meta: %w", err)
	}
	m := string(b)
	return &m, nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" || len(key) > maxKeyBytes {
		return ErrInvalidKey
	}
	return nil
}

func validateKeys(keys []string) error {
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return err
		}
	}
	return nil
}
