// Package store persists session records. The session manager treats the
// store as the source of truth on cold start; once a record is loaded,
// in-memory state is authoritative and writes flow back through Update.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the given key or id.
var ErrNotFound = errors.New("session record not found")

// Record is one persisted session. Payload is an opaque versioned JSON blob
// owned by the session package; the store round-trips it untouched.
type Record struct {
	Key       string
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Payload   json.RawMessage
}

type Store interface {
	// GetByKey returns the record for a session key, or ErrNotFound.
	GetByKey(ctx context.Context, key string) (*Record, error)
	// Create inserts a new record.
	Create(ctx context.Context, rec *Record) error
	// Update overwrites the record for rec.Key, inserting if missing.
	Update(ctx context.Context, rec *Record) error
	// Delete removes the record for a key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// List returns all records, most recently updated first.
	List(ctx context.Context) ([]*Record, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
