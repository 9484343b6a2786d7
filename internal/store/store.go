// Package store implements the local persistent layer: a per-collection
// keyed record table and the durable mutation log, backed by SQLite with an
// in-memory fallback for environments where the database cannot be opened.
package store

import (
	"context"
	"time"

	"github.com/stocktide/stocktide/internal/models"
)

// Row is one stored record: identity columns plus the opaque domain payload
// as JSON. The payload embeds the same identity fields; the columns exist so
// the store can be queried without decoding payloads.
type Row struct {
	Collection models.Collection
	LocalID    int64
	ServerID   string
	OwnerID    string
	Payload    []byte
	UpdatedAt  time.Time
}

// RecordStore is the keyed entity table. Every operation is transactional
// per call; there is no cross-call atomicity. The store emits no events,
// callers propagate change notifications themselves.
type RecordStore interface {
	// Put upserts a row by (collection, localId). A row arriving without a
	// LocalID gets one derived deterministically from its ServerID.
	Put(ctx context.Context, row Row) error

	// Get returns a single row, or common.ErrNotFound.
	Get(ctx context.Context, collection models.Collection, localID int64) (*Row, error)

	// GetAll returns every row in a collection.
	GetAll(ctx context.Context, collection models.Collection) ([]Row, error)

	// Delete removes a row. Deleting an absent row is not an error.
	Delete(ctx context.Context, collection models.Collection, localID int64) error

	// Clear removes every row in a collection.
	Clear(ctx context.Context, collection models.Collection) error
}

// MutationLog is the append-style replay queue. Entries are appended before
// any network attempt and settled only after a confirmed acknowledgment.
type MutationLog interface {
	// Append adds a pending mutation and fills in its queue-assigned ID.
	Append(ctx context.Context, m *models.Mutation) error

	// Pending returns unsettled mutations in enqueue order.
	Pending(ctx context.Context) ([]models.Mutation, error)

	// Settle marks a mutation as confirmed by the remote.
	Settle(ctx context.Context, id int64) error

	// Discard drops a mutation the remote rejected outright. Retrying a
	// validation error forever would hide a real problem.
	Discard(ctx context.Context, id int64) error

	// Rebind rewrites the payload of a still-pending mutation. Used when a
	// create settles and queued edits still carry the record's temporary
	// identity. Fails on settled or absent entries.
	Rebind(ctx context.Context, id int64, payload []byte) error

	// Settled returns the most recent settled mutations, newest first.
	Settled(ctx context.Context, limit int) ([]models.Mutation, error)

	// PruneSettled drops settled entries beyond the keep most recent.
	PruneSettled(ctx context.Context, keep int) error
}

// Store combines the record table and the mutation log over one handle.
type Store interface {
	RecordStore
	MutationLog
	Close() error
}

// FoldServerID derives a deterministic numeric local identifier from a server
// identifier, for legacy call sites that write records without a LocalID.
func FoldServerID(serverID string) int64 {
	var h int64
	for _, r := range serverID {
		h = h*31 + int64(r)
	}
	if h < 0 {
		h = -h
	}
	return h
}
