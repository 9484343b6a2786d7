// Package models defines the entity records tracked by the sync engine and
// the durable mutation entries replayed against the backend.
package models

import (
	"fmt"
	"time"
)

// Collection names an entity table in the local store and the matching
// resource on the backend.
type Collection string

const (
	CollectionProducts  Collection = "products"
	CollectionSales     Collection = "sales"
	CollectionClients   Collection = "clients"
	CollectionSchedules Collection = "schedules"
	CollectionSettings  Collection = "settings"
)

// Record carries the identity fields common to every synced entity.
//
// LocalID is always present on locally stored records. ServerID is assigned
// by the backend once a create has been acknowledged and is empty on records
// that exist only locally. OwnerID scopes the record to the authenticated
// user; records with a foreign owner are never surfaced.
type Record struct {
	LocalID  int64  `json:"localId"`
	ServerID string `json:"serverId,omitempty"`
	OwnerID  string `json:"ownerId"`
}

func (r *Record) GetLocalID() int64     { return r.LocalID }
func (r *Record) SetLocalID(id int64)   { r.LocalID = id }
func (r *Record) GetServerID() string   { return r.ServerID }
func (r *Record) SetServerID(id string) { r.ServerID = id }
func (r *Record) GetOwnerID() string    { return r.OwnerID }
func (r *Record) SetOwnerID(id string)  { r.OwnerID = id }

// Synced reports whether the record carries a durable server identity.
func (r *Record) Synced() bool { return r.ServerID != "" }

// Entity is the constraint the engine operates over: anything with a local
// identity, an optional server identity and an owner.
type Entity interface {
	GetLocalID() int64
	SetLocalID(int64)
	GetServerID() string
	SetServerID(string)
	GetOwnerID() string
	SetOwnerID(string)
	Synced() bool
}

// Product is a stocked item.
type Product struct {
	Record
	Name      string    `json:"name"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Sale records a sale of a product (or a free-form subject).
type Sale struct {
	Record
	Subject   string    `json:"subject"`
	Quantity  float64   `json:"quantity"`
	Amount    float64   `json:"amount"`
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"createdAt"`
}

// ContentKey identifies a sale by content rather than identity. Two sales
// with the same subject, day, quantity and amount are the same logical sale;
// this is the dedup rule applied when an optimistic local create and the
// server's pushed copy of it meet. Quantity and amount are keyed to two
// decimals so float noise introduced by JSON round-trips does not split a
// sale into two.
func (s *Sale) ContentKey() string {
	return fmt.Sprintf("%s|%s|%.2f|%.2f", s.Subject, s.Date.Format("2006-01-02"), s.Quantity, s.Amount)
}

// Client is a customer of the business.
type Client struct {
	Record
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Schedule is an appointment or delivery slot.
type Schedule struct {
	Record
	Title    string    `json:"title"`
	ClientID string    `json:"clientId,omitempty"`
	Date     time.Time `json:"date"`
	Done     bool      `json:"done"`
}

// Setting is a single keyed preference, synced like any other record. Its
// natural key makes content dedup unnecessary.
type Setting struct {
	Record
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MutationKind classifies a queued mutation.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is one durable entry in the replay queue. It is written before
// any network attempt, so the queue is the durability boundary for offline
// writes. OwnerID pins the entry to the user who enqueued it; another user's
// session on the same device must never replay it. Settled flips to true only
// after a confirmed remote acknowledgment.
type Mutation struct {
	ID         int64        `json:"id"`
	Kind       MutationKind `json:"kind"`
	Collection Collection   `json:"collection"`
	OwnerID    string       `json:"ownerId"`
	Payload    []byte       `json:"payload"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	Settled    bool         `json:"settled"`
}
