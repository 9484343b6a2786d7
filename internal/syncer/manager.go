// Package syncer owns the durable mutation queue and replays it against the
// backend whenever connectivity allows. The queue is the durability
// boundary: every create, update and delete is recorded before any network
// attempt, so going offline can never lose a write.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stocktide/stocktide/internal/cache"
	"github.com/stocktide/stocktide/internal/common"
	"github.com/stocktide/stocktide/internal/logging"
	"github.com/stocktide/stocktide/internal/models"
	"github.com/stocktide/stocktide/internal/remote"
	"github.com/stocktide/stocktide/internal/session"
	"github.com/stocktide/stocktide/internal/store"
)

// Result summarizes one SyncAll pass.
type Result struct {
	Settled   int
	Discarded int
	Remaining int
}

// Manager replays pending mutations in FIFO order. A pass is serialized:
// SyncAll while one is already running is a no-op, so two near-simultaneous
// triggers replay each mutation at most once.
type Manager struct {
	log       store.MutationLog
	records   store.RecordStore
	api       remote.API
	cache     *cache.Cache
	session   session.Provider
	logger    logging.Logger
	retention int

	// onSettle fans out "collection changed under you" after a replay
	// altered local identity state.
	onSettle func(models.Collection)

	running atomic.Bool
	online  atomic.Bool
}

func NewManager(log store.MutationLog, records store.RecordStore, api remote.API, c *cache.Cache, sess session.Provider, logger logging.Logger, retention int) *Manager {
	if retention <= 0 {
		retention = 100
	}
	return &Manager{
		log:       log,
		records:   records,
		api:       api,
		cache:     c,
		session:   sess,
		logger:    logger,
		retention: retention,
	}
}

// OnSettle registers the change-notification callback. Must be set before
// any replay runs.
func (m *Manager) OnSettle(fn func(models.Collection)) { m.onSettle = fn }

// Online reports the last observed connectivity state.
func (m *Manager) Online() bool { return m.online.Load() }

// SetOnline records a connectivity transition. Coming back online triggers
// an immediate replay of everything pending.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	was := m.online.Swap(online)
	if online && !was {
		m.logger.Info(ctx, "connectivity restored, replaying queue")
		if _, err := m.SyncAll(ctx); err != nil {
			if errors.Is(err, common.ErrNotAuthenticated) {
				m.logger.Debug(ctx, "replay deferred until login", "error", err)
			} else {
				m.logger.Warn(ctx, "replay after reconnect failed", "error", err)
			}
		}
	}
}

// Enqueue durably records a mutation and, if online, opportunistically
// replays just this one. Connectivity failures are swallowed: the caller
// sees success because the write is safe in the queue. Application failures
// surface immediately and the entry is discarded.
func (m *Manager) Enqueue(ctx context.Context, kind models.MutationKind, collection models.Collection, payload []byte) (*models.Mutation, error) {
	owner, err := m.session.OwnerID()
	if err != nil {
		return nil, err
	}
	mut := &models.Mutation{
		Kind:       kind,
		Collection: collection,
		OwnerID:    owner,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := m.log.Append(ctx, mut); err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	if !m.Online() {
		return mut, nil
	}

	err = m.replayOne(ctx, mut)
	switch {
	case err == nil:
		if serr := m.log.Settle(ctx, mut.ID); serr != nil {
			m.logger.Warn(ctx, "settle bookkeeping failed", "mutation", mut.ID, "error", serr)
		}
		mut.Settled = true
	case errors.Is(err, common.ErrConnectivity):
		// Stays pending; the next replay cycle picks it up.
		m.logger.Debug(ctx, "mutation saved locally, will sync", "mutation", mut.ID, "error", err)
		m.online.Store(false)
	default:
		if derr := m.log.Discard(ctx, mut.ID); derr != nil {
			m.logger.Warn(ctx, "discard bookkeeping failed", "mutation", mut.ID, "error", derr)
		}
		return nil, err
	}
	return mut, nil
}

// SyncAll replays every pending mutation in enqueue order, continuing past
// individual failures. Re-entrant calls while a pass is in progress are
// no-ops. Entries enqueued by a different owner are left untouched until
// that owner signs back in.
func (m *Manager) SyncAll(ctx context.Context) (Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, nil
	}
	defer m.running.Store(false)

	owner, err := m.session.OwnerID()
	if err != nil {
		return Result{}, err
	}

	// The queue is re-read after every entry: settling a create rewrites
	// the payloads of later entries that still carry its temporary
	// identity, and a stale snapshot would replay the old bytes.
	var res Result
	var cursor int64
	for {
		pending, err := m.log.Pending(ctx)
		if err != nil {
			return res, fmt.Errorf("failed to read pending mutations: %w", err)
		}

		var mut *models.Mutation
		for i := range pending {
			if pending[i].ID <= cursor {
				continue
			}
			if pending[i].OwnerID != "" && pending[i].OwnerID != owner {
				// Parked: another user's write stays queued for them.
				cursor = pending[i].ID
				res.Remaining++
				continue
			}
			mut = &pending[i]
			break
		}
		if mut == nil {
			break
		}
		cursor = mut.ID

		err = m.replayOne(ctx, mut)
		switch {
		case err == nil:
			if serr := m.log.Settle(ctx, mut.ID); serr != nil {
				m.logger.Warn(ctx, "settle bookkeeping failed", "mutation", mut.ID, "error", serr)
			}
			res.Settled++
		case errors.Is(err, common.ErrConnectivity):
			// Still offline as far as this mutation is concerned; keep it
			// pending and keep walking the queue.
			res.Remaining++
		default:
			m.logger.Warn(ctx, "mutation rejected by server, dropping",
				"mutation", mut.ID, "kind", mut.Kind, "collection", mut.Collection, "error", err)
			if derr := m.log.Discard(ctx, mut.ID); derr != nil {
				m.logger.Warn(ctx, "discard bookkeeping failed", "mutation", mut.ID, "error", derr)
			}
			res.Discarded++
		}
	}

	if err := m.log.PruneSettled(ctx, m.retention); err != nil {
		m.logger.Warn(ctx, "prune failed", "error", err)
	}

	m.logger.Info(ctx, "sync pass finished",
		"settled", res.Settled, "discarded", res.Discarded, "remaining", res.Remaining)
	return res, nil
}

// PendingCount reports how many mutations await replay.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	pending, err := m.log.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

type payloadIdentity struct {
	LocalID  int64  `json:"localId"`
	ServerID string `json:"serverId"`
	OwnerID  string `json:"ownerId"`
}

func (m *Manager) replayOne(ctx context.Context, mut *models.Mutation) error {
	var ids payloadIdentity
	if err := json.Unmarshal(mut.Payload, &ids); err != nil {
		return fmt.Errorf("%w: undecodable payload: %v", common.ErrApplication, err)
	}

	switch mut.Kind {
	case models.MutationCreate:
		return m.replayCreate(ctx, mut, ids)
	case models.MutationUpdate:
		return m.replayUpdate(ctx, mut, ids)
	case models.MutationDelete:
		return m.replayDelete(ctx, mut, ids)
	default:
		return fmt.Errorf("%w: unknown mutation kind %q", common.ErrApplication, mut.Kind)
	}
}

func (m *Manager) replayCreate(ctx context.Context, mut *models.Mutation, ids payloadIdentity) error {
	created, err := m.api.Create(ctx, mut.Collection, json.RawMessage(mut.Payload), requestID(mut))
	if err != nil {
		return err
	}

	row, err := serverRow(mut.Collection, created)
	if err != nil {
		return err
	}

	// Identity swap: the temporary record disappears and the canonical one
	// takes its place, so the next read sees exactly one copy.
	if ids.LocalID != 0 {
		if err := m.records.Delete(ctx, mut.Collection, ids.LocalID); err != nil {
			return fmt.Errorf("failed to drop temporary record: %w", err)
		}
	}
	if err := m.records.Put(ctx, row); err != nil {
		return fmt.Errorf("failed to store canonical record: %w", err)
	}

	if ids.LocalID != 0 {
		m.rebindPending(ctx, mut, ids.LocalID, row)
	}

	m.invalidate(mut.Collection)
	return nil
}

// rebindPending rewrites queued mutations that still address the record by
// the temporary identity a just-settled create has retired. Edits captured
// offline against a not-yet-synced record stay replayable after the swap.
func (m *Manager) rebindPending(ctx context.Context, settled *models.Mutation, tempID int64, row store.Row) {
	pending, err := m.log.Pending(ctx)
	if err != nil {
		m.logger.Warn(ctx, "rebind scan failed", "mutation", settled.ID, "error", err)
		return
	}

	for i := range pending {
		p := &pending[i]
		if p.ID <= settled.ID || p.Collection != settled.Collection {
			continue
		}
		var ids payloadIdentity
		if err := json.Unmarshal(p.Payload, &ids); err != nil {
			continue
		}
		if ids.LocalID != tempID || ids.ServerID != "" {
			continue
		}
		payload, err := patchIdentity(p.Payload, row.LocalID, row.ServerID)
		if err != nil {
			m.logger.Warn(ctx, "rebind re-encode failed", "mutation", p.ID, "error", err)
			continue
		}
		if err := m.log.Rebind(ctx, p.ID, payload); err != nil {
			m.logger.Warn(ctx, "rebind failed", "mutation", p.ID, "error", err)
		}
	}
}

// Withdraw discards queued mutations for a record that only ever existed
// locally. Called when such a record is deleted before its create settles,
// so the create cannot later resurrect it on the server.
func (m *Manager) Withdraw(ctx context.Context, collection models.Collection, localID int64) error {
	pending, err := m.log.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pending mutations: %w", err)
	}

	for i := range pending {
		p := &pending[i]
		if p.Collection != collection {
			continue
		}
		var ids payloadIdentity
		if err := json.Unmarshal(p.Payload, &ids); err != nil {
			continue
		}
		if ids.LocalID != localID || ids.ServerID != "" {
			continue
		}
		if err := m.log.Discard(ctx, p.ID); err != nil {
			return fmt.Errorf("failed to withdraw mutation %d: %w", p.ID, err)
		}
		m.logger.Debug(ctx, "withdrew queued mutation for deleted record",
			"mutation", p.ID, "kind", p.Kind, "collection", collection)
	}
	return nil
}

func (m *Manager) replayUpdate(ctx context.Context, mut *models.Mutation, ids payloadIdentity) error {
	serverID, err := m.resolveServerID(ctx, mut.Collection, ids)
	if err != nil {
		return err
	}

	updated, err := m.api.Update(ctx, mut.Collection, serverID, json.RawMessage(mut.Payload))
	if err != nil {
		return err
	}

	row, err := serverRow(mut.Collection, updated)
	if err != nil {
		return err
	}
	if ids.LocalID != 0 && ids.LocalID != row.LocalID {
		if err := m.records.Delete(ctx, mut.Collection, ids.LocalID); err != nil {
			return fmt.Errorf("failed to drop superseded record: %w", err)
		}
	}
	if err := m.records.Put(ctx, row); err != nil {
		return fmt.Errorf("failed to store updated record: %w", err)
	}

	m.invalidate(mut.Collection)
	return nil
}

func (m *Manager) replayDelete(ctx context.Context, mut *models.Mutation, ids payloadIdentity) error {
	serverID, err := m.resolveServerID(ctx, mut.Collection, ids)
	if err != nil {
		return err
	}
	if err := m.api.Delete(ctx, mut.Collection, serverID); err != nil {
		return err
	}
	m.invalidate(mut.Collection)
	return nil
}

// resolveServerID finds the server identity a mutation targets: from the
// payload itself, or from the current local record when the payload was
// captured before the create settled. Neither resolvable means the mutation
// can never be replayed.
func (m *Manager) resolveServerID(ctx context.Context, collection models.Collection, ids payloadIdentity) (string, error) {
	if ids.ServerID != "" {
		return ids.ServerID, nil
	}
	if ids.LocalID != 0 {
		row, err := m.records.Get(ctx, collection, ids.LocalID)
		if err == nil && row.ServerID != "" {
			return row.ServerID, nil
		}
	}
	return "", fmt.Errorf("%w: %w", common.ErrApplication, common.ErrNotSyncable)
}

func (m *Manager) invalidate(collection models.Collection) {
	if m.cache != nil {
		m.cache.InvalidateCollection(collection)
	}
	if m.onSettle != nil {
		m.onSettle(collection)
	}
}

// requestID is the idempotency token for a create replay. It is derived
// deterministically from the queue entry so retries of the same mutation
// carry the same token.
func requestID(mut *models.Mutation) string {
	name := fmt.Sprintf("mutation-%d-%d", mut.ID, mut.EnqueuedAt.UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// patchIdentity rewrites the identity fields embedded in a payload while
// leaving every other field as captured.
func patchIdentity(payload []byte, localID int64, serverID string) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	fields["localId"] = localID
	fields["serverId"] = serverID
	return json.Marshal(fields)
}

// serverRow turns the server's canonical record into a store row. The
// payload is rewritten so it carries the derived localId, keeping the column
// identity and the embedded identity consistent.
func serverRow(collection models.Collection, data json.RawMessage) (store.Row, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return store.Row{}, fmt.Errorf("%w: undecodable server record: %v", common.ErrApplication, err)
	}

	serverID, _ := fields["serverId"].(string)
	if serverID == "" {
		return store.Row{}, fmt.Errorf("%w: server record missing serverId", common.ErrApplication)
	}
	ownerID, _ := fields["ownerId"].(string)

	localID := store.FoldServerID(serverID)
	fields["localId"] = localID

	payload, err := json.Marshal(fields)
	if err != nil {
		return store.Row{}, fmt.Errorf("failed to re-encode server record: %w", err)
	}

	return store.Row{
		Collection: collection,
		LocalID:    localID,
		ServerID:   serverID,
		OwnerID:    ownerID,
		Payload:    payload,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}
