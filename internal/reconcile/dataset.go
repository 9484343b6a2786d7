// Package reconcile is the data-access layer of the engine. A Dataset merges
// three views of a collection into one consistent, owner-scoped set: the
// local store, fresh server responses and real-time push events. Writes are
// optimistic: they land in the local store and the mutation queue first and
// the caller sees success immediately.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stocktide/stocktide/internal/cache"
	"github.com/stocktide/stocktide/internal/common"
	"github.com/stocktide/stocktide/internal/coordinator"
	"github.com/stocktide/stocktide/internal/localid"
	"github.com/stocktide/stocktide/internal/logging"
	"github.com/stocktide/stocktide/internal/models"
	"github.com/stocktide/stocktide/internal/remote"
	"github.com/stocktide/stocktide/internal/session"
	"github.com/stocktide/stocktide/internal/store"
)

// Enqueuer records a mutation durably and, when online, replays it. The
// sync manager is the production implementation.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.MutationKind, collection models.Collection, payload []byte) (*models.Mutation, error)

	// Withdraw discards queued mutations addressing a record that never
	// reached the server, so deleting it locally leaves nothing to replay.
	Withdraw(ctx context.Context, collection models.Collection, localID int64) error
}

// ContentKeyed is implemented by entities that can be identified by content
// when no idempotent key exists yet. When a local temporary record and a
// server record share a content key they are the same logical entity and the
// server copy wins.
type ContentKeyed interface {
	ContentKey() string
}

// Deps carries the collaborators a Dataset operates through.
type Deps struct {
	Store   store.RecordStore
	Cache   *cache.Cache
	Coord   *coordinator.Coordinator
	Session session.Provider
	API     remote.API
	Queue   Enqueuer
	IDs     *localid.Generator
	Bus     *Bus
	Logger  logging.Logger
}

// Dataset is the typed access point for one entity collection. T is the
// concrete entity struct; PT is its pointer, which carries the identity
// accessors.
type Dataset[T any, PT interface {
	models.Entity
	*T
}] struct {
	collection models.Collection
	deps       Deps

	// less, when set, orders merged results before they are cached.
	less func(a, b PT) bool
}

// Option adjusts a Dataset.
type Option[T any, PT interface {
	models.Entity
	*T
}] func(*Dataset[T, PT])

// WithSort orders every merged result set, typically newest first for
// time-ordered collections.
func WithSort[T any, PT interface {
	models.Entity
	*T
}](less func(a, b PT) bool) Option[T, PT] {
	return func(d *Dataset[T, PT]) { d.less = less }
}

func NewDataset[T any, PT interface {
	models.Entity
	*T
}](collection models.Collection, deps Deps, opts ...Option[T, PT]) *Dataset[T, PT] {
	d := &Dataset[T, PT]{collection: collection, deps: deps}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Collection reports which collection this dataset serves.
func (d *Dataset[T, PT]) Collection() models.Collection { return d.collection }

// List returns the collection's records for the active owner. Fresh cached
// results are served directly. Otherwise the local store is merged with a
// server fetch; if the server is unreachable the local view is returned as
// is, never an error.
func (d *Dataset[T, PT]) List(ctx context.Context) ([]PT, error) {
	return d.list(ctx, false)
}

// Refresh bypasses both the cache and request deduplication for an explicit
// user-driven reload.
func (d *Dataset[T, PT]) Refresh(ctx context.Context) ([]PT, error) {
	return d.list(ctx, true)
}

func (d *Dataset[T, PT]) list(ctx context.Context, forced bool) ([]PT, error) {
	owner, err := d.deps.Session.OwnerID()
	if err != nil {
		return nil, err
	}

	key := cache.Key(d.collection, "")
	if !forced {
		if entry, ok := d.deps.Cache.Get(key); ok {
			if items, ok := entry.Data.([]PT); ok {
				return items, nil
			}
		}
	}

	local, err := d.loadLocal(ctx, owner)
	if err != nil {
		return nil, err
	}

	fetch := func(ctx context.Context) (any, error) {
		return d.deps.API.List(ctx, d.collection)
	}
	var fetched any
	if forced {
		fetched, err = d.deps.Coord.ExecuteForced(ctx, key, fetch)
	} else {
		fetched, err = d.deps.Coord.Execute(ctx, key, fetch)
	}
	if err != nil {
		if errors.Is(err, common.ErrConnectivity) {
			d.deps.Logger.Debug(ctx, "server unreachable, serving local view",
				"collection", d.collection)
			return local, nil
		}
		return nil, err
	}
	items, _ := fetched.([]json.RawMessage)

	merged := d.merge(ctx, owner, local, items)
	if err := d.replaceStore(ctx, owner, merged); err != nil {
		return nil, err
	}

	d.deps.Cache.Set(key, merged)
	d.publish(Event{Collection: d.collection, Kind: EventRefreshed})
	return merged, nil
}

// Create applies an optimistic insert: the record gets a temporary local
// identity, lands in the store and the mutation queue, and is returned to
// the caller immediately. A server rejection surfaces as an error but the
// local record stays so the user can correct and resubmit.
func (d *Dataset[T, PT]) Create(ctx context.Context, rec PT) (PT, error) {
	owner, err := d.deps.Session.OwnerID()
	if err != nil {
		return nil, err
	}
	rec.SetOwnerID(owner)

	existing, err := d.localIDs(ctx)
	if err != nil {
		return nil, err
	}
	rec.SetLocalID(d.deps.IDs.NextIDAfter(existing))

	row, payload, err := d.row(rec)
	if err != nil {
		return nil, err
	}
	if err := d.deps.Store.Put(ctx, row); err != nil {
		return nil, err
	}
	d.deps.Cache.InvalidateCollection(d.collection)
	d.publish(Event{Collection: d.collection, Kind: EventCreated, LocalID: rec.GetLocalID()})

	if _, err := d.deps.Queue.Enqueue(ctx, models.MutationCreate, d.collection, payload); err != nil {
		return rec, err
	}
	return rec, nil
}

// Update applies an optimistic edit to an existing record.
func (d *Dataset[T, PT]) Update(ctx context.Context, rec PT) (PT, error) {
	owner, err := d.deps.Session.OwnerID()
	if err != nil {
		return nil, err
	}
	if rec.GetLocalID() == 0 {
		return nil, fmt.Errorf("%w: record has no local identity", common.ErrNotSyncable)
	}
	rec.SetOwnerID(owner)

	row, payload, err := d.row(rec)
	if err != nil {
		return nil, err
	}
	if err := d.deps.Store.Put(ctx, row); err != nil {
		return nil, err
	}
	d.deps.Cache.InvalidateCollection(d.collection)
	d.publish(Event{Collection: d.collection, Kind: EventUpdated, LocalID: rec.GetLocalID()})

	if _, err := d.deps.Queue.Enqueue(ctx, models.MutationUpdate, d.collection, payload); err != nil {
		return rec, err
	}
	return rec, nil
}

// Delete removes a record optimistically and queues the remote delete.
func (d *Dataset[T, PT]) Delete(ctx context.Context, localID int64) error {
	owner, err := d.deps.Session.OwnerID()
	if err != nil {
		return err
	}

	row, err := d.deps.Store.Get(ctx, d.collection, localID)
	if err != nil {
		return err
	}
	if err := d.deps.Store.Delete(ctx, d.collection, localID); err != nil {
		return err
	}
	d.deps.Cache.InvalidateCollection(d.collection)
	d.publish(Event{Collection: d.collection, Kind: EventDeleted, LocalID: localID})

	if row.ServerID == "" {
		// Never left this device; nothing to tell the server. Pull the
		// queued create too, or the next replay would resurrect it.
		if err := d.deps.Queue.Withdraw(ctx, d.collection, localID); err != nil {
			return err
		}
		d.deps.Logger.Debug(ctx, "deleted unsynced record locally", "collection", d.collection, "localId", localID)
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"localId":  localID,
		"serverId": row.ServerID,
		"ownerId":  owner,
	})
	if err != nil {
		return err
	}
	if _, err := d.deps.Queue.Enqueue(ctx, models.MutationDelete, d.collection, payload); err != nil {
		return err
	}
	return nil
}

// Get reads a single record from the local store.
func (d *Dataset[T, PT]) Get(ctx context.Context, localID int64) (PT, error) {
	owner, err := d.deps.Session.OwnerID()
	if err != nil {
		return nil, err
	}
	row, err := d.deps.Store.Get(ctx, d.collection, localID)
	if err != nil {
		return nil, err
	}
	rec, err := d.decode(row.Payload)
	if err != nil {
		return nil, err
	}
	if rec.GetOwnerID() != "" && rec.GetOwnerID() != owner {
		return nil, common.ErrNotFound
	}
	return rec, nil
}

// ApplyRemote folds a push-delivered change into the local view. A push for
// a record the user just created optimistically merges by content instead of
// duplicating; the server copy wins because it carries the durable identity.
func (d *Dataset[T, PT]) ApplyRemote(ctx context.Context, kind EventKind, data json.RawMessage) error {
	owner, err := d.deps.Session.OwnerID()
	if err != nil {
		return err
	}

	rec, err := d.decode(data)
	if err != nil {
		return fmt.Errorf("failed to decode pushed record: %w", err)
	}
	if rec.GetServerID() == "" {
		return fmt.Errorf("%w: pushed record has no server identity", common.ErrNotSyncable)
	}
	if rec.GetOwnerID() != "" && rec.GetOwnerID() != owner {
		// Foreign pushes are dropped, never stored.
		return nil
	}
	rec.SetLocalID(store.FoldServerID(rec.GetServerID()))
	if rec.GetOwnerID() == "" {
		rec.SetOwnerID(owner)
	}

	switch kind {
	case EventDeleted:
		if err := d.deps.Store.Delete(ctx, d.collection, rec.GetLocalID()); err != nil {
			return err
		}
	case EventCreated, EventUpdated:
		if err := d.dropContentTwins(ctx, rec); err != nil {
			return err
		}
		row, _, err := d.row(rec)
		if err != nil {
			return err
		}
		if err := d.deps.Store.Put(ctx, row); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown push kind %q", kind)
	}

	d.deps.Cache.InvalidateCollection(d.collection)
	d.publish(Event{Collection: d.collection, Kind: kind, LocalID: rec.GetLocalID()})
	return nil
}

// loadLocal reads the collection from the store, keeping only the active
// owner's records. Rows tagged with a foreign owner are purged outright, not
// just hidden: a shared device must not carry another user's data forward.
func (d *Dataset[T, PT]) loadLocal(ctx context.Context, owner string) ([]PT, error) {
	rows, err := d.deps.Store.GetAll(ctx, d.collection)
	if err != nil {
		return nil, err
	}

	out := make([]PT, 0, len(rows))
	for _, row := range rows {
		rec, err := d.decode(row.Payload)
		if err != nil {
			d.deps.Logger.Warn(ctx, "dropping undecodable local record",
				"collection", d.collection, "localId", row.LocalID, "error", err)
			continue
		}
		if rec.GetOwnerID() != "" && rec.GetOwnerID() != owner {
			if derr := d.deps.Store.Delete(ctx, d.collection, row.LocalID); derr != nil {
				return nil, derr
			}
			d.deps.Logger.Warn(ctx, "purged record with foreign owner",
				"collection", d.collection, "localId", row.LocalID)
			continue
		}
		if rec.GetLocalID() == 0 {
			rec.SetLocalID(row.LocalID)
		}
		out = append(out, rec)
	}
	return out, nil
}

// merge combines the server's canonical set with surviving local records.
// Settled local records absent from the server response are gone: the server
// is authoritative for the existence of anything it has acknowledged.
// Temporary records are presumed pending-sync and preserved, unless a server
// record matches them by content, in which case the server copy replaces
// them.
func (d *Dataset[T, PT]) merge(ctx context.Context, owner string, local []PT, items []json.RawMessage) []PT {
	merged := make([]PT, 0, len(items))
	content := make(map[string]bool)

	for _, raw := range items {
		rec, err := d.decode(raw)
		if err != nil {
			d.deps.Logger.Warn(ctx, "dropping undecodable server record",
				"collection", d.collection, "error", err)
			continue
		}
		if rec.GetServerID() == "" {
			continue
		}
		if rec.GetOwnerID() != "" && rec.GetOwnerID() != owner {
			continue
		}
		rec.SetLocalID(store.FoldServerID(rec.GetServerID()))
		if rec.GetOwnerID() == "" {
			rec.SetOwnerID(owner)
		}
		merged = append(merged, rec)
		if key, ok := contentKey(rec); ok {
			content[key] = true
		}
	}

	for _, rec := range local {
		if rec.Synced() {
			continue
		}
		if key, ok := contentKey(rec); ok && content[key] {
			continue
		}
		merged = append(merged, rec)
	}

	if d.less != nil {
		sort.SliceStable(merged, func(i, j int) bool { return d.less(merged[i], merged[j]) })
	}
	return merged
}

// replaceStore swaps the stored collection for the merged set.
func (d *Dataset[T, PT]) replaceStore(ctx context.Context, owner string, merged []PT) error {
	if err := d.deps.Store.Clear(ctx, d.collection); err != nil {
		return err
	}
	for _, rec := range merged {
		row, _, err := d.row(rec)
		if err != nil {
			return err
		}
		if err := d.deps.Store.Put(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// dropContentTwins removes temporary local records that are the same logical
// entity as rec by content.
func (d *Dataset[T, PT]) dropContentTwins(ctx context.Context, rec PT) error {
	key, ok := contentKey(rec)
	if !ok {
		return nil
	}
	rows, err := d.deps.Store.GetAll(ctx, d.collection)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.ServerID != "" {
			continue
		}
		twin, err := d.decode(row.Payload)
		if err != nil {
			continue
		}
		if twinKey, ok := contentKey(twin); ok && twinKey == key {
			if err := d.deps.Store.Delete(ctx, d.collection, row.LocalID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dataset[T, PT]) localIDs(ctx context.Context) ([]int64, error) {
	rows, err := d.deps.Store.GetAll(ctx, d.collection)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.LocalID
	}
	return ids, nil
}

func (d *Dataset[T, PT]) decode(data []byte) (PT, error) {
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return PT(&rec), nil
}

func (d *Dataset[T, PT]) row(rec PT) (store.Row, []byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return store.Row{}, nil, err
	}
	return store.Row{
		Collection: d.collection,
		LocalID:    rec.GetLocalID(),
		ServerID:   rec.GetServerID(),
		OwnerID:    rec.GetOwnerID(),
		Payload:    payload,
		UpdatedAt:  time.Now().UTC(),
	}, payload, nil
}

func (d *Dataset[T, PT]) publish(ev Event) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(ev)
	}
}

func contentKey[PT models.Entity](rec PT) (string, bool) {
	if ck, ok := any(rec).(ContentKeyed); ok {
		return ck.ContentKey(), true
	}
	return "", false
}
