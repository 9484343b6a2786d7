package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocktide/stocktide/internal/cache"
	"github.com/stocktide/stocktide/internal/common"
	"github.com/stocktide/stocktide/internal/logging"
	"github.com/stocktide/stocktide/internal/models"
	"github.com/stocktide/stocktide/internal/store"
	"github.com/stocktide/stocktide/internal/testutil"
)

func newTestManager(t *testing.T, api *testutil.FakeAPI) (*Manager, *store.MemoryStore) {
	t.Helper()
	m, st, _ := newTestManagerSession(t, api)
	return m, st
}

func newTestManagerSession(t *testing.T, api *testutil.FakeAPI) (*Manager, *store.MemoryStore, *testutil.StubSession) {
	t.Helper()
	st := store.NewMemoryStore()
	c := cache.New(time.Minute, 10, nil)
	sess := &testutil.StubSession{Owner: "u1"}
	log := logging.NewTextLogger(io.Discard, slog.LevelError)
	return NewManager(st, st, api, c, sess, log, 100), st, sess
}

func acceptCreate(serverID string) func(models.Collection, any) (json.RawMessage, error) {
	return func(_ models.Collection, payload any) (json.RawMessage, error) {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			return nil, errors.New("unexpected payload type")
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		fields["serverId"] = serverID
		delete(fields, "localId")
		out, err := json.Marshal(fields)
		return out, err
	}
}

func TestEnqueue_OfflineKeepsPending(t *testing.T) {
	api := &testutil.FakeAPI{}
	m, st := newTestManager(t, api)
	ctx := context.Background()

	mut, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1","subject":"tea"}`))
	require.NoError(t, err)
	assert.False(t, mut.Settled)
	assert.Empty(t, api.Creates, "no network attempt while offline")

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEnqueue_OnlineReplaysImmediately(t *testing.T) {
	api := &testutil.FakeAPI{CreateReply: acceptCreate("srv-1")}
	m, st := newTestManager(t, api)
	ctx := context.Background()
	m.SetOnline(ctx, true)

	require.NoError(t, st.Put(ctx, store.Row{
		Collection: models.CollectionSales, LocalID: 42, OwnerID: "u1",
		Payload: []byte(`{"localId":42,"ownerId":"u1","subject":"tea"}`),
	}))

	mut, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1","subject":"tea"}`))
	require.NoError(t, err)
	assert.True(t, mut.Settled)
	require.Len(t, api.Creates, 1)

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The temporary record is gone, replaced by the canonical one.
	_, err = st.Get(ctx, models.CollectionSales, 42)
	assert.ErrorIs(t, err, common.ErrNotFound)
	row, err := st.Get(ctx, models.CollectionSales, store.FoldServerID("srv-1"))
	require.NoError(t, err)
	assert.Equal(t, "srv-1", row.ServerID)
}

func TestEnqueue_ConnectivityFailureIsSwallowed(t *testing.T) {
	api := &testutil.FakeAPI{} // CreateReply nil means ErrConnectivity
	m, st := newTestManager(t, api)
	ctx := context.Background()
	m.online.Store(true)

	mut, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1"}`))
	require.NoError(t, err, "connectivity failure must not surface")
	assert.False(t, mut.Settled)
	assert.False(t, m.Online(), "failed replay marks us offline")

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEnqueue_ApplicationFailureSurfacesAndDiscards(t *testing.T) {
	api := &testutil.FakeAPI{
		CreateReply: func(models.Collection, any) (json.RawMessage, error) {
			return nil, fmt.Errorf("%w: quantity must be positive", common.ErrApplication)
		},
	}
	m, st := newTestManager(t, api)
	ctx := context.Background()
	m.SetOnline(ctx, true)

	_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1","qty":-1}`))
	require.ErrorIs(t, err, common.ErrApplication)

	pending, perr := st.Pending(ctx)
	require.NoError(t, perr)
	assert.Empty(t, pending, "rejected mutation is not retried")
}

func TestSyncAll_ReplaysFIFOAndContinuesPastRejections(t *testing.T) {
	seq := 0
	api := &testutil.FakeAPI{
		CreateReply: func(c models.Collection, payload any) (json.RawMessage, error) {
			seq++
			if seq == 2 {
				return nil, fmt.Errorf("%w: duplicate", common.ErrApplication)
			}
			return acceptCreate(fmt.Sprintf("srv-%d", seq))(c, payload)
		},
	}
	m, st := newTestManager(t, api)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
			[]byte(fmt.Sprintf(`{"localId":%d,"ownerId":"u1"}`, i)))
		require.NoError(t, err)
	}

	m.online.Store(true)
	res, err := m.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Settled: 2, Discarded: 1, Remaining: 0}, res)

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Len(t, api.Creates, 3, "pass keeps going after a rejection")
}

func TestSyncAll_ConnectivityLeavesPending(t *testing.T) {
	api := &testutil.FakeAPI{}
	m, st := newTestManager(t, api)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":1,"ownerId":"u1"}`))
	require.NoError(t, err)

	res, err := m.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Remaining: 1}, res)

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "mutation survives for the next pass")
}

func TestSyncAll_RetryReusesRequestID(t *testing.T) {
	api := &testutil.FakeAPI{}
	m, _ := newTestManager(t, api)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":1,"ownerId":"u1"}`))
	require.NoError(t, err)

	_, err = m.SyncAll(ctx)
	require.NoError(t, err)
	api.CreateReply = acceptCreate("srv-1")
	_, err = m.SyncAll(ctx)
	require.NoError(t, err)

	require.Len(t, api.RequestIDs, 2)
	assert.Equal(t, api.RequestIDs[0], api.RequestIDs[1],
		"retries of one mutation carry the same idempotency token")
}

func TestReplayUpdate_ResolvesServerIDFromLocalRecord(t *testing.T) {
	api := &testutil.FakeAPI{
		UpdateReply: func(_ models.Collection, serverID string, _ any) (json.RawMessage, error) {
			return json.RawMessage(`{"serverId":"` + serverID + `","ownerId":"u1","subject":"tea"}`), nil
		},
	}
	m, st := newTestManager(t, api)
	ctx := context.Background()

	// Local record already settled once, so it knows its server identity.
	require.NoError(t, st.Put(ctx, store.Row{
		Collection: models.CollectionSales, LocalID: 42, ServerID: "srv-9", OwnerID: "u1",
		Payload: []byte(`{"localId":42,"serverId":"srv-9","ownerId":"u1"}`),
	}))

	_, err := m.Enqueue(ctx, models.MutationUpdate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1","subject":"tea"}`))
	require.NoError(t, err)

	res, err := m.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	require.Len(t, api.Updates, 1)
	assert.Equal(t, "srv-9", api.Updates[0].ServerID)
}

func TestReplayUpdate_UnresolvableServerIDIsDiscarded(t *testing.T) {
	api := &testutil.FakeAPI{}
	m, st := newTestManager(t, api)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.MutationUpdate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1"}`))
	require.NoError(t, err)

	res, err := m.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	assert.Empty(t, api.Updates, "no network call without a server identity")

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayDelete(t *testing.T) {
	api := &testutil.FakeAPI{}
	m, _ := newTestManager(t, api)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.MutationDelete, models.CollectionProducts,
		[]byte(`{"localId":7,"serverId":"srv-7","ownerId":"u1"}`))
	require.NoError(t, err)

	res, err := m.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	require.Len(t, api.Deletes, 1)
	assert.Equal(t, "srv-7", api.Deletes[0].ServerID)
}

func TestSetOnline_TransitionTriggersReplay(t *testing.T) {
	api := &testutil.FakeAPI{CreateReply: acceptCreate("srv-1")}
	m, st := newTestManager(t, api)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":1,"ownerId":"u1"}`))
	require.NoError(t, err)

	m.SetOnline(ctx, true)

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "reconnect drains the queue")

	// Staying online does not trigger another pass.
	m.SetOnline(ctx, true)
	assert.Len(t, api.Creates, 1)
}

func TestOnSettleCallback(t *testing.T) {
	api := &testutil.FakeAPI{CreateReply: acceptCreate("srv-1")}
	m, _ := newTestManager(t, api)
	ctx := context.Background()

	var changed []models.Collection
	m.OnSettle(func(c models.Collection) { changed = append(changed, c) })

	_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":1,"ownerId":"u1"}`))
	require.NoError(t, err)

	_, err = m.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Collection{models.CollectionSales}, changed)
}

func TestSyncAll_RebindsEditsQueuedBeforeCreateSettled(t *testing.T) {
	api := &testutil.FakeAPI{
		CreateReply: acceptCreate("srv-1"),
		UpdateReply: func(_ models.Collection, serverID string, _ any) (json.RawMessage, error) {
			return json.RawMessage(`{"serverId":"` + serverID + `","ownerId":"u1","subject":"chai"}`), nil
		},
	}
	m, st := newTestManager(t, api)
	ctx := context.Background()

	// Create and edit captured back to back while offline; neither has a
	// server identity yet.
	require.NoError(t, st.Put(ctx, store.Row{
		Collection: models.CollectionSales, LocalID: 42, OwnerID: "u1",
		Payload: []byte(`{"localId":42,"ownerId":"u1","subject":"tea"}`),
	}))
	_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1","subject":"tea"}`))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, models.MutationUpdate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1","subject":"chai"}`))
	require.NoError(t, err)

	m.online.Store(true)
	res, err := m.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Settled: 2}, res, "the queued edit survives the identity swap")

	require.Len(t, api.Updates, 1)
	assert.Equal(t, "srv-1", api.Updates[0].ServerID)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(api.Updates[0].Payload, &sent))
	assert.Equal(t, "chai", sent["subject"], "edit content is preserved through the rebind")

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWithdraw_RemovesQueuedMutationsForUnsyncedRecord(t *testing.T) {
	api := &testutil.FakeAPI{}
	m, st := newTestManager(t, api)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1","subject":"tea"}`))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, models.MutationUpdate, models.CollectionSales,
		[]byte(`{"localId":42,"ownerId":"u1","subject":"chai"}`))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":7,"ownerId":"u1","subject":"coffee"}`))
	require.NoError(t, err)

	require.NoError(t, m.Withdraw(ctx, models.CollectionSales, 42))

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "only the unrelated record's mutation remains")

	var ids struct {
		LocalID int64 `json:"localId"`
	}
	require.NoError(t, json.Unmarshal(pending[0].Payload, &ids))
	assert.Equal(t, int64(7), ids.LocalID)

	m.online.Store(true)
	_, err = m.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, api.Creates, 1, "the withdrawn record never reaches the server")
}

func TestSyncAll_ParksOtherOwnersMutations(t *testing.T) {
	api := &testutil.FakeAPI{CreateReply: acceptCreate("srv-1")}
	m, st, sess := newTestManagerSession(t, api)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
		[]byte(`{"localId":1,"ownerId":"u1","subject":"tea"}`))
	require.NoError(t, err)

	// Another user signs in on the same device before the queue drains.
	sess.Owner = "u2"
	m.online.Store(true)
	res, err := m.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Remaining: 1}, res)
	assert.Empty(t, api.Creates, "one user's writes never replay under another's token")

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u1", pending[0].OwnerID)

	// The original owner returns and the parked entry drains normally.
	sess.Owner = "u1"
	res, err = m.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Settled: 1}, res)
	require.Len(t, api.Creates, 1)
}

func TestSyncAll_WithoutSessionReturnsError(t *testing.T) {
	api := &testutil.FakeAPI{}
	m, _, sess := newTestManagerSession(t, api)
	sess.Owner = ""

	_, err := m.SyncAll(context.Background())
	assert.ErrorIs(t, err, common.ErrNotAuthenticated)
}

func TestSyncAll_ConcurrentPassesReplayEachMutationOnce(t *testing.T) {
	api := &testutil.FakeAPI{
		CreateReply: func(c models.Collection, payload any) (json.RawMessage, error) {
			time.Sleep(10 * time.Millisecond)
			return acceptCreate("srv-1")(c, payload)
		},
	}
	m, st := newTestManager(t, api)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := m.Enqueue(ctx, models.MutationCreate, models.CollectionSales,
			[]byte(fmt.Sprintf(`{"localId":%d,"ownerId":"u1"}`, i)))
		require.NoError(t, err)
	}

	m.online.Store(true)
	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.SyncAll(ctx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Len(t, api.Creates, 3, "no mutation is attempted twice")
	assert.Equal(t, 3, results[0].Settled+results[1].Settled,
		"exactly one pass did the work, the other was a no-op")

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWatch_ProbeFlipsOnline(t *testing.T) {
	api := &testutil.FakeAPI{}
	m, _ := newTestManager(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, m.Online, time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}
