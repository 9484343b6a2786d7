package store

import (
	"context"
	"testing"
	"time"

	"github.com/stocktide/stocktide/internal/common"
	"github.com/stocktide/stocktide/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both backends must satisfy the same contract, so every test runs against
// each of them.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	backends := map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, build(t))
		})
	}
}

func row(collection models.Collection, localID int64, serverID, ownerID string) Row {
	return Row{
		Collection: collection,
		LocalID:    localID,
		ServerID:   serverID,
		OwnerID:    ownerID,
		Payload:    []byte(`{}`),
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestPut_UpsertsByLocalID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		r := row(models.CollectionProducts, 101, "", "u1")
		r.Payload = []byte(`{"name":"soap"}`)
		require.NoError(t, s.Put(ctx, r))

		r.Payload = []byte(`{"name":"shampoo"}`)
		r.ServerID = "srv-1"
		require.NoError(t, s.Put(ctx, r))

		got, err := s.Get(ctx, models.CollectionProducts, 101)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"name":"shampoo"}`), got.Payload)
		assert.Equal(t, "srv-1", got.ServerID)

		all, err := s.GetAll(ctx, models.CollectionProducts)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestPut_DerivesLocalIDFromServerID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		r := row(models.CollectionClients, 0, "srv-abc", "u1")
		require.NoError(t, s.Put(ctx, r))

		got, err := s.Get(ctx, models.CollectionClients, FoldServerID("srv-abc"))
		require.NoError(t, err)
		assert.Equal(t, "srv-abc", got.ServerID)
	})
}

func TestPut_RejectsRowWithoutAnyID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		err := s.Put(context.Background(), row(models.CollectionClients, 0, "", "u1"))
		assert.Error(t, err)
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), models.CollectionSales, 404)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestDeleteAndClear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, row(models.CollectionSales, 1, "", "u1")))
		require.NoError(t, s.Put(ctx, row(models.CollectionSales, 2, "", "u1")))

		require.NoError(t, s.Delete(ctx, models.CollectionSales, 1))
		// Deleting an absent row is not an error.
		require.NoError(t, s.Delete(ctx, models.CollectionSales, 1))

		all, err := s.GetAll(ctx, models.CollectionSales)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, s.Clear(ctx, models.CollectionSales))
		all, err = s.GetAll(ctx, models.CollectionSales)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestMutationLog_AppendPendingSettle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		m1 := &models.Mutation{Kind: models.MutationCreate, Collection: models.CollectionSales, Payload: []byte(`{"a":1}`)}
		m2 := &models.Mutation{Kind: models.MutationUpdate, Collection: models.CollectionSales, Payload: []byte(`{"a":2}`)}
		require.NoError(t, s.Append(ctx, m1))
		require.NoError(t, s.Append(ctx, m2))
		assert.Greater(t, m2.ID, m1.ID)
		assert.False(t, m1.EnqueuedAt.IsZero())

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		// FIFO enqueue order.
		assert.Equal(t, m1.ID, pending[0].ID)
		assert.Equal(t, m2.ID, pending[1].ID)

		require.NoError(t, s.Settle(ctx, m1.ID))
		pending, err = s.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, m2.ID, pending[0].ID)

		settled, err := s.Settled(ctx, 10)
		require.NoError(t, err)
		require.Len(t, settled, 1)
		assert.Equal(t, m1.ID, settled[0].ID)

		// Settling twice is an error (entries are never mutated after settling).
		assert.Error(t, s.Settle(ctx, m1.ID))
	})
}

func TestMutationLog_Discard(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		m := &models.Mutation{Kind: models.MutationCreate, Collection: models.CollectionSales, Payload: []byte(`{}`)}
		require.NoError(t, s.Append(ctx, m))
		require.NoError(t, s.Discard(ctx, m.ID))

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		// Discarding an absent id is not an error.
		assert.NoError(t, s.Discard(ctx, m.ID))
	})
}

func TestMutationLog_RebindRewritesPendingPayload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		m := &models.Mutation{Kind: models.MutationUpdate, Collection: models.CollectionSales, Payload: []byte(`{"localId":42}`)}
		require.NoError(t, s.Append(ctx, m))

		require.NoError(t, s.Rebind(ctx, m.ID, []byte(`{"localId":7,"serverId":"srv-1"}`)))

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.JSONEq(t, `{"localId":7,"serverId":"srv-1"}`, string(pending[0].Payload))

		// Settled entries keep the payload they replayed with.
		require.NoError(t, s.Settle(ctx, m.ID))
		assert.Error(t, s.Rebind(ctx, m.ID, []byte(`{}`)))
		assert.Error(t, s.Rebind(ctx, m.ID+100, []byte(`{}`)))
	})
}

func TestMutationLog_OwnerSurvivesRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		m := &models.Mutation{Kind: models.MutationCreate, Collection: models.CollectionSales, OwnerID: "u1", Payload: []byte(`{}`)}
		require.NoError(t, s.Append(ctx, m))

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "u1", pending[0].OwnerID)

		require.NoError(t, s.Settle(ctx, m.ID))
		settled, err := s.Settled(ctx, 10)
		require.NoError(t, err)
		require.Len(t, settled, 1)
		assert.Equal(t, "u1", settled[0].OwnerID)
	})
}

func TestMutationLog_PruneSettledKeepsMostRecent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		var ids []int64
		for i := 0; i < 10; i++ {
			m := &models.Mutation{Kind: models.MutationCreate, Collection: models.CollectionSales, Payload: []byte(`{}`)}
			require.NoError(t, s.Append(ctx, m))
			require.NoError(t, s.Settle(ctx, m.ID))
			ids = append(ids, m.ID)
		}
		// One pending entry must survive pruning untouched.
		pendingM := &models.Mutation{Kind: models.MutationDelete, Collection: models.CollectionSales, Payload: []byte(`{}`)}
		require.NoError(t, s.Append(ctx, pendingM))

		require.NoError(t, s.PruneSettled(ctx, 3))

		settled, err := s.Settled(ctx, 100)
		require.NoError(t, err)
		require.Len(t, settled, 3)
		assert.Equal(t, ids[9], settled[0].ID)
		assert.Equal(t, ids[7], settled[2].ID)

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestFoldServerID_DeterministicAndNonNegative(t *testing.T) {
	assert.Equal(t, FoldServerID("abc"), FoldServerID("abc"))
	assert.NotEqual(t, FoldServerID("abc"), FoldServerID("abd"))
	assert.GreaterOrEqual(t, FoldServerID("zzzzzzzzzzzzzzzz"), int64(0))
}
