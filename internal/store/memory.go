package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stocktide/stocktide/internal/common"
	"github.com/stocktide/stocktide/internal/models"
)

// MemoryStore is the degraded-mode fallback used when SQLite cannot be
// opened. Data does not survive a restart, but the engine keeps working and
// the sync queue still drains while the process lives.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[models.Collection]map[int64]Row
	mutations []models.Mutation
	nextID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[models.Collection]map[int64]Row)}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Put(ctx context.Context, row Row) error {
	if err := normalizeRow(&row); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.records[row.Collection]
	if !ok {
		coll = make(map[int64]Row)
		s.records[row.Collection] = coll
	}
	coll[row.LocalID] = row
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, collection models.Collection, localID int64) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.records[collection][localID]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := row
	return &out, nil
}

func (s *MemoryStore) GetAll(ctx context.Context, collection models.Collection) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.records[collection]
	result := make([]Row, 0, len(coll))
	for _, row := range coll {
		result = append(result, row)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LocalID < result[j].LocalID })
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection models.Collection, localID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[collection], localID)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, collection models.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, collection)
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, m *models.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m.ID = s.nextID
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	s.mutations = append(s.mutations, *m)
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context) ([]models.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []models.Mutation
	for _, m := range s.mutations {
		if !m.Settled {
			result = append(result, m)
		}
	}
	return result, nil
}

func (s *MemoryStore) Settled(ctx context.Context, limit int) ([]models.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []models.Mutation
	for i := len(s.mutations) - 1; i >= 0 && len(result) < limit; i-- {
		if s.mutations[i].Settled {
			result = append(result, s.mutations[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) Settle(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mutations {
		if s.mutations[i].ID == id && !s.mutations[i].Settled {
			s.mutations[i].Settled = true
			return nil
		}
	}
	return common.ErrNotFound
}

func (s *MemoryStore) Rebind(ctx context.Context, id int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mutations {
		if s.mutations[i].ID == id && !s.mutations[i].Settled {
			s.mutations[i].Payload = payload
			return nil
		}
	}
	return common.ErrNotFound
}

func (s *MemoryStore) Discard(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mutations {
		if s.mutations[i].ID == id {
			s.mutations = append(s.mutations[:i], s.mutations[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) PruneSettled(ctx context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settled := 0
	for _, m := range s.mutations {
		if m.Settled {
			settled++
		}
	}
	drop := settled - keep
	if drop <= 0 {
		return nil
	}

	// Settled entries are dropped oldest-first.
	kept := s.mutations[:0]
	for _, m := range s.mutations {
		if m.Settled && drop > 0 {
			drop--
			continue
		}
		kept = append(kept, m)
	}
	s.mutations = kept
	return nil
}
