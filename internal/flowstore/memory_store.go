package flowstore

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	order   []string

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	prev, ok := s.records[r.ID]
	if !ok {
		r.CreatedAt = now
		r.UpdatedAt = now
		s.records[r.ID] = copyRecord(r)
		s.order = append(s.order, r.ID)
		return nil
	}

	merged, err := merge(prev, r)
	if err != nil {
		return err
	}
	merged.UpdatedAt = now
	s.records[r.ID] = copyRecord(merged)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) ListUnresolved(_ context.Context, owner common.Address, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	out := make([]Record, 0, limit)
	for _, id := range s.order {
		r := s.records[id]
		if r.Owner != owner || !r.Unresolved() {
			continue
		}
		out = append(out, copyRecord(r))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestByDigest(_ context.Context, digest [32]byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.records[s.order[i]]
		if r.IntentDigest == digest {
			return copyRecord(r), nil
		}
	}
	return Record{}, ErrNotFound
}

func copyRecord(r Record) Record {
	if r.AmountBase != nil {
		r.AmountBase = new(big.Int).Set(r.AmountBase)
	}
	return r
}

var _ Store = (*MemoryStore)(nil)
