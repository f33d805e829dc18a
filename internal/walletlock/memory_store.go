package walletlock

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore locks wallets within one process. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[common.Address]Lock
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, locks: make(map[common.Address]Lock)}
}

func (s *MemoryStore) Acquire(_ context.Context, wallet common.Address, holder string, ttl time.Duration) (Lock, bool, error) {
	if err := ValidateInput(wallet, holder, ttl); err != nil {
		return Lock{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.locks[wallet]; ok && l.ExpiresAt.After(now) {
		return l, false, nil
	}
	l := Lock{Wallet: wallet, Holder: holder, ExpiresAt: now.Add(ttl)}
	s.locks[wallet] = l
	return l, true, nil
}

func (s *MemoryStore) Extend(_ context.Context, wallet common.Address, holder string, ttl time.Duration) (Lock, error) {
	if err := ValidateInput(wallet, holder, ttl); err != nil {
		return Lock{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[wallet]
	if !ok {
		return Lock{}, ErrNotFound
	}
	if l.Holder != holder {
		return Lock{}, ErrNotHolder
	}
	// An expired lock nobody took yet still belongs to its holder.
	l.ExpiresAt = s.now().Add(ttl)
	s.locks[wallet] = l
	return l, nil
}

func (s *MemoryStore) Release(_ context.Context, wallet common.Address, holder string) error {
	if (wallet == common.Address{}) || holder == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[wallet]
	if !ok {
		return nil
	}
	if l.Holder != holder {
		return ErrNotHolder
	}
	delete(s.locks, wallet)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, wallet common.Address) (Lock, error) {
	if (wallet == common.Address{}) {
		return Lock{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[wallet]
	if !ok {
		return Lock{}, ErrNotFound
	}
	return l, nil
}

var _ Store = (*MemoryStore)(nil)
