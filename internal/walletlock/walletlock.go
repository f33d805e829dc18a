package walletlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput = errors.New("walletlock: invalid input")
	ErrNotFound     = errors.New("walletlock: not found")
	ErrNotHolder    = errors.New("walletlock: not holder")
)

// Lock grants one process the right to start flows for a wallet until ExpiresAt.
type Lock struct {
	Wallet    common.Address
	Holder    string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lock table keyed by wallet.
//
// Acquire succeeds when no lock exists or the existing one expired. Extend succeeds only for the
// current holder. Release is a no-op when the lock is already gone.
type Store interface {
	Acquire(ctx context.Context, wallet common.Address, holder string, ttl time.Duration) (Lock, bool, error)
	Extend(ctx context.Context, wallet common.Address, holder string, ttl time.Duration) (Lock, error)
	Release(ctx context.Context, wallet common.Address, holder string) error
	Get(ctx context.Context, wallet common.Address) (Lock, error)
}

func ValidateInput(wallet common.Address, holder string, ttl time.Duration) error {
	if (wallet == common.Address{}) || holder == "" || ttl <= 0 {
		return fmt.Errorf("%w: wallet and holder must be set and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

// HeldError reports that another process holds the wallet.
type HeldError struct {
	Lock Lock
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("walletlock: %s is held by %s until %s", e.Lock.Wallet.Hex(), e.Lock.Holder, e.Lock.ExpiresAt.UTC().Format(time.RFC3339))
}

// Held is a lock kept alive in the background until Release.
type Held struct {
	store  Store
	lock   Lock
	ttl    time.Duration
	log    *slog.Logger
	lost   chan struct{}
	stop   context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// Hold acquires the wallet lock and extends it every ttl/3. Lost is closed when an extension is
// refused, e.g. after the lock expired and another process took it.
func Hold(ctx context.Context, store Store, wallet common.Address, holder string, ttl time.Duration, log *slog.Logger) (*Held, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := ValidateInput(wallet, holder, ttl); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l, ok, err := store.Acquire(ctx, wallet, holder, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &HeldError{Lock: l}
	}

	runCtx, stop := context.WithCancel(context.Background())
	h := &Held{
		store: store,
		lock:  l,
		ttl:   ttl,
		log:   log.With("wallet", wallet, "holder", holder),
		lost:  make(chan struct{}),
		stop:  stop,
		done:  make(chan struct{}),
	}
	go h.keepAlive(runCtx)
	return h, nil
}

func (h *Held) Lock() Lock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lock
}

func (h *Held) Lost() <-chan struct{} { return h.lost }

// Done is closed once the lock is no longer kept alive, after Release or a loss.
func (h *Held) Done() <-chan struct{} { return h.done }

func (h *Held) keepAlive(ctx context.Context) {
	defer close(h.done)
	t := time.NewTicker(h.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		l, err := h.store.Extend(ctx, h.lock.Wallet, h.lock.Holder, h.ttl)
		switch {
		case err == nil:
			h.mu.Lock()
			h.lock = l
			h.mu.Unlock()
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrNotHolder) || errors.Is(err, ErrNotFound):
			h.log.Error("wallet lock lost", "err", err)
			close(h.lost)
			return
		default:
			// Transient store errors are retried until the lock actually expires.
			h.log.Warn("extend wallet lock", "err", err)
		}
	}
}

// Release stops the keep-alive and deletes the lock. It is safe to call more than once.
func (h *Held) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.stop()
	<-h.done
	err := h.store.Release(ctx, h.lock.Wallet, h.lock.Holder)
	if errors.Is(err, ErrNotHolder) {
		return nil
	}
	return err
}
