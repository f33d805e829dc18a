package txtrack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidConfig       = errors.New("txtrack: invalid config")
	ErrReverted            = errors.New("txtrack: transaction reverted")
	ErrTimeout             = errors.New("txtrack: confirmation timed out")
	ErrProviderUnavailable = errors.New("txtrack: provider unavailable")
	ErrClosed              = errors.New("txtrack: watcher closed")
)

type State uint8

const (
	StateUnsubmitted State = iota
	StatePending
	StateConfirming
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnsubmitted:
		return "unsubmitted"
	case StatePending:
		return "pending"
	case StateConfirming:
		return "confirming"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) Terminal() bool { return s == StateConfirmed || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := StateUnsubmitted; c <= StateFailed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("txtrack: unknown state %q", b)
}

// Backend is the read side a tracker polls. *ethclient.Client satisfies it.
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	// Confirmations is the number of blocks, counting the inclusion block, a successful receipt
	// needs before the transaction is confirmed.
	Confirmations uint64
	Timeout       time.Duration
	PollInterval  time.Duration

	// MaxProviderErrors consecutive provider failures end tracking with ErrProviderUnavailable.
	MaxProviderErrors int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Status is a point-in-time view of a tracked transaction.
type Status struct {
	Hash          common.Hash
	State         State
	Visible       bool
	BlockNumber   uint64
	Confirmations uint64

	// ReceiptStatus is types.ReceiptStatusSuccessful or types.ReceiptStatusFailed once a
	// receipt has been seen.
	ReceiptStatus *uint64

	Err       error
	UpdatedAt time.Time
}

// ReceiptKnown reports whether the outcome of the transaction on chain is known.
func (s Status) ReceiptKnown() bool { return s.ReceiptStatus != nil }

// Watcher starts trackers that share a backend and a lifetime.
type Watcher struct {
	backend Backend
	cfg     Config
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(backend Backend, cfg Config, log *slog.Logger) (*Watcher, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 || cfg.Timeout <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.MaxProviderErrors <= 0 {
		cfg.MaxProviderErrors = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{backend: backend, cfg: cfg, log: log, ctx: ctx, cancel: cancel}, nil
}

// Track starts following hash in the background and returns immediately.
//
// Tracking is not tied to any caller's context: it runs until the transaction reaches a
// terminal state or the Watcher is closed.
func (w *Watcher) Track(hash common.Hash) *Tracker {
	t := &Tracker{
		w:    w,
		done: make(chan struct{}),
		subs: make(map[int]chan Status),
	}
	t.status = Status{Hash: hash, State: StatePending, UpdatedAt: w.cfg.Now()}

	if err := w.ctx.Err(); err != nil {
		t.status.Err = ErrClosed
		close(t.done)
		return t
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t.run(w.ctx)
	}()
	return t
}

// Close stops every tracker still running. Stopped trackers keep their last state and report
// ErrClosed; the transaction itself is unaffected.
func (w *Watcher) Close() {
	w.cancel()
	w.wg.Wait()
}

// Tracker follows one transaction hash through pending, confirming and a terminal state.
type Tracker struct {
	w *Watcher

	mu     sync.Mutex
	status Status
	subs   map[int]chan Status
	nextID int

	done chan struct{}
}

func (t *Tracker) Hash() common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Hash
}

func (t *Tracker) State() State { return t.Snapshot().State }

func (t *Tracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed once the tracker stops, either in a terminal state or because the Watcher was
// closed.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Wait blocks until the tracker stops or ctx is done. Cancelling ctx does not stop tracking.
func (t *Tracker) Wait(ctx context.Context) (Status, error) {
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

// Subscribe returns a channel that receives every status change. A subscriber that falls behind
// loses intermediate updates but always receives the latest one. The channel is closed when the
// tracker stops or cancel is called.
func (t *Tracker) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)

	t.mu.Lock()
	select {
	case <-t.done:
		ch <- t.status
		close(ch)
		t.mu.Unlock()
		return ch, func() {}
	default:
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	ch <- t.status
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

func (t *Tracker) update(fn func(s *Status)) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.status
	fn(&t.status)
	if statusEqual(prev, t.status) {
		return t.status
	}
	t.status.UpdatedAt = t.w.cfg.Now()
	for _, ch := range t.subs {
		publish(ch, t.status)
	}
	return t.status
}

func (t *Tracker) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	close(t.done)
}

func publish(ch chan Status, s Status) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func statusEqual(a, b Status) bool {
	if a.State != b.State || a.Visible != b.Visible || a.BlockNumber != b.BlockNumber || a.Confirmations != b.Confirmations {
		return false
	}
	if (a.ReceiptStatus == nil) != (b.ReceiptStatus == nil) {
		return false
	}
	if a.ReceiptStatus != nil && *a.ReceiptStatus != *b.ReceiptStatus {
		return false
	}
	return a.Err == b.Err
}

func (t *Tracker) run(ctx context.Context) {
	defer t.finish()

	cfg := t.w.cfg
	log := t.w.log.With("txHash", t.status.Hash)
	hash := t.status.Hash
	start := cfg.Now()
	providerErrs := 0

	fail := func(err error) {
		st := t.update(func(s *Status) {
			s.State = StateFailed
			s.Err = err
		})
		log.Warn("transaction failed", "err", err, "confirmations", st.Confirmations)
	}

	for {
		if ctx.Err() != nil {
			t.update(func(s *Status) { s.Err = ErrClosed })
			return
		}
		if cfg.Now().Sub(start) >= cfg.Timeout {
			fail(fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout))
			return
		}

		done, err := t.poll(ctx, hash)
		switch {
		case err == nil:
			providerErrs = 0
		case ctx.Err() != nil:
			t.update(func(s *Status) { s.Err = ErrClosed })
			return
		default:
			providerErrs++
			log.Debug("receipt poll failed", "err", err, "attempt", providerErrs)
			if providerErrs >= cfg.MaxProviderErrors {
				fail(fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
				return
			}
		}
		if done {
			return
		}

		if err := cfg.Sleep(ctx, cfg.PollInterval); err != nil {
			t.update(func(s *Status) { s.Err = ErrClosed })
			return
		}
	}
}

// poll performs one observation of hash. It returns true once the tracker reached a terminal
// state.
func (t *Tracker) poll(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := t.w.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return false, err
		}
		_, _, err := t.w.backend.TransactionByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				t.update(func(s *Status) { s.State = StatePending; s.Visible = false; clearInclusion(s) })
				return false, nil
			}
			return false, err
		}
		// A receipt seen earlier belonged to a block that was reorged out.
		t.update(func(s *Status) { s.State = StateConfirming; s.Visible = true; clearInclusion(s) })
		return false, nil
	}

	rs := receipt.Status
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	if rs == types.ReceiptStatusFailed {
		t.update(func(s *Status) {
			s.State = StateFailed
			s.Visible = true
			s.BlockNumber = block
			s.ReceiptStatus = &rs
			s.Err = ErrReverted
		})
		t.w.log.Warn("transaction reverted", "txHash", hash, "block", block)
		return true, nil
	}

	head, err := t.w.backend.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	var confs uint64
	if head >= block {
		confs = head - block + 1
	}

	st := t.update(func(s *Status) {
		s.Visible = true
		s.BlockNumber = block
		s.Confirmations = confs
		s.ReceiptStatus = &rs
		if confs >= t.w.cfg.Confirmations {
			s.State = StateConfirmed
		} else {
			s.State = StateConfirming
		}
	})
	if st.State == StateConfirmed {
		t.w.log.Info("transaction confirmed", "txHash", hash, "block", block, "confirmations", confs)
		return true, nil
	}
	return false, nil
}

func clearInclusion(s *Status) {
	s.BlockNumber = 0
	s.Confirmations = 0
	s.ReceiptStatus = nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
