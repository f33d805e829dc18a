package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/liqflow/liqflow/internal/allowance"
	"github.com/liqflow/liqflow/internal/eth"
	"github.com/liqflow/liqflow/internal/flowstore"
	"github.com/liqflow/liqflow/internal/idempotency"
	"github.com/liqflow/liqflow/internal/position"
	"github.com/liqflow/liqflow/internal/txtrack"
	"github.com/liqflow/liqflow/internal/wallet"
)

// Wallet is the process-wide connection the orchestrator borrows a provider from.
// *wallet.Session satisfies it.
type Wallet interface {
	Current() (*wallet.Provider, error)
	Connected(p *wallet.Provider) bool
}

// Observer receives every snapshot change of every flow instance, in order, from the goroutine
// driving the flow. A transition with From == To is a progress update within a state.
type Observer interface {
	ObserveTransition(ctx context.Context, tr Transition)
}

type ObserverFunc func(ctx context.Context, tr Transition)

func (f ObserverFunc) ObserveTransition(ctx context.Context, tr Transition) { f(ctx, tr) }

type Transition struct {
	From     State
	To       State
	Snapshot Snapshot
}

func (t Transition) Changed() bool { return t.From != t.To }

type Config struct {
	Wallet  Wallet
	Checker *allowance.Checker

	// SettleDelay is waited after an approval confirms, and between allowance re-reads that still
	// report an insufficient amount.
	SettleDelay time.Duration
	// MaxAllowanceRechecks bounds the re-reads after a confirmed approval.
	MaxAllowanceRechecks int

	// ExplorerTxURL is prefixed to a transaction hash to build a block explorer link.
	ExplorerTxURL string

	Observers []Observer
	Logger    *slog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// Orchestrator drives one flow instance at a time from intent to a terminal state.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu  sync.Mutex
	cur *run
	// last is the most recently started run. Dismiss clears cur but never last.
	last    *run
	subs    map[int]chan Snapshot
	nextSub int
}

type run struct {
	intent Intent

	// ctx is cancelled by Cancel; base never is.
	ctx    context.Context
	base   context.Context
	cancel context.CancelFunc

	snap            Snapshot
	cancelRequested bool

	done chan struct{}
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Wallet == nil || cfg.Checker == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.SettleDelay < 0 || cfg.MaxAllowanceRechecks < 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	for _, o := range cfg.Observers {
		if o == nil {
			return nil, fmt.Errorf("%w: nil observer", ErrInvalidConfig)
		}
	}
	return &Orchestrator{
		cfg:  cfg,
		log:  cfg.Logger,
		subs: make(map[int]chan Snapshot),
	}, nil
}

// Submit starts a new flow instance for in. It is accepted only when no flow is active, i.e. the
// orchestrator is idle or the previous flow reached a terminal state; otherwise it is ignored and
// Submit returns false.
//
// The flow runs in the background and outlives ctx's cancellation. Use Cancel to abort it.
func (o *Orchestrator) Submit(ctx context.Context, in Intent) bool {
	o.mu.Lock()
	if o.cur != nil && !o.cur.snap.State.Terminal() {
		active := o.cur.snap
		o.mu.Unlock()
		o.log.Debug("submit ignored", "flowId", active.ID, "state", active.State)
		return false
	}

	base := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(base)
	now := o.cfg.Now()
	r := &run{
		intent: in.clone(),
		ctx:    runCtx,
		base:   base,
		cancel: cancel,
		snap: Snapshot{
			ID:        o.cfg.NewID(),
			State:     StateIdle,
			Intent:    in.clone(),
			StartedAt: now,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}
	prev := o.last
	o.cur = r
	o.last = r
	o.mu.Unlock()

	go o.execute(r, prev)
	return true
}

// Cancel aborts the active flow. It is honoured only while no transaction of the flow has been
// broadcast; afterwards it returns ErrAlreadySubmitted and the flow keeps resolving.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.cur
	if r == nil || r.snap.State.Terminal() {
		return ErrNoActiveFlow
	}
	if r.snap.ApprovalTxHash != (common.Hash{}) || r.snap.PrimaryTxHash != (common.Hash{}) {
		return ErrAlreadySubmitted
	}
	r.cancelRequested = true
	r.cancel()
	return nil
}

// Dismiss detaches the active flow from view. A running flow keeps resolving in the background;
// a finished one is cleared and the orchestrator reports idle.
func (o *Orchestrator) Dismiss() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.cur
	if r == nil {
		return ErrNoActiveFlow
	}
	if r.snap.State.Terminal() {
		o.cur = nil
		o.publishLocked(Snapshot{State: StateIdle, UpdatedAt: o.cfg.Now()})
		return nil
	}
	r.snap.Detached = true
	r.snap.UpdatedAt = o.cfg.Now()
	o.publishLocked(r.snap.clone())
	return nil
}

// Snapshot returns the state of the active flow, or an idle snapshot when there is none.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return Snapshot{State: StateIdle}
	}
	return o.cur.snap.clone()
}

// Wait blocks until the active flow finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	r := o.cur
	o.mu.Unlock()
	if r == nil {
		return Snapshot{State: StateIdle}, nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return r.snap.clone(), nil
}

// Subscribe returns a channel of snapshots of whichever flow is active. It starts with the
// current snapshot. A slow reader skips intermediate snapshots but always sees the latest.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	if o.cur == nil {
		ch <- Snapshot{State: StateIdle}
	} else {
		ch <- o.cur.snap.clone()
	}
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
}

func (o *Orchestrator) publishLocked(s Snapshot) {
	for _, ch := range o.subs {
		for {
			select {
			case ch <- s:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// apply mutates the run's snapshot and notifies subscribers and observers.
func (o *Orchestrator) apply(r *run, fn func(s *Snapshot)) Snapshot {
	o.mu.Lock()
	from := r.snap.State
	fn(&r.snap)
	r.snap.UpdatedAt = o.cfg.Now()
	snap := r.snap.clone()
	if o.cur == r {
		o.publishLocked(snap)
	}
	o.mu.Unlock()

	if from != snap.State {
		o.log.Info("flow transition", "flowId", snap.ID, "from", from, "to", snap.State)
	}
	tr := Transition{From: from, To: snap.State, Snapshot: snap}
	for _, obs := range o.cfg.Observers {
		obs.ObserveTransition(r.base, tr)
	}
	return snap
}

func (o *Orchestrator) execute(r *run, prev *run) {
	defer close(r.done)
	defer r.cancel()

	// Observers see the previous instance's final transition first.
	if prev != nil {
		<-prev.done
	}

	in := r.intent
	amount, err := in.Validate()
	if err != nil {
		o.end(r, nil, err)
		return
	}

	p, err := o.cfg.Wallet.Current()
	if err != nil {
		o.end(r, nil, err)
		return
	}
	owner := p.Address()

	digest, err := idempotency.IntentDigestV1(owner, in.Token.Address, in.Spender, string(in.Action), amount)
	if err != nil {
		o.end(r, p, err)
		return
	}

	var call position.Call
	switch in.Action {
	case ActionDeposit:
		o.apply(r, func(s *Snapshot) {
			s.Owner = owner
			s.AmountBase = amount
			s.IntentDigest = digest
			s.State = StateCheckingAllowance
		})
		if err := p.Positions.PreflightBalance(r.ctx, in.Token.Address, owner, amount); err != nil {
			o.end(r, p, err)
			return
		}
		if !o.ensureAllowance(r, p, amount) {
			return
		}
		call, err = position.CreatePosition(in.Spender, amount, in.Label())
	case ActionRebalance:
		o.apply(r, func(s *Snapshot) {
			s.Owner = owner
			s.IntentDigest = digest
		})
		call, err = position.Rebalance(in.Spender, in.RebalanceType, in.TokenID, in.Deadline, in.Label())
	}
	if err != nil {
		o.end(r, p, err)
		return
	}

	o.apply(r, func(s *Snapshot) { s.State = StateSubmitting })
	hash, err := p.Positions.Submit(r.ctx, call)
	if err != nil {
		o.end(r, p, err)
		return
	}
	o.recordHash(r, hash, func(s *Snapshot) {
		s.PrimaryTxHash = hash
		s.PrimaryTx = txtrack.StatePending
		s.State = StateConfirmingPrimary
	})

	st := o.follow(r, p.Watcher.Track(hash), true)
	p.Positions.Release(hash)
	if st.State != txtrack.StateConfirmed {
		o.end(r, p, trackErr(st))
		return
	}
	o.apply(r, func(s *Snapshot) { s.State = StateDone })
}

// ensureAllowance loops checking-allowance and approving until a fresh read reports a
// sufficient allowance. It returns false if the flow already ended.
func (o *Orchestrator) ensureAllowance(r *run, p *wallet.Provider, amount *big.Int) bool {
	in := r.intent
	key := allowance.Key{Owner: p.Address(), Spender: in.Spender, Token: in.Token.Address}

	approved := false
	rechecks := 0
	for {
		current, err := p.Allowances.Allowance(r.ctx, key)
		if err != nil {
			o.end(r, p, err)
			return false
		}
		o.mu.Lock()
		r.snap.AllowanceReads++
		o.mu.Unlock()

		switch o.cfg.Checker.Decide(amount, current) {
		case allowance.DecisionNotRequired:
			return true

		case allowance.DecisionRequired:
			if approved {
				rechecks++
				if rechecks > o.cfg.MaxAllowanceRechecks {
					o.end(r, p, fmt.Errorf("%w: still %s after %d re-reads", errStaleAllowance, current, rechecks-1))
					return false
				}
				o.log.Debug("allowance read stale after approval", "flowId", r.snap.ID, "allowance", current, "recheck", rechecks)
				if err := o.cfg.Sleep(r.ctx, o.cfg.SettleDelay); err != nil {
					o.end(r, p, err)
					return false
				}
				continue
			}

			o.apply(r, func(s *Snapshot) { s.State = StateApproving })
			hash, err := p.Approvals.Approve(r.ctx, in.Token.Address, in.Spender, in.Token.Symbol)
			if err != nil {
				o.end(r, p, err)
				return false
			}
			o.recordHash(r, hash, func(s *Snapshot) {
				s.ApprovalTxHash = hash
				s.ApprovalTx = txtrack.StatePending
			})

			st := o.follow(r, p.Watcher.Track(hash), false)
			if st.State != txtrack.StateConfirmed {
				o.end(r, p, trackErr(st))
				return false
			}
			approved = true

			if err := o.cfg.Sleep(r.ctx, o.cfg.SettleDelay); err != nil {
				o.end(r, p, err)
				return false
			}
			o.apply(r, func(s *Snapshot) { s.State = StateCheckingAllowance })

		default:
			o.end(r, p, fmt.Errorf("flow: allowance unknown for %s", in.Token.Address))
			return false
		}
	}
}

// recordHash stores a freshly broadcast hash. A Cancel that raced the broadcast is dropped: the
// transaction exists and the flow must follow it.
func (o *Orchestrator) recordHash(r *run, hash common.Hash, fn func(s *Snapshot)) {
	r.ctx = r.base

	var raced bool
	o.apply(r, func(s *Snapshot) {
		raced = r.cancelRequested
		r.cancelRequested = false
		fn(s)
	})
	if raced {
		o.log.Warn("cancel arrived after broadcast; following transaction", "flowId", r.snap.ID, "txHash", hash)
	}
}

// follow mirrors tracker progress into the snapshot until the tracker stops.
func (o *Orchestrator) follow(r *run, t *txtrack.Tracker, primary bool) txtrack.Status {
	updates, stop := t.Subscribe()
	defer stop()

	for st := range updates {
		st := st
		o.apply(r, func(s *Snapshot) {
			if primary {
				s.PrimaryTx = st.State
				s.Confirmations = st.Confirmations
				s.PrimaryReceipt = receiptStatus(st)
			} else {
				s.ApprovalTx = st.State
			}
		})
	}
	return t.Snapshot()
}

func receiptStatus(st txtrack.Status) string {
	if !st.ReceiptKnown() {
		return ""
	}
	if *st.ReceiptStatus == 1 {
		return flowstore.ReceiptSuccess
	}
	return flowstore.ReceiptReverted
}

func trackErr(st txtrack.Status) error {
	if st.Err == nil {
		return fmt.Errorf("flow: tracking stopped in state %s", st.State)
	}
	return st.Err
}

func (o *Orchestrator) classify(r *run, err error) Kind {
	o.mu.Lock()
	cancelled := r.cancelRequested
	o.mu.Unlock()

	switch {
	case cancelled:
		return KindUserCancelled
	case eth.IsUserRejection(err):
		return KindUserCancelled
	case errors.Is(err, position.ErrInsufficientBalance):
		return KindInsufficientFunds
	case errors.Is(err, txtrack.ErrReverted), errors.Is(err, txtrack.ErrTimeout):
		return KindRevertedOrTimedOut
	default:
		return KindSubmissionFailed
	}
}

// end moves the run to cancelled or failed. p may be nil when no provider was obtained.
func (o *Orchestrator) end(r *run, p *wallet.Provider, cause error) {
	kind := o.classify(r, cause)
	if kind == KindSubmissionFailed && p != nil && !errors.Is(cause, wallet.ErrNotConnected) && !o.cfg.Wallet.Connected(p) {
		cause = fmt.Errorf("%w: %v", wallet.ErrNotConnected, cause)
	}

	o.mu.Lock()
	hash := r.snap.PrimaryTxHash
	if hash == (common.Hash{}) {
		hash = r.snap.ApprovalTxHash
	}
	o.mu.Unlock()

	ferr := &Error{
		Kind:   kind,
		Amount: r.intent.Amount,
		Symbol: r.intent.Token.Symbol,
		TxHash: hash,
		Err:    cause,
	}
	if hash != (common.Hash{}) && o.cfg.ExplorerTxURL != "" {
		ferr.Explorer = o.cfg.ExplorerTxURL + hash.Hex()
	}

	to := StateFailed
	if kind == KindUserCancelled {
		to = StateCancelled
		o.log.Info("flow cancelled", "flowId", r.snap.ID, "err", cause)
	} else {
		o.log.Warn("flow failed", "flowId", r.snap.ID, "kind", kind, "txHash", hash, "err", cause)
	}
	o.apply(r, func(s *Snapshot) {
		s.State = to
		s.Err = ferr
	})
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
