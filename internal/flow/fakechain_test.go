package flow

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/liqflow/liqflow/internal/allowance"
	"github.com/liqflow/liqflow/internal/contractabi"
	"github.com/liqflow/liqflow/internal/eth"
	"github.com/liqflow/liqflow/internal/txtrack"
	"github.com/liqflow/liqflow/internal/wallet"
)

var (
	testToken   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testManager = common.HexToAddress("0x4444444444444444444444444444444444444444")

	selApprove   = mustSelector("approve")
	selCreate    = mustSelector("createPosition")
	selRebalance = mustSelector("rebalance")
	selAllowance = mustSelector("allowance")
	selBalanceOf = mustSelector("balanceOf")
)

func mustSelector(name string) [4]byte {
	sel, err := contractabi.MethodSelector(name)
	if err != nil {
		panic(err)
	}
	return sel
}

// fakeChain is a single-node chain that mines every accepted transaction into the head block.
type fakeChain struct {
	mu sync.Mutex

	// allowances is consumed one value per read; the last value repeats.
	allowances     []*big.Int
	allowanceReads int
	balance        *big.Int

	head uint64
	// hold withholds receipts: sent transactions stay visible but unmined.
	hold   bool
	revert map[[4]byte]bool

	sent        []*types.Transaction
	readsAtSend []int
	txs         map[common.Hash]*types.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		allowances: []*big.Int{new(big.Int).Set(contractabi.MaxUint256)},
		balance:    big.NewInt(1_000_000_000),
		head:       100,
		revert:     make(map[[4]byte]bool),
		txs:        make(map[common.Hash]*types.Transaction),
	}
}

func (c *fakeChain) setAllowances(vs ...*big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowances = vs
}

func (c *fakeChain) setHold(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = v
}

func (c *fakeChain) setRevert(sel [4]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revert[sel] = true
}

func (c *fakeChain) reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowanceReads
}

// sentWith returns the sent transactions whose calldata starts with sel, and the allowance read
// count at the time each was sent.
func (c *fakeChain) sentWith(sel [4]byte) ([]*types.Transaction, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		txs   []*types.Transaction
		reads []int
	)
	for i, tx := range c.sent {
		if contractabi.Selector(tx.Data()) == sel {
			txs = append(txs, tx)
			reads = append(reads, c.readsAtSend[i])
		}
	}
	return txs, reads
}

func (c *fakeChain) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChain) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 0, nil
}

func (c *fakeChain) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (c *fakeChain) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(100)}, nil
}

func (c *fakeChain) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	c.readsAtSend = append(c.readsAtSend, c.allowanceReads)
	c.txs[tx.Hash()] = tx
	return nil
}

func (c *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch contractabi.Selector(msg.Data) {
	case selAllowance:
		c.allowanceReads++
		v := c.allowances[0]
		if len(c.allowances) > 1 {
			c.allowances = c.allowances[1:]
		}
		return common.LeftPadBytes(v.Bytes(), 32), nil
	case selBalanceOf:
		return common.LeftPadBytes(c.balance.Bytes(), 32), nil
	default:
		return common.LeftPadBytes([]byte{6}, 32), nil
	}
}

func (c *fakeChain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, c.hold, nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	if !ok || c.hold {
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if c.revert[contractabi.Selector(tx.Data())] {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(c.head),
	}, nil
}

func (c *fakeChain) BlockNumber(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

var _ wallet.Backend = (*fakeChain)(nil)

// countingPrompter approves or declines every request.
type countingPrompter struct {
	approve bool
	calls   atomic.Int32
}

func (p *countingPrompter) Confirm(_ context.Context, _ eth.SignRequest) (bool, error) {
	p.calls.Add(1)
	return p.approve, nil
}

// blockingPrompter waits for its context, the way a signature prompt stays open until the
// caller gives up.
type blockingPrompter struct {
	once    sync.Once
	entered chan struct{}
}

func newBlockingPrompter() *blockingPrompter {
	return &blockingPrompter{entered: make(chan struct{})}
}

func (p *blockingPrompter) Confirm(ctx context.Context, _ eth.SignRequest) (bool, error) {
	p.once.Do(func() { close(p.entered) })
	<-ctx.Done()
	return false, ctx.Err()
}

func testSigner(t *testing.T) *eth.LocalSigner {
	t.Helper()
	key, err := crypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	return eth.NewLocalSigner(key)
}

func newTestProvider(t *testing.T, chain *fakeChain, signer eth.Signer) *wallet.Provider {
	t.Helper()
	p, err := wallet.NewProvider(chain, signer, wallet.ProviderConfig{
		Submitter: eth.SubmitterConfig{
			ChainID:            big.NewInt(8453),
			GasLimitMultiplier: 1.2,
			MinTipCap:          big.NewInt(1),
		},
		Tracker: txtrack.Config{
			Confirmations: 1,
			Timeout:       time.Minute,
			PollInterval:  time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func connect(t *testing.T, s *wallet.Session, p *wallet.Provider) {
	t.Helper()
	_, err := s.Connect(context.Background(), wallet.ConnectorFunc(func(context.Context) (*wallet.Provider, error) {
		return p, nil
	}))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(p.Close)
}

// transitionLog records every state change an orchestrator reports.
type transitionLog struct {
	mu     sync.Mutex
	states []State
}

func (l *transitionLog) ObserveTransition(_ context.Context, tr Transition) {
	if !tr.Changed() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, tr.To)
}

func (l *transitionLog) get() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *transitionLog) saw(s State) bool {
	for _, got := range l.get() {
		if got == s {
			return true
		}
	}
	return false
}

// gateObserver blocks inside the first terminal transition it sees until release is closed.
type gateObserver struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	seen []string
}

func newGateObserver() *gateObserver {
	return &gateObserver{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateObserver) ObserveTransition(_ context.Context, tr Transition) {
	g.mu.Lock()
	g.seen = append(g.seen, tr.Snapshot.ID+":"+tr.To.String())
	g.mu.Unlock()
	if !tr.To.Terminal() {
		return
	}
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

func (g *gateObserver) get() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.seen...)
}

type harness struct {
	chain   *fakeChain
	session *wallet.Session
	orch    *Orchestrator
	log     *transitionLog
}

func newHarness(t *testing.T, signer eth.Signer, mutate func(*Config)) *harness {
	t.Helper()

	chain := newFakeChain()
	session := wallet.NewSession(nil)
	if signer != nil {
		connect(t, session, newTestProvider(t, chain, signer))
	}

	checker, err := allowance.NewChecker(nil)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	log := &transitionLog{}
	var ids atomic.Int64
	cfg := Config{
		Wallet:               session,
		Checker:              checker,
		MaxAllowanceRechecks: 3,
		ExplorerTxURL:        "https://basescan.org/tx/",
		Observers:            []Observer{log},
		NewID: func() string {
			return "flow-" + big.NewInt(ids.Add(1)).String()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{chain: chain, session: session, orch: orch, log: log}
}

func depositIntent(amount string) Intent {
	return Intent{
		Action:  ActionDeposit,
		Amount:  amount,
		Token:   Token{Address: testToken, Symbol: "USDC", Decimals: 6},
		Spender: testManager,
	}
}

func waitDone(t *testing.T, o *Orchestrator) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := o.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v (state %s)", err, snap.State)
	}
	return snap
}

func waitState(t *testing.T, o *Orchestrator, want State) Snapshot {
	t.Helper()
	updates, stop := o.Subscribe()
	defer stop()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-updates:
			if s.State == want {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s (now %s)", want, o.Snapshot().State)
			return Snapshot{}
		}
	}
}
