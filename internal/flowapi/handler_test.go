package flowapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/liqflow/liqflow/internal/eth"
	"github.com/liqflow/liqflow/internal/flow"
	"github.com/liqflow/liqflow/internal/flowstore"
	"github.com/liqflow/liqflow/internal/idempotency"
	"github.com/liqflow/liqflow/internal/txtrack"
	"github.com/liqflow/liqflow/internal/wallet"
	"github.com/liqflow/liqflow/internal/walletlock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	tokenHex   = "0x3333333333333333333333333333333333333333"
	managerHex = "0x4444444444444444444444444444444444444444"
)

type stubFlows struct {
	mu        sync.Mutex
	accept    bool
	submitted []flow.Intent
	snap      flow.Snapshot
	cancelErr error
	updates   chan flow.Snapshot
}

func (s *stubFlows) Submit(_ context.Context, in flow.Intent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, in)
	return s.accept
}

func (s *stubFlows) Snapshot() flow.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *stubFlows) Cancel() error  { return s.cancelErr }
func (s *stubFlows) Dismiss() error { return s.cancelErr }

func (s *stubFlows) Subscribe() (<-chan flow.Snapshot, func()) {
	return s.updates, func() {}
}

func (s *stubFlows) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

type nullBackend struct{}

func (nullBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (nullBackend) SuggestGasTipCap(context.Context) (*big.Int, error)             { return big.NewInt(1), nil }
func (nullBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}
func (nullBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 21_000, nil }
func (nullBackend) SendTransaction(context.Context, *types.Transaction) error      { return nil }
func (nullBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return make([]byte, 32), nil
}
func (nullBackend) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (nullBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (nullBackend) BlockNumber(context.Context) (uint64, error) { return 1, nil }

func newSessionWallet(t *testing.T) SessionWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	connector := wallet.ConnectorFunc(func(context.Context) (*wallet.Provider, error) {
		return wallet.NewProvider(nullBackend{}, eth.NewLocalSigner(key), wallet.ProviderConfig{
			Submitter: eth.SubmitterConfig{ChainID: big.NewInt(8453), GasLimitMultiplier: 1, MinTipCap: big.NewInt(0)},
			Tracker:   txtrack.Config{Timeout: time.Minute, PollInterval: time.Second},
		})
	})
	sw := SessionWallet{Session: wallet.NewSession(nil), Connector: connector}
	t.Cleanup(sw.Disconnect)
	return sw
}

func newTestHandler(t *testing.T, flows Flows, w Wallet, cfg Config) http.Handler {
	t.Helper()
	h, err := NewHandler(flows, w, cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func do(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHandler_RequiresBearerTokenWhenConfigured(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &stubFlows{}, newSessionWallet(t), Config{AuthToken: "secret"})

	if rr := do(h, http.MethodGet, "/v1/flows/current", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
	if rr := do(h, http.MethodGet, "/v1/flows/current", "", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
	if rr := do(h, http.MethodGet, "/v1/flows/current", "", "secret"); rr.Code != http.StatusOK {
		t.Fatalf("authorized status: got %d want %d", rr.Code, http.StatusOK)
	}
	if rr := do(h, http.MethodGet, "/healthz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz: got %d want %d", rr.Code, http.StatusOK)
	}
}

func TestHandler_SubmitParsesIntent(t *testing.T) {
	t.Parallel()

	flows := &stubFlows{accept: true, snap: flow.Snapshot{ID: "f1", State: flow.StateCheckingAllowance}}
	h := newTestHandler(t, flows, newSessionWallet(t), Config{})

	body := `{"action":"deposit","amount":"100.5","token":{"address":"` + tokenHex + `","symbol":"USDC","decimals":6},` +
		`"spender":"` + managerHex + `","allocations":[{"chain":"base","bps":7000},{"chain":"arbitrum","bps":3000}]}`
	rr := do(h, http.MethodPost, "/v1/flows", body, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d want %d body=%s", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	out := decodeBody(t, rr)
	if out["id"] != "f1" || out["state"] != "checking-allowance" {
		t.Fatalf("body: got %v", out)
	}

	if flows.calls() != 1 {
		t.Fatalf("submits: got %d want 1", flows.calls())
	}
	in := flows.submitted[0]
	if in.Action != flow.ActionDeposit || in.Amount != "100.5" || in.Token.Decimals != 6 {
		t.Fatalf("intent: got %+v", in)
	}
	if in.Token.Address != common.HexToAddress(tokenHex) || in.Spender != common.HexToAddress(managerHex) {
		t.Fatalf("addresses: got %s %s", in.Token.Address, in.Spender)
	}
	if len(in.Allocations) != 2 || in.Allocations[0].BPS != 7000 {
		t.Fatalf("allocations: got %+v", in.Allocations)
	}

	flows.accept = false
	rr = do(h, http.MethodPost, "/v1/flows", body, "")
	if rr.Code != http.StatusConflict || decodeBody(t, rr)["error"] != "flow_active" {
		t.Fatalf("second submit: got %d %s", rr.Code, rr.Body.String())
	}
}

func TestHandler_SubmitRebalance(t *testing.T) {
	t.Parallel()

	flows := &stubFlows{accept: true}
	h := newTestHandler(t, flows, newSessionWallet(t), Config{})

	body := `{"action":"rebalance","spender":"` + managerHex + `","rebalance_type":"aggressive","token_id":"42","deadline":1900000000}`
	if rr := do(h, http.MethodPost, "/v1/flows", body, ""); rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d body=%s", rr.Code, rr.Body.String())
	}
	in := flows.submitted[0]
	if in.Action != flow.ActionRebalance || in.TokenID.Int64() != 42 || in.Deadline.Unix() != 1_900_000_000 {
		t.Fatalf("intent: got %+v", in)
	}
	if in.RebalanceType.String() != "aggressive" {
		t.Fatalf("rebalance type: got %s", in.RebalanceType)
	}
}

func TestHandler_SubmitRejectsBadInput(t *testing.T) {
	t.Parallel()

	flows := &stubFlows{accept: true}
	h := newTestHandler(t, flows, newSessionWallet(t), Config{MaxBodyBytes: 512})

	token := `"token":{"address":"` + tokenHex + `","symbol":"USDC","decimals":6}`
	cases := []struct {
		name string
		body string
		want string
	}{
		{"not json", `{`, "invalid_json"},
		{"unknown field", `{"action":"deposit","bogus":1}`, "invalid_json"},
		{"trailing", `{"action":"deposit"} {}`, "invalid_json"},
		{"too large", `{"action":"` + strings.Repeat("a", 600) + `"}`, "invalid_json"},
		{"action", `{"action":"mint","spender":"` + managerHex + `"}`, "invalid_action"},
		{"spender", `{"action":"deposit","spender":"0x12"}`, "invalid_spender"},
		{"token", `{"action":"deposit","spender":"` + managerHex + `","token":{"address":"nope"}}`, "invalid_token"},
		{"too precise", `{"action":"deposit","amount":"1.0000001",` + token + `,"spender":"` + managerHex + `"}`, "invalid_intent"},
		{"zero", `{"action":"deposit","amount":"0",` + token + `,"spender":"` + managerHex + `"}`, "invalid_intent"},
		{"token id", `{"action":"rebalance","spender":"` + managerHex + `","token_id":"x","deadline":1}`, "invalid_token_id"},
		{"deadline", `{"action":"rebalance","spender":"` + managerHex + `","token_id":"1"}`, "invalid_deadline"},
		{"rebalance type", `{"action":"rebalance","spender":"` + managerHex + `","rebalance_type":"yolo","token_id":"1","deadline":1}`, "invalid_rebalance_type"},
	}
	for _, tc := range cases {
		rr := do(h, http.MethodPost, "/v1/flows", tc.body, "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status got %d want 400", tc.name, rr.Code)
		}
		if got := decodeBody(t, rr)["error"]; got != tc.want {
			t.Fatalf("%s: error got %v want %s", tc.name, got, tc.want)
		}
	}
	if flows.calls() != 0 {
		t.Fatalf("invalid input reached the orchestrator %d times", flows.calls())
	}
}

func TestHandler_SubmitReportsUnresolvedDuplicate(t *testing.T) {
	t.Parallel()

	sw := newSessionWallet(t)
	p, err := sw.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	token := common.HexToAddress(tokenHex)
	manager := common.HexToAddress(managerHex)
	digest, err := idempotency.IntentDigestV1(p.Address(), token, manager, "deposit", big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("IntentDigestV1: %v", err)
	}

	store := flowstore.NewMemoryStore()
	if err := store.Put(context.Background(), flowstore.Record{
		ID:            "earlier",
		Owner:         p.Address(),
		Token:         token,
		Spender:       manager,
		Action:        "deposit",
		State:         "failed",
		PrimaryTxHash: common.HexToHash("0xbb"),
		IntentDigest:  digest,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	flows := &stubFlows{accept: true}
	h := newTestHandler(t, flows, sw, Config{Records: store})

	body := `{"action":"deposit","amount":"5","token":{"address":"` + tokenHex + `","symbol":"USDC","decimals":6},"spender":"` + managerHex + `"}`
	rr := do(h, http.MethodPost, "/v1/flows", body, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status: got %d want 409 body=%s", rr.Code, rr.Body.String())
	}
	if out := decodeBody(t, rr); out["error"] != "duplicate" || out["flow_id"] != "earlier" {
		t.Fatalf("body: got %v", out)
	}
	if flows.calls() != 0 {
		t.Fatalf("duplicate reached the orchestrator")
	}

	// A different amount is a different intent.
	body = strings.Replace(body, `"amount":"5"`, `"amount":"6"`, 1)
	if rr := do(h, http.MethodPost, "/v1/flows", body, ""); rr.Code != http.StatusAccepted {
		t.Fatalf("other amount: got %d", rr.Code)
	}
}

func TestHandler_CancelAndDismiss(t *testing.T) {
	t.Parallel()

	flows := &stubFlows{}
	h := newTestHandler(t, flows, newSessionWallet(t), Config{})

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{nil, http.StatusAccepted, ""},
		{flow.ErrNoActiveFlow, http.StatusNotFound, "no_active_flow"},
		{flow.ErrAlreadySubmitted, http.StatusConflict, "already_submitted"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		flows.cancelErr = tc.err
		rr := do(h, http.MethodPost, "/v1/flows/current/cancel", "", "")
		if rr.Code != tc.status {
			t.Fatalf("cancel %v: got %d want %d", tc.err, rr.Code, tc.status)
		}
		if tc.code != "" && decodeBody(t, rr)["error"] != tc.code {
			t.Fatalf("cancel %v: body %s", tc.err, rr.Body.String())
		}
	}

	flows.cancelErr = nil
	if rr := do(h, http.MethodPost, "/v1/flows/current/dismiss", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("dismiss: got %d", rr.Code)
	}
	flows.cancelErr = flow.ErrNoActiveFlow
	if rr := do(h, http.MethodPost, "/v1/flows/current/dismiss", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("dismiss idle: got %d", rr.Code)
	}
}

func TestHandler_CurrentRendersError(t *testing.T) {
	t.Parallel()

	hash := common.HexToHash("0xcc")
	flows := &stubFlows{snap: flow.Snapshot{
		ID:    "f9",
		State: flow.StateFailed,
		Err: &flow.Error{
			Kind:     flow.KindRevertedOrTimedOut,
			TxHash:   hash,
			Explorer: "https://basescan.org/tx/" + hash.Hex(),
			Err:      txtrack.ErrReverted,
		},
	}}
	h := newTestHandler(t, flows, newSessionWallet(t), Config{})

	rr := do(h, http.MethodGet, "/v1/flows/current", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	var out SnapshotView
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error == nil || out.Error.Kind != "RevertedOrTimedOut" || out.Error.TxHash != hash.Hex() {
		t.Fatalf("error view: got %+v", out.Error)
	}
	if !strings.HasSuffix(out.Error.Explorer, hash.Hex()) {
		t.Fatalf("explorer: got %q", out.Error.Explorer)
	}
}

func TestHandler_RecordLookup(t *testing.T) {
	t.Parallel()

	store := flowstore.NewMemoryStore()
	rec := flowstore.Record{
		ID:            "f1",
		Owner:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Token:         common.HexToAddress(tokenHex),
		Symbol:        "USDC",
		Decimals:      6,
		Spender:       common.HexToAddress(managerHex),
		Action:        "deposit",
		AmountText:    "1.5",
		AmountBase:    big.NewInt(1_500_000),
		State:         "done",
		PrimaryTxHash: common.HexToHash("0xbb"),
		ReceiptStatus: flowstore.ReceiptSuccess,
	}
	if err := store.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	h := newTestHandler(t, &stubFlows{}, newSessionWallet(t), Config{Records: store})

	rr := do(h, http.MethodGet, "/v1/flows/f1", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	var out RecordView
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.AmountBase != "1500000" || out.PrimaryTxHash != common.HexToHash("0xbb").Hex() || out.ReceiptStatus != "success" {
		t.Fatalf("record: got %+v", out)
	}
	if out.ApprovalTxHash != "" {
		t.Fatalf("approval hash: got %q want empty", out.ApprovalTxHash)
	}

	if rr := do(h, http.MethodGet, "/v1/flows/missing", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing: got %d", rr.Code)
	}
}

func TestHandler_WalletConnectDisconnect(t *testing.T) {
	t.Parallel()

	sw := newSessionWallet(t)
	h := newTestHandler(t, &stubFlows{}, sw, Config{})

	rr := do(h, http.MethodPost, "/v1/wallet/connect", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("connect: got %d body=%s", rr.Code, rr.Body.String())
	}
	out := decodeBody(t, rr)
	p, err := sw.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if out["address"] != p.Address().Hex() || out["chain_id"] != "8453" {
		t.Fatalf("connect body: got %v", out)
	}

	if rr := do(h, http.MethodPost, "/v1/wallet/disconnect", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("disconnect: got %d", rr.Code)
	}
	if _, err := sw.Current(); !errors.Is(err, wallet.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestHandler_WalletDisconnectReleasesLock(t *testing.T) {
	t.Parallel()

	sw := newSessionWallet(t)
	locks := walletlock.NewMemoryStore(nil)
	lw, err := walletlock.NewSession(sw.Session, sw.Connector, locks, "api-1", time.Minute, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h := newTestHandler(t, &stubFlows{}, lw, Config{})

	if rr := do(h, http.MethodPost, "/v1/wallet/connect", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("connect: got %d body=%s", rr.Code, rr.Body.String())
	}
	p, err := lw.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	ctx := context.Background()
	if l, err := locks.Get(ctx, p.Address()); err != nil || l.Holder != "api-1" {
		t.Fatalf("lock after connect: holder=%q err=%v", l.Holder, err)
	}

	if rr := do(h, http.MethodPost, "/v1/wallet/disconnect", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("disconnect: got %d", rr.Code)
	}
	if _, err := locks.Get(ctx, p.Address()); !errors.Is(err, walletlock.ErrNotFound) {
		t.Fatalf("lock after disconnect: got %v want ErrNotFound", err)
	}
}

func TestHandler_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "liqflow_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := newTestHandler(t, &stubFlows{}, newSessionWallet(t), Config{Gatherer: reg})
	rr := do(h, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "liqflow_test_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", rr.Body.String())
	}
}

func TestHandler_WebSocketStreamsSnapshots(t *testing.T) {
	t.Parallel()

	flows := &stubFlows{updates: make(chan flow.Snapshot, 2)}
	flows.updates <- flow.Snapshot{ID: "f1", State: flow.StateSubmitting}
	flows.updates <- flow.Snapshot{ID: "f1", State: flow.StateConfirmingPrimary, Confirmations: 1}

	h := newTestHandler(t, flows, newSessionWallet(t), Config{AuthToken: "secret"})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/flows/current/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("expected unauthorized dial to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthorized dial: got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer secret"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first, second SnapshotView
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON #1: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("ReadJSON #2: %v", err)
	}
	if first.State != flow.StateSubmitting || second.State != flow.StateConfirmingPrimary || second.Confirmations != 1 {
		t.Fatalf("stream: got %s then %s", first.State, second.State)
	}
}
