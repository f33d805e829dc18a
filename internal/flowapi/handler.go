package flowapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/contractabi"
	"github.com/liqflow/liqflow/internal/flow"
	"github.com/liqflow/liqflow/internal/flowstore"
	"github.com/liqflow/liqflow/internal/idempotency"
	"github.com/liqflow/liqflow/internal/wallet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Flows is the orchestrator surface the API renders. *flow.Orchestrator satisfies it.
type Flows interface {
	Submit(ctx context.Context, in flow.Intent) bool
	Snapshot() flow.Snapshot
	Cancel() error
	Dismiss() error
	Subscribe() (<-chan flow.Snapshot, func())
}

// Records looks up persisted flows.
type Records interface {
	Get(ctx context.Context, id string) (flowstore.Record, error)
	LatestByDigest(ctx context.Context, digest [32]byte) (flowstore.Record, error)
}

// Wallet connects and disconnects the process-wide wallet on explicit request.
type Wallet interface {
	Connect(ctx context.Context) (*wallet.Provider, error)
	Disconnect()
	Current() (*wallet.Provider, error)
}

// SessionWallet binds a session to the connector used to open providers.
type SessionWallet struct {
	Session   *wallet.Session
	Connector wallet.Connector
}

func (w SessionWallet) Connect(ctx context.Context) (*wallet.Provider, error) {
	return w.Session.Connect(ctx, w.Connector)
}

func (w SessionWallet) Disconnect() { w.Session.Disconnect() }

func (w SessionWallet) Current() (*wallet.Provider, error) { return w.Session.Current() }

type Config struct {
	// AuthToken enables bearer-token auth on every request except /healthz when set.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 64 KiB.
	MaxBodyBytes int64

	// Records is optional; without it /v1/flows/{id} is unavailable and duplicates are not
	// reported.
	Records Records

	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

func NewHandler(flows Flows, w Wallet, cfg Config) (http.Handler, error) {
	if flows == nil || w == nil {
		return nil, errors.New("flowapi: nil flows or wallet")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &handler{flows: flows, wallet: w, cfg: cfg, log: cfg.Logger}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("POST /v1/flows", h.auth(h.submit))
	mux.HandleFunc("GET /v1/flows/current", h.auth(h.current))
	mux.HandleFunc("POST /v1/flows/current/cancel", h.auth(h.cancel))
	mux.HandleFunc("POST /v1/flows/current/dismiss", h.auth(h.dismiss))
	mux.HandleFunc("GET /v1/flows/current/ws", h.auth(h.stream))
	mux.HandleFunc("GET /v1/flows/{id}", h.auth(h.record))
	mux.HandleFunc("POST /v1/wallet/connect", h.auth(h.connect))
	mux.HandleFunc("POST /v1/wallet/disconnect", h.auth(h.disconnect))

	if cfg.Gatherer != nil {
		metrics := promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
		mux.HandleFunc("GET /metrics", h.auth(metrics.ServeHTTP))
	}
	return mux, nil
}

type handler struct {
	flows  Flows
	wallet Wallet
	cfg    Config
	log    *slog.Logger
}

func (h *handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req intentRequest
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return
	}
	// Reject trailing garbage.
	if dec.More() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return
	}

	in, code := parseIntent(req)
	if code != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": code})
		return
	}
	amount, err := in.Validate()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_intent", "detail": err.Error()})
		return
	}

	if h.cfg.Records != nil {
		if dup, ok := h.duplicate(r.Context(), in, amount); ok {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "duplicate", "flow_id": dup.ID, "state": dup.State})
			return
		}
	}

	if !h.flows.Submit(r.Context(), in) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "flow_active"})
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(h.flows.Snapshot()))
}

// duplicate finds an earlier flow for the same intent by the connected account whose primary
// transaction may still land.
func (h *handler) duplicate(ctx context.Context, in flow.Intent, amount *big.Int) (flowstore.Record, bool) {
	p, err := h.wallet.Current()
	if err != nil {
		return flowstore.Record{}, false
	}
	digest, err := idempotency.IntentDigestV1(p.Address(), in.Token.Address, in.Spender, string(in.Action), amount)
	if err != nil {
		return flowstore.Record{}, false
	}
	rec, err := h.cfg.Records.LatestByDigest(ctx, digest)
	if err != nil {
		if !errors.Is(err, flowstore.ErrNotFound) {
			h.log.Warn("duplicate lookup failed", "err", err)
		}
		return flowstore.Record{}, false
	}
	// Only a broadcast primary transaction with no known outcome can double-spend.
	if !rec.Unresolved() {
		return flowstore.Record{}, false
	}
	return rec, true
}

func parseIntent(req intentRequest) (flow.Intent, string) {
	action, err := flow.ParseAction(req.Action)
	if err != nil {
		return flow.Intent{}, "invalid_action"
	}
	if !common.IsHexAddress(req.Spender) {
		return flow.Intent{}, "invalid_spender"
	}
	in := flow.Intent{
		Action:      action,
		Amount:      strings.TrimSpace(req.Amount),
		Spender:     common.HexToAddress(req.Spender),
		Allocations: req.Allocations,
		Token: flow.Token{
			Symbol:   req.Token.Symbol,
			Decimals: req.Token.Decimals,
		},
	}
	if req.Token.Address != "" {
		if !common.IsHexAddress(req.Token.Address) {
			return flow.Intent{}, "invalid_token"
		}
		in.Token.Address = common.HexToAddress(req.Token.Address)
	}

	if action == flow.ActionRebalance {
		t, err := contractabi.ParseRebalanceType(req.RebalanceType)
		if err != nil {
			return flow.Intent{}, "invalid_rebalance_type"
		}
		id, ok := new(big.Int).SetString(req.TokenID, 10)
		if !ok || id.Sign() < 0 {
			return flow.Intent{}, "invalid_token_id"
		}
		if req.Deadline <= 0 {
			return flow.Intent{}, "invalid_deadline"
		}
		in.RebalanceType = t
		in.TokenID = id
		in.Deadline = time.Unix(req.Deadline, 0).UTC()
	}
	return in, ""
}

func (h *handler) current(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(h.flows.Snapshot()))
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	switch err := h.flows.Cancel(); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, viewOf(h.flows.Snapshot()))
	case errors.Is(err, flow.ErrNoActiveFlow):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no_active_flow"})
	case errors.Is(err, flow.ErrAlreadySubmitted):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "already_submitted"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}

func (h *handler) dismiss(w http.ResponseWriter, r *http.Request) {
	switch err := h.flows.Dismiss(); {
	case err == nil:
		writeJSON(w, http.StatusOK, viewOf(h.flows.Snapshot()))
	case errors.Is(err, flow.ErrNoActiveFlow):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no_active_flow"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}

func (h *handler) record(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Records == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}
	rec, err := h.cfg.Records.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, flowstore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
			return
		}
		h.log.Error("get flow record", "flowId", r.PathValue("id"), "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, recordView(rec))
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	p, err := h.wallet.Connect(r.Context())
	if err != nil {
		h.log.Warn("wallet connect failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "connect_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  p.Address().Hex(),
		"chain_id": p.ChainID().String(),
	})
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	h.wallet.Disconnect()
	writeJSON(w, http.StatusOK, map[string]any{"connected": false})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	// Conservative parsing: exact "Bearer <token>" with single space.
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
