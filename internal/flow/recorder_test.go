package flow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/liqflow/liqflow/internal/flowstore"
	"github.com/liqflow/liqflow/internal/txtrack"
)

func TestRecorder_PersistsSnapshots(t *testing.T) {
	t.Parallel()

	store := flowstore.NewMemoryStore()
	rec, err := NewRecorder(store, nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	ctx := context.Background()
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")

	// Before an account is attached there is nothing to persist.
	rec.ObserveTransition(ctx, Transition{To: StateFailed, Snapshot: Snapshot{ID: "f1", State: StateFailed}})
	if _, err := store.Get(ctx, "f1"); !errors.Is(err, flowstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	snap := Snapshot{
		ID:            "f1",
		State:         StateConfirmingPrimary,
		Intent:        depositIntent("2"),
		Owner:         owner,
		AmountBase:    big.NewInt(2_000_000),
		PrimaryTxHash: common.HexToHash("0xbb"),
		PrimaryTx:     txtrack.StatePending,
		StartedAt:     time.Unix(1_700_000_000, 0).UTC(),
	}
	rec.ObserveTransition(ctx, Transition{From: StateSubmitting, To: snap.State, Snapshot: snap})

	got, err := store.Get(ctx, "f1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != "confirming-primary" || got.TxStatus != "pending" || got.Action != "deposit" {
		t.Fatalf("record: %s/%s/%s", got.State, got.TxStatus, got.Action)
	}
	if got.Symbol != "USDC" || got.Decimals != 6 || got.AmountText != "2" || got.AmountBase.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("token fields: %+v", got)
	}
	if !got.Unresolved() {
		t.Fatalf("expected unresolved record")
	}

	snap.State = StateFailed
	snap.Err = &Error{Kind: KindRevertedOrTimedOut, Err: txtrack.ErrReverted}
	snap.PrimaryReceipt = flowstore.ReceiptReverted
	rec.ObserveTransition(ctx, Transition{From: StateConfirmingPrimary, To: StateFailed, Snapshot: snap})

	got, err = store.Get(ctx, "f1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != "failed" || got.FailureKind != "RevertedOrTimedOut" || got.FailureMsg != txtrack.ErrReverted.Error() {
		t.Fatalf("failure: %s/%s/%s", got.State, got.FailureKind, got.FailureMsg)
	}
	if got.Unresolved() {
		t.Fatalf("record with receipt still unresolved")
	}

	// A late non-terminal snapshot is refused by the store and only logged.
	snap.State = StateConfirmingPrimary
	rec.ObserveTransition(ctx, Transition{From: StateFailed, To: StateConfirmingPrimary, Snapshot: snap})
	if got, _ := store.Get(ctx, "f1"); got.State != "failed" {
		t.Fatalf("state after refused update: got %s", got.State)
	}
}

func TestRecover_Validation(t *testing.T) {
	t.Parallel()

	if _, err := Recover(context.Background(), nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRecover_ResolvesBroadcastFlows(t *testing.T) {
	t.Parallel()

	chain := newFakeChain()
	chain.setRevert(selRebalance)
	p := newTestProvider(t, chain, testSigner(t))
	t.Cleanup(p.Close)

	mined := func(nonce uint64, sel [4]byte) common.Hash {
		tx := types.NewTx(&types.DynamicFeeTx{Nonce: nonce, To: &testManager, Data: sel[:]})
		chain.mu.Lock()
		chain.txs[tx.Hash()] = tx
		chain.mu.Unlock()
		return tx.Hash()
	}
	okHash := mined(1, selCreate)
	revertedHash := mined(2, selRebalance)

	ctx := context.Background()
	store := flowstore.NewMemoryStore()
	put := func(id, action string, hash common.Hash) {
		t.Helper()
		err := store.Put(ctx, flowstore.Record{
			ID:            id,
			Owner:         p.Address(),
			Action:        action,
			State:         StateConfirmingPrimary.String(),
			PrimaryTxHash: hash,
			TxStatus:      txtrack.StatePending.String(),
		})
		if err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	put("ok", "deposit", okHash)
	put("reverted", "rebalance", revertedHash)

	var (
		mu       sync.Mutex
		resolved = make(map[string]Transition)
	)
	obs := ObserverFunc(func(_ context.Context, tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		resolved[tr.Snapshot.ID] = tr
	})

	n, err := Recover(ctx, store, p, nil, obs)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("resolved: got %d want 2", n)
	}

	mu.Lock()
	okTr, revTr := resolved["ok"], resolved["reverted"]
	mu.Unlock()
	if !okTr.Changed() || okTr.To != StateDone || okTr.Snapshot.PrimaryTxHash != okHash || okTr.Snapshot.Owner != p.Address() {
		t.Fatalf("ok transition: %+v", okTr)
	}
	if okTr.Snapshot.PrimaryReceipt != flowstore.ReceiptSuccess || okTr.Snapshot.Err != nil {
		t.Fatalf("ok snapshot: receipt=%s err=%v", okTr.Snapshot.PrimaryReceipt, okTr.Snapshot.Err)
	}
	if revTr.To != StateFailed || revTr.Snapshot.Err == nil || !errors.Is(revTr.Snapshot.Err, ErrRevertedOrTimedOut) {
		t.Fatalf("reverted transition: to=%s err=%v", revTr.To, revTr.Snapshot.Err)
	}
	if revTr.Snapshot.Intent.Action != ActionRebalance {
		t.Fatalf("reverted action: got %s", revTr.Snapshot.Intent.Action)
	}

	got, err := store.Get(ctx, "ok")
	if err != nil {
		t.Fatalf("Get ok: %v", err)
	}
	if got.State != "done" || got.ReceiptStatus != flowstore.ReceiptSuccess || got.Unresolved() {
		t.Fatalf("ok record: state=%s receipt=%s", got.State, got.ReceiptStatus)
	}
	got, err = store.Get(ctx, "reverted")
	if err != nil {
		t.Fatalf("Get reverted: %v", err)
	}
	if got.State != "failed" || got.ReceiptStatus != flowstore.ReceiptReverted || got.FailureKind != "RevertedOrTimedOut" {
		t.Fatalf("reverted record: state=%s receipt=%s kind=%s", got.State, got.ReceiptStatus, got.FailureKind)
	}

	// Nothing is left to recover.
	if n, err := Recover(ctx, store, p, nil); err != nil || n != 0 {
		t.Fatalf("second Recover: n=%d err=%v", n, err)
	}
}
