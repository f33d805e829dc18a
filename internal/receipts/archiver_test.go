package receipts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/flow"
)

var testOwner = common.HexToAddress("0xAbCd000000000000000000000000000000000001")

func TestKey(t *testing.T) {
	t.Parallel()

	got := Key(testOwner, "f1")
	want := "receipts/0xabcd000000000000000000000000000000000001/f1.json"
	if got != want {
		t.Fatalf("Key: got %q want %q", got, want)
	}
}

func TestArchiver_WritesTerminalTransitionsOnly(t *testing.T) {
	t.Parallel()

	store, err := NewStore(StoreConfig{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	a, err := NewArchiver(store, nil)
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}

	started := time.Unix(1_700_000_000, 0)
	hash := common.HexToHash("0x01")
	snap := flow.Snapshot{
		ID:             "f1",
		Owner:          testOwner,
		Intent:         flow.Intent{Action: flow.ActionDeposit, Amount: "100.5", Token: flow.Token{Symbol: "USDC", Decimals: 6}},
		PrimaryTxHash:  hash,
		Confirmations:  3,
		PrimaryReceipt: "success",
		StartedAt:      started,
		UpdatedAt:      started.Add(time.Minute),
	}

	ctx := context.Background()
	confirming := snap
	confirming.State = flow.StateConfirmingPrimary
	a.ObserveTransition(ctx, flow.Transition{From: flow.StateSubmitting, To: flow.StateConfirmingPrimary, Snapshot: confirming})
	if _, err := a.Load(ctx, testOwner, "f1"); !IsNotFound(err) {
		t.Fatalf("non-terminal transition archived: %v", err)
	}

	done := snap
	done.State = flow.StateDone
	a.ObserveTransition(ctx, flow.Transition{From: flow.StateConfirmingPrimary, To: flow.StateDone, Snapshot: done})

	r, err := a.Load(ctx, testOwner, "f1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.State != flow.StateDone || r.PrimaryTxHash != hash || r.Amount != "100.5" || r.Symbol != "USDC" {
		t.Fatalf("receipt: got %+v", r)
	}
	if !r.FinishedAt.Equal(started.Add(time.Minute)) || r.FailureKind != "" {
		t.Fatalf("receipt times/failure: got %+v", r)
	}
}

func TestArchiver_RecordsFailure(t *testing.T) {
	t.Parallel()

	store, _ := NewStore(StoreConfig{})
	a, _ := NewArchiver(store, nil)

	hash := common.HexToHash("0x02")
	snap := flow.Snapshot{
		ID:            "f2",
		Owner:         testOwner,
		State:         flow.StateFailed,
		PrimaryTxHash: hash,
		Err: &flow.Error{
			Kind:     flow.KindRevertedOrTimedOut,
			TxHash:   hash,
			Explorer: "https://basescan.org/tx/" + hash.Hex(),
		},
	}
	if err := a.Archive(context.Background(), snap); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	r, err := a.Load(context.Background(), testOwner, "f2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.FailureKind != "RevertedOrTimedOut" || r.Explorer != snap.Err.Explorer {
		t.Fatalf("failure: got %+v", r)
	}

	obj, err := store.Get(context.Background(), Key(testOwner, "f2"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := obj.Metadata["tx-hash"]; got != hash.Hex() {
		t.Fatalf("tx-hash metadata: got %q", got)
	}
}

func TestArchiver_SkipsUnattributedFlows(t *testing.T) {
	t.Parallel()

	store, _ := NewStore(StoreConfig{})
	a, _ := NewArchiver(store, nil)
	a.ObserveTransition(context.Background(), flow.Transition{
		From:     flow.StateIdle,
		To:       flow.StateFailed,
		Snapshot: flow.Snapshot{ID: "f3", State: flow.StateFailed},
	})
	ok, err := store.Exists(context.Background(), Key(common.Address{}, "f3"))
	if err != nil || ok {
		t.Fatalf("Exists: got %v, %v", ok, err)
	}

	if _, err := NewArchiver(nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: got %v", err)
	}
}

func TestArchiver_RecoveredFlowReplacesStaleReceipt(t *testing.T) {
	t.Parallel()

	store, _ := NewStore(StoreConfig{})
	a, _ := NewArchiver(store, nil)
	ctx := context.Background()

	snap := flow.Snapshot{
		ID:            "f3",
		Owner:         testOwner,
		Intent:        flow.Intent{Action: flow.ActionDeposit, Amount: "5", Token: flow.Token{Symbol: "USDC", Decimals: 6}},
		PrimaryTxHash: common.HexToHash("0x03"),
	}
	failed := snap
	failed.State = flow.StateFailed
	failed.Err = &flow.Error{Kind: flow.KindRevertedOrTimedOut, Err: errors.New("watcher closed")}
	a.ObserveTransition(ctx, flow.Transition{From: flow.StateConfirmingPrimary, To: flow.StateFailed, Snapshot: failed})

	done := snap
	done.State = flow.StateDone
	done.PrimaryReceipt = "success"
	a.ObserveTransition(ctx, flow.Transition{From: flow.StateConfirmingPrimary, To: flow.StateDone, Snapshot: done})

	r, err := a.Load(ctx, testOwner, "f3")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.State != flow.StateDone || r.FailureKind != "" || r.ReceiptStatus != "success" {
		t.Fatalf("receipt: state=%s kind=%q receipt=%q", r.State, r.FailureKind, r.ReceiptStatus)
	}
}
