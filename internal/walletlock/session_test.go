package walletlock

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/liqflow/liqflow/internal/eth"
	"github.com/liqflow/liqflow/internal/txtrack"
	"github.com/liqflow/liqflow/internal/wallet"
)

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

// testConnector opens providers for the account behind testWallet.
func testConnector(t *testing.T) wallet.Connector {
	t.Helper()
	key, err := crypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	return wallet.ConnectorFunc(func(context.Context) (*wallet.Provider, error) {
		return wallet.NewProvider(nullBackend{}, eth.NewLocalSigner(key), wallet.ProviderConfig{
			Submitter: eth.SubmitterConfig{
				ChainID:            big.NewInt(8453),
				GasLimitMultiplier: 1,
				MinTipCap:          big.NewInt(0),
			},
			Tracker: txtrack.Config{Timeout: time.Minute, PollInterval: time.Millisecond},
		})
	})
}

func newTestSession(t *testing.T, store Store, holder string, ttl time.Duration) (*Session, *wallet.Session) {
	t.Helper()
	ws := wallet.NewSession(nil)
	s, err := NewSession(ws, testConnector(t), store, holder, ttl, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Disconnect)
	return s, ws
}

func TestSession_LocksWhileConnected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore(nil)
	a, _ := newTestSession(t, store, "a", time.Minute)
	b, bws := newTestSession(t, store, "b", time.Minute)

	p, err := a.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	if p.Address() != testWallet {
		t.Fatalf("address: got %s want %s", p.Address(), testWallet)
	}

	_, err = b.Connect(ctx)
	var held *HeldError
	if !errors.As(err, &held) || held.Lock.Holder != "a" {
		t.Fatalf("Connect b: got %v want *HeldError held by a", err)
	}
	if _, err := bws.Current(); !errors.Is(err, wallet.ErrNotConnected) {
		t.Fatalf("b connected despite the lock: %v", err)
	}

	a.Disconnect()
	if _, err := a.Current(); !errors.Is(err, wallet.ErrNotConnected) {
		t.Fatalf("a still connected: %v", err)
	}
	if _, err := store.Get(ctx, testWallet); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lock after disconnect: got %v want ErrNotFound", err)
	}
	if _, err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect b after release: %v", err)
	}
}

func TestSession_ReconnectKeepsLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore(nil)
	s, _ := newTestSession(t, store, "a", time.Minute)

	if _, err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := s.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	l, err := store.Get(ctx, testWallet)
	if err != nil || l.Holder != "a" {
		t.Fatalf("lock: holder=%q err=%v", l.Holder, err)
	}
}

func TestSession_LostLockDisconnects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore(nil)
	s, ws := newTestSession(t, store, "a", 30*time.Millisecond)

	if _, err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := store.Release(ctx, testWallet, "a"); err != nil {
		t.Fatalf("store Release: %v", err)
	}
	if _, ok, err := store.Acquire(ctx, testWallet, "other", time.Minute); err != nil || !ok {
		t.Fatalf("Acquire by other: ok=%v err=%v", ok, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := ws.Current(); errors.Is(err, wallet.ErrNotConnected) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still connected after losing the wallet lock")
		}
		time.Sleep(5 * time.Millisecond)
	}
	l, err := store.Get(ctx, testWallet)
	if err != nil || l.Holder != "other" {
		t.Fatalf("lock: holder=%q err=%v", l.Holder, err)
	}
}

func TestNewSession_Validates(t *testing.T) {
	t.Parallel()

	if _, err := NewSession(nil, nil, nil, "a", time.Second, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil deps: got %v", err)
	}
	if _, err := NewSession(wallet.NewSession(nil), testConnector(t), NewMemoryStore(nil), "", time.Second, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty holder: got %v", err)
	}
}
