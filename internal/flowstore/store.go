package flowstore

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound          = errors.New("flowstore: not found")
	ErrInvalidRecord     = errors.New("flowstore: invalid record")
	ErrInvalidTransition = errors.New("flowstore: invalid transition")
)

const (
	ReceiptSuccess  = "success"
	ReceiptReverted = "reverted"
)

// Record is the durable trace of one flow instance. It stores what the user asked for and which
// transactions were sent, so a restarted client can recover the outcome.
type Record struct {
	ID       string
	Owner    common.Address
	Token    common.Address
	Symbol   string
	Decimals uint8
	Spender  common.Address
	Action   string

	AmountText string
	AmountBase *big.Int

	State string

	ApprovalTxHash common.Hash
	PrimaryTxHash  common.Hash

	// TxStatus is the tracker state of the primary transaction.
	TxStatus string
	// ReceiptStatus is ReceiptSuccess or ReceiptReverted once the primary receipt is known.
	ReceiptStatus string

	FailureKind string
	FailureMsg  string

	IntentDigest [32]byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Unresolved reports whether the primary transaction was broadcast but its receipt was never
// observed.
func (r Record) Unresolved() bool {
	return r.PrimaryTxHash != (common.Hash{}) && r.ReceiptStatus == ""
}

func (r Record) Validate() error {
	if r.ID == "" || r.State == "" || r.Action == "" {
		return ErrInvalidRecord
	}
	if (r.Owner == common.Address{}) {
		return ErrInvalidRecord
	}
	if r.AmountBase != nil && r.AmountBase.Sign() < 0 {
		return ErrInvalidRecord
	}
	switch r.ReceiptStatus {
	case "", ReceiptSuccess, ReceiptReverted:
	default:
		return ErrInvalidRecord
	}
	return nil
}

// IsTerminalState reports whether state is one a flow never leaves.
func IsTerminalState(state string) bool {
	switch state {
	case "done", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// Store persists flow records.
//
// Put upserts by ID. A record in a terminal state is never moved back to a non-terminal one, and
// a primary transaction hash once set never changes; both return ErrInvalidTransition. Zero
// hashes and an empty ReceiptStatus in an update keep the stored values.
type Store interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	ListUnresolved(ctx context.Context, owner common.Address, limit int) ([]Record, error)
	LatestByDigest(ctx context.Context, digest [32]byte) (Record, error)
}

func merge(prev, next Record) (Record, error) {
	if IsTerminalState(prev.State) && !IsTerminalState(next.State) {
		return Record{}, ErrInvalidTransition
	}
	if prev.PrimaryTxHash != (common.Hash{}) && next.PrimaryTxHash != (common.Hash{}) && prev.PrimaryTxHash != next.PrimaryTxHash {
		return Record{}, ErrInvalidTransition
	}
	if next.PrimaryTxHash == (common.Hash{}) {
		next.PrimaryTxHash = prev.PrimaryTxHash
	}
	if next.ApprovalTxHash == (common.Hash{}) {
		next.ApprovalTxHash = prev.ApprovalTxHash
	}
	if next.ReceiptStatus == "" {
		next.ReceiptStatus = prev.ReceiptStatus
	}
	next.CreatedAt = prev.CreatedAt
	return next, nil
}
