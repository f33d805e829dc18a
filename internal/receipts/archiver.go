package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/flow"
)

const Version = "receipt.v1"

// Receipt is the archived outcome of one finished flow.
type Receipt struct {
	Version string `json:"version"`
	FlowID  string `json:"flowId"`

	Owner  common.Address `json:"owner"`
	Action flow.Action    `json:"action"`
	Amount string         `json:"amount,omitempty"`
	Symbol string         `json:"symbol,omitempty"`

	State          flow.State  `json:"state"`
	ApprovalTxHash common.Hash `json:"approvalTxHash"`
	PrimaryTxHash  common.Hash `json:"primaryTxHash"`
	Confirmations  uint64      `json:"confirmations"`
	ReceiptStatus  string      `json:"receiptStatus,omitempty"`

	FailureKind string `json:"failureKind,omitempty"`
	FailureMsg  string `json:"failureMsg,omitempty"`
	Explorer    string `json:"explorer,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func FromSnapshot(s flow.Snapshot) Receipt {
	r := Receipt{
		Version:        Version,
		FlowID:         s.ID,
		Owner:          s.Owner,
		Action:         s.Intent.Action,
		Amount:         s.Intent.Amount,
		Symbol:         s.Intent.Token.Symbol,
		State:          s.State,
		ApprovalTxHash: s.ApprovalTxHash,
		PrimaryTxHash:  s.PrimaryTxHash,
		Confirmations:  s.Confirmations,
		ReceiptStatus:  s.PrimaryReceipt,
		StartedAt:      s.StartedAt.UTC(),
		FinishedAt:     s.UpdatedAt.UTC(),
	}
	if e := s.Err; e != nil {
		r.FailureKind = e.Kind.String()
		r.FailureMsg = e.Error()
		r.Explorer = e.Explorer
	}
	return r
}

// Key places receipts under the owner so one wallet's history lists with a single prefix.
func Key(owner common.Address, flowID string) string {
	return "receipts/" + strings.ToLower(owner.Hex()) + "/" + flowID + ".json"
}

// Archiver writes a receipt for every flow that reaches a terminal state.
type Archiver struct {
	store   Store
	timeout time.Duration
	log     *slog.Logger
}

func NewArchiver(store Store, log *slog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Archiver{store: store, timeout: 10 * time.Second, log: log}, nil
}

func (a *Archiver) ObserveTransition(ctx context.Context, tr flow.Transition) {
	if !tr.Changed() || !tr.To.Terminal() || tr.Snapshot.ID == "" {
		return
	}
	// Flows that failed before the wallet was known have nothing to attribute.
	if (tr.Snapshot.Owner == common.Address{}) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.Archive(ctx, tr.Snapshot); err != nil {
		a.log.Error("archive receipt", "flowId", tr.Snapshot.ID, "err", err)
	}
}

func (a *Archiver) Archive(ctx context.Context, s flow.Snapshot) error {
	r := FromSnapshot(s)
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"flow-id": r.FlowID,
		"state":   r.State.String(),
	}
	if r.PrimaryTxHash != (common.Hash{}) {
		meta["tx-hash"] = r.PrimaryTxHash.Hex()
	}
	return a.store.Put(ctx, Key(r.Owner, r.FlowID), b, meta)
}

func (a *Archiver) Load(ctx context.Context, owner common.Address, flowID string) (Receipt, error) {
	obj, err := a.store.Get(ctx, Key(owner, flowID))
	if err != nil {
		return Receipt{}, err
	}
	var r Receipt
	if err := json.Unmarshal(obj.Data, &r); err != nil {
		return Receipt{}, fmt.Errorf("receipts: decode %s: %w", obj.Key, err)
	}
	if r.Version != Version {
		return Receipt{}, fmt.Errorf("receipts: unsupported version %q", r.Version)
	}
	return r, nil
}

// IsNotFound reports whether err means no receipt was archived.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

var _ flow.Observer = (*Archiver)(nil)
