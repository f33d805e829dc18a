package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/flowstore"
)

// Recorder persists every flow snapshot it observes.
type Recorder struct {
	store flowstore.Store
	log   *slog.Logger
}

func NewRecorder(store flowstore.Store, log *slog.Logger) (*Recorder, error) {
	if store == nil {
		return nil, ErrInvalidConfig
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{store: store, log: log}, nil
}

func (r *Recorder) ObserveTransition(ctx context.Context, tr Transition) {
	// Nothing durable happened before an account was attached.
	if (tr.Snapshot.Owner == common.Address{}) {
		return
	}
	rec := RecordFromSnapshot(tr.Snapshot)
	if err := r.store.Put(ctx, rec); err != nil {
		if errors.Is(err, flowstore.ErrInvalidTransition) {
			r.log.Warn("flow record update refused", "flowId", rec.ID, "state", rec.State, "err", err)
			return
		}
		r.log.Error("persist flow record", "flowId", rec.ID, "state", rec.State, "err", err)
	}
}

// RecordFromSnapshot converts a snapshot to its durable form.
func RecordFromSnapshot(s Snapshot) flowstore.Record {
	rec := flowstore.Record{
		ID:             s.ID,
		Owner:          s.Owner,
		Token:          s.Intent.Token.Address,
		Symbol:         s.Intent.Token.Symbol,
		Decimals:       s.Intent.Token.Decimals,
		Spender:        s.Intent.Spender,
		Action:         string(s.Intent.Action),
		AmountText:     s.Intent.Amount,
		AmountBase:     s.AmountBase,
		State:          s.State.String(),
		ApprovalTxHash: s.ApprovalTxHash,
		PrimaryTxHash:  s.PrimaryTxHash,
		TxStatus:       s.PrimaryTx.String(),
		ReceiptStatus:  s.PrimaryReceipt,
		IntentDigest:   s.IntentDigest,
		CreatedAt:      s.StartedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.Err != nil {
		rec.FailureKind = s.Err.Kind.String()
		if s.Err.Err != nil {
			rec.FailureMsg = s.Err.Err.Error()
		}
	}
	return rec
}

var _ Observer = (*Recorder)(nil)
