package flow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/liqflow/liqflow/internal/flowstore"
	"github.com/liqflow/liqflow/internal/txtrack"
	"github.com/liqflow/liqflow/internal/wallet"
)

// RecoverLimit caps the number of unresolved records examined per call.
const RecoverLimit = 100

// Recover resolves flows of p's account whose primary transaction was broadcast but never
// observed to a receipt, e.g. because the client exited. Each hash is followed with p's watcher
// and the record is updated with the outcome. Every resolved flow is then reported to observers
// as a transition from confirming-primary to its terminal state. It returns the number of records
// resolved.
func Recover(ctx context.Context, store flowstore.Store, p *wallet.Provider, log *slog.Logger, observers ...Observer) (int, error) {
	if store == nil || p == nil {
		return 0, ErrInvalidConfig
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	recs, err := store.ListUnresolved(ctx, p.Address(), RecoverLimit)
	if err != nil {
		return 0, fmt.Errorf("flow: list unresolved: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	log.Info("recovering flows", "owner", p.Address(), "count", len(recs))

	var (
		obsMu    sync.Mutex
		mu       sync.Mutex
		resolved int
		firstErr error
		wg       sync.WaitGroup
	)
	for _, rec := range recs {
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()

			st, err := p.Watcher.Track(rec.PrimaryTxHash).Wait(ctx)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if !st.ReceiptKnown() {
				log.Warn("flow still unresolved", "flowId", rec.ID, "txHash", rec.PrimaryTxHash, "txState", st.State, "err", st.Err)
				return
			}

			rec.TxStatus = st.State.String()
			rec.ReceiptStatus = receiptStatus(st)
			if st.State == txtrack.StateConfirmed {
				rec.State = StateDone.String()
				rec.FailureKind = ""
				rec.FailureMsg = ""
			} else {
				rec.State = StateFailed.String()
				rec.FailureKind = KindRevertedOrTimedOut.String()
				if st.Err != nil {
					rec.FailureMsg = st.Err.Error()
				}
			}
			if err := store.Put(ctx, rec); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("flow: update %s: %w", rec.ID, err)
				}
				mu.Unlock()
				return
			}
			log.Info("flow recovered", "flowId", rec.ID, "txHash", rec.PrimaryTxHash, "state", rec.State)

			if len(observers) > 0 {
				snap := snapshotFromRecord(rec, st)
				tr := Transition{From: StateConfirmingPrimary, To: snap.State, Snapshot: snap}
				obsMu.Lock()
				for _, obs := range observers {
					obs.ObserveTransition(ctx, tr)
				}
				obsMu.Unlock()
			}

			mu.Lock()
			resolved++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return resolved, firstErr
}

// snapshotFromRecord rebuilds the terminal snapshot of a recovered flow.
func snapshotFromRecord(rec flowstore.Record, st txtrack.Status) Snapshot {
	snap := Snapshot{
		ID: rec.ID,
		Intent: Intent{
			Action:  Action(rec.Action),
			Amount:  rec.AmountText,
			Token:   Token{Address: rec.Token, Symbol: rec.Symbol, Decimals: rec.Decimals},
			Spender: rec.Spender,
		},
		Owner:          rec.Owner,
		AmountBase:     rec.AmountBase,
		IntentDigest:   rec.IntentDigest,
		ApprovalTxHash: rec.ApprovalTxHash,
		PrimaryTxHash:  rec.PrimaryTxHash,
		PrimaryTx:      st.State,
		Confirmations:  st.Confirmations,
		PrimaryReceipt: rec.ReceiptStatus,
		StartedAt:      rec.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
	}
	_ = snap.State.UnmarshalText([]byte(rec.State))
	if snap.State == StateFailed {
		snap.Err = &Error{
			Kind:   KindRevertedOrTimedOut,
			Amount: rec.AmountText,
			Symbol: rec.Symbol,
			TxHash: rec.PrimaryTxHash,
			Err:    st.Err,
		}
	}
	return snap
}
