package flowapi

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/flow"
	"github.com/liqflow/liqflow/internal/flowstore"
)

// intentRequest is the request body for POST /v1/flows.
type intentRequest struct {
	Action        string            `json:"action"`
	Amount        string            `json:"amount,omitempty"`
	Token         tokenRequest      `json:"token"`
	Spender       string            `json:"spender"`
	Allocations   []flow.Allocation `json:"allocations,omitempty"`
	RebalanceType string            `json:"rebalance_type,omitempty"`
	TokenID       string            `json:"token_id,omitempty"`
	Deadline      int64             `json:"deadline,omitempty"`
}

type tokenRequest struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// SnapshotView is the rendered form of a flow snapshot.
type SnapshotView struct {
	flow.Snapshot
	Error *ErrorView `json:"error,omitempty"`
}

type ErrorView struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	TxHash   string `json:"tx_hash,omitempty"`
	Explorer string `json:"explorer,omitempty"`
}

func viewOf(s flow.Snapshot) SnapshotView {
	v := SnapshotView{Snapshot: s}
	if s.Err != nil {
		v.Error = &ErrorView{
			Kind:     s.Err.Kind.String(),
			Message:  s.Err.Error(),
			Explorer: s.Err.Explorer,
		}
		if s.Err.TxHash != (common.Hash{}) {
			v.Error.TxHash = s.Err.TxHash.Hex()
		}
	}
	return v
}

// RecordView is the rendered form of a persisted flow record.
type RecordView struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	Token          string    `json:"token"`
	Symbol         string    `json:"symbol"`
	Spender        string    `json:"spender"`
	Action         string    `json:"action"`
	Amount         string    `json:"amount,omitempty"`
	AmountBase     string    `json:"amount_base,omitempty"`
	State          string    `json:"state"`
	ApprovalTxHash string    `json:"approval_tx_hash,omitempty"`
	PrimaryTxHash  string    `json:"primary_tx_hash,omitempty"`
	TxStatus       string    `json:"tx_status,omitempty"`
	ReceiptStatus  string    `json:"receipt_status,omitempty"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	FailureMsg     string    `json:"failure_msg,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func recordView(r flowstore.Record) RecordView {
	v := RecordView{
		ID:            r.ID,
		Owner:         r.Owner.Hex(),
		Token:         r.Token.Hex(),
		Symbol:        r.Symbol,
		Spender:       r.Spender.Hex(),
		Action:        r.Action,
		Amount:        r.AmountText,
		State:         r.State,
		TxStatus:      r.TxStatus,
		ReceiptStatus: r.ReceiptStatus,
		FailureKind:   r.FailureKind,
		FailureMsg:    r.FailureMsg,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.AmountBase != nil {
		v.AmountBase = r.AmountBase.String()
	}
	if r.ApprovalTxHash != (common.Hash{}) {
		v.ApprovalTxHash = r.ApprovalTxHash.Hex()
	}
	if r.PrimaryTxHash != (common.Hash{}) {
		v.PrimaryTxHash = r.PrimaryTxHash.Hex()
	}
	return v
}
