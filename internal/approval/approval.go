package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/contractabi"
	"github.com/liqflow/liqflow/internal/eth"
)

var ErrInvalidConfig = errors.New("approval: invalid config")

// Sender broadcasts a signed transaction. *eth.Submitter satisfies it.
type Sender interface {
	Send(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
}

// Submitter sends ERC-20 approvals for the connected wallet.
//
// Every approval requests MaxUint256 rather than the amount about to be spent, so later
// deposits of the same token skip the approval step.
type Submitter struct {
	sender Sender
	log    *slog.Logger
}

func New(sender Sender, log *slog.Logger) (*Submitter, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: nil sender", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Submitter{sender: sender, log: log}, nil
}

// Approve submits approve(spender, MaxUint256) on token and returns the transaction hash as soon
// as the node accepts it.
//
// A declined signature returns an error matching eth.ErrUserRejected. Provider failures are
// returned unchanged and never retried here.
func (s *Submitter) Approve(ctx context.Context, token, spender common.Address, symbol string) (common.Hash, error) {
	if (token == common.Address{}) {
		return common.Hash{}, fmt.Errorf("%w: token must be non-zero", contractabi.ErrInvalidInput)
	}
	data, err := contractabi.PackApprove(spender, contractabi.MaxUint256)
	if err != nil {
		return common.Hash{}, err
	}

	label := "Approve unlimited spending"
	if symbol != "" {
		label = fmt.Sprintf("Approve unlimited %s spending", symbol)
	}

	res, err := s.sender.Send(ctx, eth.TxRequest{
		To:    token,
		Data:  data,
		Label: label,
	})
	if err != nil {
		if eth.IsUserRejection(err) {
			s.log.Info("approval declined", "token", token, "spender", spender)
		} else {
			s.log.Warn("approval submit failed", "token", token, "spender", spender, "err", err)
		}
		return common.Hash{}, err
	}

	s.log.Info("approval submitted", "token", token, "spender", spender, "txHash", res.TxHash, "nonce", res.Nonce)
	return res.TxHash, nil
}
