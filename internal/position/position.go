package position

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/contractabi"
	"github.com/liqflow/liqflow/internal/eth"
)

var (
	ErrInvalidConfig       = errors.New("position: invalid config")
	ErrInvalidCall         = errors.New("position: invalid call")
	ErrInsufficientBalance = errors.New("position: insufficient balance")
	ErrSubmissionInFlight  = errors.New("position: submission already in flight")
)

// Sender broadcasts a signed transaction. *eth.Submitter satisfies it.
type Sender interface {
	Send(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
}

// BalanceReader reads a fresh token balance. *allowance.Reader satisfies it.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Call is one primary action on the position manager contract.
type Call struct {
	Method   string
	Contract common.Address
	Data     []byte
	Label    string
}

// CreatePosition builds createPosition(amount). amount is in the token's base unit.
func CreatePosition(manager common.Address, amount *big.Int, label string) (Call, error) {
	if (manager == common.Address{}) {
		return Call{}, fmt.Errorf("%w: zero position manager", ErrInvalidCall)
	}
	data, err := contractabi.PackCreatePosition(amount)
	if err != nil {
		return Call{}, err
	}
	return Call{Method: "createPosition", Contract: manager, Data: data, Label: label}, nil
}

// Rebalance builds rebalance(type, tokenId, deadline).
func Rebalance(manager common.Address, t contractabi.RebalanceType, tokenID *big.Int, deadline time.Time, label string) (Call, error) {
	if (manager == common.Address{}) {
		return Call{}, fmt.Errorf("%w: zero position manager", ErrInvalidCall)
	}
	if deadline.IsZero() || deadline.Unix() <= 0 {
		return Call{}, fmt.Errorf("%w: missing deadline", ErrInvalidCall)
	}
	data, err := contractabi.PackRebalance(t, tokenID, uint64(deadline.Unix()))
	if err != nil {
		return Call{}, err
	}
	return Call{Method: "rebalance", Contract: manager, Data: data, Label: label}, nil
}

// Submitter sends primary actions for the connected wallet.
//
// At most one primary transaction is in flight per Submitter. The slot is taken when Submit
// starts and is held until Release is called with the returned hash, normally once the
// transaction reaches a terminal state. A failed Submit frees the slot itself.
type Submitter struct {
	sender   Sender
	balances BalanceReader
	log      *slog.Logger

	mu       sync.Mutex
	busy     bool
	inFlight common.Hash
}

func New(sender Sender, balances BalanceReader, log *slog.Logger) (*Submitter, error) {
	if sender == nil || balances == nil {
		return nil, ErrInvalidConfig
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Submitter{sender: sender, balances: balances, log: log}, nil
}

// PreflightBalance fails fast with ErrInsufficientBalance when owner holds less than amount of
// token. It never prompts for a signature.
func (s *Submitter) PreflightBalance(ctx context.Context, token, owner common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: invalid amount", ErrInvalidCall)
	}
	bal, err := s.balances.BalanceOf(ctx, token, owner)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s need %s", ErrInsufficientBalance, bal, amount)
	}
	return nil
}

// Submit sends call and returns its hash. A Submit while another primary transaction is in flight
// returns ErrSubmissionInFlight without contacting the provider.
func (s *Submitter) Submit(ctx context.Context, call Call) (common.Hash, error) {
	if (call.Contract == common.Address{}) || len(call.Data) < 4 {
		return common.Hash{}, ErrInvalidCall
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return common.Hash{}, ErrSubmissionInFlight
	}
	s.busy = true
	s.inFlight = common.Hash{}
	s.mu.Unlock()

	res, err := s.sender.Send(ctx, eth.TxRequest{
		To:    call.Contract,
		Data:  call.Data,
		Label: call.Label,
	})
	if err != nil {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		if eth.IsUserRejection(err) {
			s.log.Info("primary action declined", "method", call.Method)
		} else {
			s.log.Warn("primary action submit failed", "method", call.Method, "err", err)
		}
		return common.Hash{}, err
	}

	s.mu.Lock()
	s.inFlight = res.TxHash
	s.mu.Unlock()

	s.log.Info("primary action submitted", "method", call.Method, "txHash", res.TxHash, "nonce", res.Nonce)
	return res.TxHash, nil
}

// Release frees the in-flight slot held by hash. It reports false if hash is not the
// transaction currently in flight.
func (s *Submitter) Release(hash common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy || s.inFlight != hash {
		return false
	}
	s.busy = false
	s.inFlight = common.Hash{}
	return true
}

// InFlight returns the hash of the primary transaction currently holding the slot, if any.
func (s *Submitter) InFlight() (common.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight, s.busy
}
