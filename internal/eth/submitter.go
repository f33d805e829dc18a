package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrInvalidSubmitterConfig = errors.New("eth: invalid submitter config")

// Backend is the write side of a JSON-RPC provider. *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type SubmitterConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int
}

// Submitter signs and broadcasts transactions for a single wallet account. It returns as soon
// as the node accepts the transaction; confirmation tracking lives in package txtrack.
type Submitter struct {
	backend Backend
	signer  Signer
	cfg     SubmitterConfig
	nonces  *NonceManager

	// sendMu serializes nonce reservation through broadcast so a rejected signature can
	// release its nonce without racing another send.
	sendMu sync.Mutex
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate

	// Label is shown to the user by prompting signers.
	Label string
}

type SendResult struct {
	From   common.Address
	Nonce  uint64
	TxHash common.Hash
}

func NewSubmitter(backend Backend, signer Signer, cfg SubmitterConfig) (*Submitter, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	addr := signer.Address()
	if (addr == common.Address{}) {
		return nil, fmt.Errorf("%w: zero signer address", ErrInvalidSubmitterConfig)
	}
	return &Submitter{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		nonces:  NewNonceManager(backend, addr),
	}, nil
}

func (s *Submitter) Address() common.Address { return s.signer.Address() }

func (s *Submitter) ChainID() *big.Int { return new(big.Int).Set(s.cfg.ChainID) }

// Send estimates gas, prices the transaction, asks the signer to sign it and broadcasts it.
//
// A signer rejection returns an error matching ErrUserRejected and releases the reserved nonce.
// A gas estimation revert returns an error matching ErrExecutionReverted.
func (s *Submitter) Send(ctx context.Context, req TxRequest) (SendResult, error) {
	from := s.signer.Address()

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			if IsExecutionReverted(err) {
				return SendResult{}, fmt.Errorf("%w: %s", ErrExecutionReverted, RevertReason(err))
			}
			return SendResult{}, fmt.Errorf("eth: estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: suggest tip: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return SendResult{}, fmt.Errorf("eth: missing baseFee in latest header")
	}

	fees, err := Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return SendResult{}, err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: reserve nonce: %w", err)
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})

	signed, err := s.signer.SignTx(WithLabel(ctx, req.Label), tx, s.cfg.ChainID)
	if err != nil {
		s.nonces.Release(nonce)
		if IsUserRejection(err) && !errors.Is(err, ErrUserRejected) {
			err = fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
		return SendResult{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		s.nonces.Release(nonce)
		if IsUserRejection(err) && !errors.Is(err, ErrUserRejected) {
			err = fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
		return SendResult{}, err
	}

	return SendResult{
		From:   from,
		Nonce:  nonce,
		TxHash: signed.Hash(),
	}, nil
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
