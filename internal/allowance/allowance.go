package allowance

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/contractabi"
	"github.com/liqflow/liqflow/internal/units"
)

var (
	ErrInvalidConfig = errors.New("allowance: invalid config")
	ErrInvalidKey    = errors.New("allowance: invalid key")
)

// DefaultEpsilon is how far below MaxUint256 an allowance may sit and still count as an
// unlimited approval. Tokens that decrement unlimited allowances on transferFrom drift below
// the maximum by the amounts spent.
var DefaultEpsilon = new(big.Int).Lsh(big.NewInt(1), 128)

type Decision uint8

const (
	// DecisionUnknown means the allowance has not been loaded. Callers must not proceed on it.
	DecisionUnknown Decision = iota
	DecisionRequired
	DecisionNotRequired
)

func (d Decision) String() string {
	switch d {
	case DecisionUnknown:
		return "unknown"
	case DecisionRequired:
		return "required"
	case DecisionNotRequired:
		return "not-required"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// Checker decides whether an approval transaction is needed. It holds no allowance state.
type Checker struct {
	epsilon   *big.Int
	threshold *big.Int
}

// NewChecker returns a Checker with the given epsilon. A nil epsilon uses DefaultEpsilon.
func NewChecker(epsilon *big.Int) (*Checker, error) {
	if epsilon == nil {
		epsilon = DefaultEpsilon
	}
	if epsilon.Sign() < 0 || epsilon.Cmp(contractabi.MaxUint256) > 0 {
		return nil, fmt.Errorf("%w: epsilon out of range", ErrInvalidConfig)
	}
	return &Checker{
		epsilon:   new(big.Int).Set(epsilon),
		threshold: new(big.Int).Sub(contractabi.MaxUint256, epsilon),
	}, nil
}

func (c *Checker) Epsilon() *big.Int { return new(big.Int).Set(c.epsilon) }

// MaxApproved reports whether allowance is within epsilon of MaxUint256.
func (c *Checker) MaxApproved(allowance *big.Int) bool {
	return allowance != nil && allowance.Cmp(c.threshold) >= 0
}

// Decide compares a requested base-unit amount against the current allowance. An allowance
// equal to the requested amount is sufficient.
func (c *Checker) Decide(requested, allowance *big.Int) Decision {
	if allowance == nil || requested == nil || requested.Sign() < 0 {
		return DecisionUnknown
	}
	if c.MaxApproved(allowance) {
		return DecisionNotRequired
	}
	if allowance.Cmp(requested) < 0 {
		return DecisionRequired
	}
	return DecisionNotRequired
}

// DecideAmount is Decide for a decimal amount string in the token's display units.
func (c *Checker) DecideAmount(amount string, decimals uint8, allowance *big.Int) (Decision, error) {
	requested, err := units.ParseUnits(amount, decimals)
	if err != nil {
		return DecisionUnknown, err
	}
	return c.Decide(requested, allowance), nil
}

// Key identifies one SpendAllowance: what Owner has authorized Spender to move of Token.
type Key struct {
	Owner   common.Address
	Spender common.Address
	Token   common.Address
}

func (k Key) Validate() error {
	if (k.Owner == common.Address{}) || (k.Spender == common.Address{}) || (k.Token == common.Address{}) {
		return ErrInvalidKey
	}
	return nil
}

// Caller is the read side of a JSON-RPC provider. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader performs on-chain ERC-20 reads against the latest block. It never caches: every call
// is a new eth_call, so a read issued after an approval confirms reflects that approval as soon
// as the node does.
type Reader struct {
	backend Caller
}

func NewReader(backend Caller) (*Reader, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	return &Reader{backend: backend}, nil
}

func (r *Reader) Allowance(ctx context.Context, k Key) (*big.Int, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	data, err := contractabi.PackAllowance(k.Owner, k.Spender)
	if err != nil {
		return nil, err
	}
	ret, err := r.call(ctx, k.Token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance: read allowance: %w", err)
	}
	return contractabi.UnpackUint256("allowance", ret)
}

func (r *Reader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if (token == common.Address{}) || (owner == common.Address{}) {
		return nil, ErrInvalidKey
	}
	data, err := contractabi.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	ret, err := r.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance: read balance: %w", err)
	}
	return contractabi.UnpackUint256("balanceOf", ret)
}

func (r *Reader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if (token == common.Address{}) {
		return 0, ErrInvalidKey
	}
	data, err := contractabi.PackDecimals()
	if err != nil {
		return 0, err
	}
	ret, err := r.call(ctx, token, data)
	if err != nil {
		return 0, fmt.Errorf("allowance: read decimals: %w", err)
	}
	return contractabi.UnpackDecimals(ret)
}

func (r *Reader) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
