package contractabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

var ErrInvalidInput = errors.New("contractabi: invalid input")

// MaxUint256 is the allowance requested by unlimited approvals.
var MaxUint256 = new(big.Int).Set(math.MaxBig256)

// RebalanceType mirrors the position manager's rebalance selector argument.
type RebalanceType uint8

const (
	RebalanceStandard RebalanceType = iota
	RebalanceAggressive
	RebalanceConservative
)

func (t RebalanceType) String() string {
	switch t {
	case RebalanceStandard:
		return "standard"
	case RebalanceAggressive:
		return "aggressive"
	case RebalanceConservative:
		return "conservative"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseRebalanceType is the inverse of RebalanceType.String.
func ParseRebalanceType(s string) (RebalanceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return RebalanceStandard, nil
	case "aggressive":
		return RebalanceAggressive, nil
	case "conservative":
		return RebalanceConservative, nil
	default:
		return 0, fmt.Errorf("%w: rebalance type %q", ErrInvalidInput, s)
	}
}

var (
	initOnce sync.Once
	initErr  error

	erc20ABI    abi.ABI
	positionABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
		if err != nil {
			initErr = fmt.Errorf("contractabi: parse ERC-20 ABI: %w", err)
			return
		}
		positionABI, err = abi.JSON(strings.NewReader(positionManagerABIJSON))
		if err != nil {
			initErr = fmt.Errorf("contractabi: parse position manager ABI: %w", err)
			return
		}
	})
	return initErr
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("contractabi: pack allowance: %w", err)
	}
	return b, nil
}

func PackBalanceOf(owner common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("contractabi: pack balanceOf: %w", err)
	}
	return b, nil
}

func PackDecimals() ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack("decimals")
	if err != nil {
		return nil, fmt.Errorf("contractabi: pack decimals: %w", err)
	}
	return b, nil
}

// PackApprove packs approve(spender, amount). A nil amount means MaxUint256.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (spender == common.Address{}) {
		return nil, fmt.Errorf("%w: spender must be non-zero", ErrInvalidInput)
	}
	if amount == nil {
		amount = MaxUint256
	}
	if amount.Sign() < 0 || amount.Cmp(MaxUint256) > 0 {
		return nil, fmt.Errorf("%w: approve amount out of uint256 range", ErrInvalidInput)
	}
	b, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("contractabi: pack approve: %w", err)
	}
	return b, nil
}

// UnpackUint256 decodes the single uint256 returned by allowance/balanceOf.
func UnpackUint256(method string, ret []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	out, err := erc20ABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("contractabi: unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("contractabi: unpack %s: got %d values", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("contractabi: unpack %s: unexpected type %T", method, out[0])
	}
	return v, nil
}

func UnpackDecimals(ret []byte) (uint8, error) {
	if err := initABI(); err != nil {
		return 0, err
	}
	out, err := erc20ABI.Unpack("decimals", ret)
	if err != nil {
		return 0, fmt.Errorf("contractabi: unpack decimals: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("contractabi: unpack decimals: got %d values", len(out))
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("contractabi: unpack decimals: unexpected type %T", out[0])
	}
	return v, nil
}

func PackCreatePosition(amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	b, err := positionABI.Pack("createPosition", amount)
	if err != nil {
		return nil, fmt.Errorf("contractabi: pack createPosition: %w", err)
	}
	return b, nil
}

func PackRebalance(t RebalanceType, tokenID *big.Int, deadline uint64) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, fmt.Errorf("%w: tokenId must be >= 0", ErrInvalidInput)
	}
	if deadline == 0 {
		return nil, fmt.Errorf("%w: deadline must be non-zero", ErrInvalidInput)
	}
	b, err := positionABI.Pack("rebalance", uint8(t), tokenID, new(big.Int).SetUint64(deadline))
	if err != nil {
		return nil, fmt.Errorf("contractabi: pack rebalance: %w", err)
	}
	return b, nil
}

// Selector returns the 4-byte selector at the front of calldata.
func Selector(data []byte) [4]byte {
	var out [4]byte
	copy(out[:], data)
	return out
}

// MethodSelector returns the selector of a known ERC-20 or position manager method.
func MethodSelector(name string) ([4]byte, error) {
	if err := initABI(); err != nil {
		return [4]byte{}, err
	}
	if m, ok := erc20ABI.Methods[name]; ok {
		return [4]byte(m.ID), nil
	}
	if m, ok := positionABI.Methods[name]; ok {
		return [4]byte(m.ID), nil
	}
	return [4]byte{}, fmt.Errorf("%w: unknown method %q", ErrInvalidInput, name)
}

const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

const positionManagerABIJSON = `[
  {
    "inputs":[{"internalType":"uint256","name":"amount","type":"uint256"}],
    "name":"createPosition",
    "outputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs":[
      {"internalType":"uint8","name":"rebalanceType","type":"uint8"},
      {"internalType":"uint256","name":"tokenId","type":"uint256"},
      {"internalType":"uint256","name":"deadline","type":"uint256"}
    ],
    "name":"rebalance",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`
