package flow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/contractabi"
	"github.com/liqflow/liqflow/internal/txtrack"
	"github.com/liqflow/liqflow/internal/units"
)

var (
	ErrInvalidConfig    = errors.New("flow: invalid config")
	ErrInvalidIntent    = errors.New("flow: invalid intent")
	ErrNoActiveFlow     = errors.New("flow: no active flow")
	ErrAlreadySubmitted = errors.New("flow: transaction already submitted")

	// errStaleAllowance is raised when post-approval reads keep reporting an insufficient
	// allowance. It never reaches callers unwrapped.
	errStaleAllowance = errors.New("flow: allowance not updated after approval")
)

type State uint8

const (
	StateIdle State = iota
	StateCheckingAllowance
	StateApproving
	StateSubmitting
	StateConfirmingPrimary
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingAllowance:
		return "checking-allowance"
	case StateApproving:
		return "approving"
	case StateSubmitting:
		return "submitting"
	case StateConfirmingPrimary:
		return "confirming-primary"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateCancelled; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("flow: unknown state %q", b)
}

type Action string

const (
	ActionDeposit   Action = "deposit"
	ActionRebalance Action = "rebalance"
)

func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionDeposit:
		return ActionDeposit, nil
	case ActionRebalance:
		return ActionRebalance, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, s)
	}
}

type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Allocation is one leg of a target split. BPS are basis points of the deposited amount.
type Allocation struct {
	Chain string `json:"chain"`
	BPS   uint32 `json:"bps"`
}

const TotalBPS = 10_000

// Intent is what the user asked for. It lives only as long as its flow instance.
type Intent struct {
	Action Action `json:"action"`

	// Amount is the decimal amount in the token's display units. Required for deposits.
	Amount string `json:"amount,omitempty"`
	Token  Token  `json:"token"`

	// Spender is the position manager: the allowance spender and the primary call target.
	Spender common.Address `json:"spender"`

	// Allocations is empty for a single-chain deposit.
	Allocations []Allocation `json:"allocations,omitempty"`

	RebalanceType contractabi.RebalanceType `json:"rebalanceType,omitempty"`
	TokenID       *big.Int                  `json:"tokenId,omitempty"`
	Deadline      time.Time                 `json:"deadline,omitempty"`
}

// Validate checks the intent without touching the chain and returns the base-unit amount for
// deposits.
func (in Intent) Validate() (*big.Int, error) {
	if (in.Spender == common.Address{}) {
		return nil, fmt.Errorf("%w: missing position manager", ErrInvalidIntent)
	}
	if err := validateAllocations(in.Allocations); err != nil {
		return nil, err
	}

	switch in.Action {
	case ActionDeposit:
		if (in.Token.Address == common.Address{}) {
			return nil, fmt.Errorf("%w: missing token", ErrInvalidIntent)
		}
		amount, err := units.ParseUnits(in.Amount, in.Token.Decimals)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
		}
		if amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidIntent)
		}
		return amount, nil
	case ActionRebalance:
		if in.TokenID == nil || in.TokenID.Sign() < 0 {
			return nil, fmt.Errorf("%w: missing position token id", ErrInvalidIntent)
		}
		if in.Deadline.IsZero() {
			return nil, fmt.Errorf("%w: missing deadline", ErrInvalidIntent)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, in.Action)
	}
}

func validateAllocations(allocs []Allocation) error {
	if len(allocs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(allocs))
	var sum uint64
	for _, a := range allocs {
		chain := strings.TrimSpace(a.Chain)
		if chain == "" || a.BPS == 0 {
			return fmt.Errorf("%w: empty allocation", ErrInvalidIntent)
		}
		if _, ok := seen[chain]; ok {
			return fmt.Errorf("%w: duplicate allocation for %s", ErrInvalidIntent, chain)
		}
		seen[chain] = struct{}{}
		sum += uint64(a.BPS)
	}
	if sum != TotalBPS {
		return fmt.Errorf("%w: allocations sum to %d bps, want %d", ErrInvalidIntent, sum, TotalBPS)
	}
	return nil
}

func (in Intent) clone() Intent {
	out := in
	if in.Allocations != nil {
		out.Allocations = append([]Allocation(nil), in.Allocations...)
	}
	if in.TokenID != nil {
		out.TokenID = new(big.Int).Set(in.TokenID)
	}
	return out
}

// Label is the human-readable description shown on signature prompts.
func (in Intent) Label() string {
	switch in.Action {
	case ActionDeposit:
		return fmt.Sprintf("Deposit %s %s", in.Amount, in.Token.Symbol)
	case ActionRebalance:
		return fmt.Sprintf("Rebalance position %s (%s)", in.TokenID, in.RebalanceType)
	default:
		return string(in.Action)
	}
}

// Kind is the user-facing failure category of a flow.
type Kind uint8

const (
	KindUserCancelled Kind = iota + 1
	KindInsufficientFunds
	KindSubmissionFailed
	KindRevertedOrTimedOut
)

func (k Kind) String() string {
	switch k {
	case KindUserCancelled:
		return "UserCancelled"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindSubmissionFailed:
		return "SubmissionFailed"
	case KindRevertedOrTimedOut:
		return "RevertedOrTimedOut"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for c := KindUserCancelled; c <= KindRevertedOrTimedOut; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("flow: unknown failure kind %q", b)
}

// Error is the terminal outcome of a failed or cancelled flow. It carries enough context for the
// user to verify the result independently.
type Error struct {
	Kind     Kind
	Amount   string
	Symbol   string
	TxHash   common.Hash
	Explorer string
	Err      error
}

// Sentinels for errors.Is matching on Kind.
var (
	ErrUserCancelled      = &Error{Kind: KindUserCancelled}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds}
	ErrSubmissionFailed   = &Error{Kind: KindSubmissionFailed}
	ErrRevertedOrTimedOut = &Error{Kind: KindRevertedOrTimedOut}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("flow: ")
	b.WriteString(e.Kind.String())
	if e.Amount != "" {
		fmt.Fprintf(&b, " (%s %s)", e.Amount, e.Symbol)
	}
	if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " tx %s", e.TxHash.Hex())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

// Snapshot is a point-in-time view of a flow instance.
type Snapshot struct {
	ID     string `json:"id"`
	State  State  `json:"state"`
	Intent Intent `json:"intent"`

	Owner        common.Address `json:"owner"`
	AmountBase   *big.Int       `json:"amountBase,omitempty"`
	IntentDigest common.Hash    `json:"intentDigest"`

	AllowanceReads int `json:"allowanceReads"`

	ApprovalTxHash common.Hash   `json:"approvalTxHash"`
	ApprovalTx     txtrack.State `json:"approvalTx"`

	PrimaryTxHash  common.Hash   `json:"primaryTxHash"`
	PrimaryTx      txtrack.State `json:"primaryTx"`
	Confirmations  uint64        `json:"confirmations"`
	PrimaryReceipt string        `json:"primaryReceipt,omitempty"`

	// Detached is set once the user dismissed the flow from view. The flow keeps resolving.
	Detached bool `json:"detached"`

	Err *Error `json:"-"`

	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Intent = s.Intent.clone()
	if s.AmountBase != nil {
		out.AmountBase = new(big.Int).Set(s.AmountBase)
	}
	if s.Err != nil {
		e := *s.Err
		out.Err = &e
	}
	return out
}
