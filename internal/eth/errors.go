package eth

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrUserRejected reports that the account holder declined a signature request.
	ErrUserRejected = errors.New("eth: user rejected signature request")

	ErrExecutionReverted = errors.New("eth: execution reverted")
)

// eip1193UserRejected is the provider error code for a dismissed wallet prompt.
const eip1193UserRejected = 4001

// IsUserRejection reports whether err represents the user declining to sign, whether it came
// from a local prompt or from a remote wallet provider.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == eip1193UserRejected {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "user rejected") || strings.Contains(s, "user denied")
}

func IsExecutionReverted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrExecutionReverted) {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

// RevertReason trims a node error down to its revert message when it has one.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if i := strings.Index(s, "execution reverted"); i >= 0 {
		return s[i:]
	}
	return s
}
