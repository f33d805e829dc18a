package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxDecimals bounds the decimal precision accepted for a token; 10^78 does not fit a uint256.
const MaxDecimals = 77

var (
	ErrInvalidAmount  = errors.New("units: invalid amount")
	ErrTooPrecise     = errors.New("units: amount has more fractional digits than token decimals")
	ErrInvalidDecimal = errors.New("units: invalid decimals")
)

// ParseUnits converts a human-readable decimal amount into the token's base unit by scaling
// with 10^decimals.
//
// Amounts with more fractional digits than decimals are rejected rather than truncated.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDecimal, decimals)
	}
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	// decimal.NewFromString accepts exponents; user input never carries one.
	if strings.ContainsAny(s, "eE") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, amount)
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q with %d decimals", ErrTooPrecise, amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits converts a base-unit amount back into its decimal string form.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// MustParseUnits is ParseUnits for constants in tests and defaults.
func MustParseUnits(amount string, decimals uint8) *big.Int {
	v, err := ParseUnits(amount, decimals)
	if err != nil {
		panic(err)
	}
	return v
}
