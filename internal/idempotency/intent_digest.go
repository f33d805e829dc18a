package idempotency

import (
	"errors"
	"math/big"

	"golang.org/x/crypto/sha3"
)

const intentDigestPrefixV1 = "liqflow.intent.v1"

var ErrInvalidIntent = errors.New("idempotency: invalid intent")

// IntentDigestV1 computes the digest that identifies a user intent across flow instances.
//
//	digest = keccak256("liqflow.intent.v1" || owner || token || spender || len(action) || action || amountBE32)
//
// Two submissions with the same digest ask for the same on-chain effect.
func IntentDigestV1(owner, token, spender [20]byte, action string, amountBase *big.Int) ([32]byte, error) {
	if action == "" || len(action) > 255 {
		return [32]byte{}, ErrInvalidIntent
	}
	var amount [32]byte
	if amountBase != nil {
		if amountBase.Sign() < 0 || amountBase.BitLen() > 256 {
			return [32]byte{}, ErrInvalidIntent
		}
		amountBase.FillBytes(amount[:])
	}

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(intentDigestPrefixV1))
	_, _ = h.Write(owner[:])
	_, _ = h.Write(token[:])
	_, _ = h.Write(spender[:])
	_, _ = h.Write([]byte{byte(len(action))})
	_, _ = h.Write([]byte(action))
	_, _ = h.Write(amount[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
