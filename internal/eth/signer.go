package eth

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSigner = errors.New("eth: invalid signer")

// Signer signs EVM transactions for a single from-address.
//
// SignTx may block for as long as the account holder takes to answer; it must return when ctx
// is done.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, s.key)
}

type labelKey struct{}

// WithLabel attaches a human-readable description of the transaction being signed.
func WithLabel(ctx context.Context, label string) context.Context {
	if strings.TrimSpace(label) == "" {
		return ctx
	}
	return context.WithValue(ctx, labelKey{}, label)
}

func LabelFromContext(ctx context.Context) string {
	v, _ := ctx.Value(labelKey{}).(string)
	return v
}

// SignRequest is what a Prompter shows the account holder.
type SignRequest struct {
	Label   string
	From    common.Address
	To      common.Address
	Nonce   uint64
	Gas     uint64
	Value   *big.Int
	ChainID *big.Int
}

// Prompter asks the account holder to approve a signature. It returns false when the holder
// declines.
type Prompter interface {
	Confirm(ctx context.Context, req SignRequest) (bool, error)
}

// PromptSigner wraps a signer with an explicit per-transaction confirmation, the way a browser
// wallet shows a signature prompt.
type PromptSigner struct {
	inner    Signer
	prompter Prompter
}

func NewPromptSigner(inner Signer, prompter Prompter) (*PromptSigner, error) {
	if inner == nil || prompter == nil {
		return nil, ErrInvalidSigner
	}
	return &PromptSigner{inner: inner, prompter: prompter}, nil
}

func (s *PromptSigner) Address() common.Address { return s.inner.Address() }

func (s *PromptSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if tx == nil {
		return nil, ErrInvalidSigner
	}
	req := SignRequest{
		Label:   LabelFromContext(ctx),
		From:    s.inner.Address(),
		Nonce:   tx.Nonce(),
		Gas:     tx.Gas(),
		Value:   tx.Value(),
		ChainID: chainID,
	}
	if tx.To() != nil {
		req.To = *tx.To()
	}
	ok, err := s.prompter.Confirm(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserRejected
	}
	return s.inner.SignTx(ctx, tx, chainID)
}

// LinePrompter asks for confirmation on a line-oriented terminal. Only "y" or "yes" approve.
type LinePrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer

	lines chan lineResult
}

type lineResult struct {
	line string
	err  error
}

func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out}
}

func (p *LinePrompter) Confirm(ctx context.Context, req SignRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := req.Label
	if label == "" {
		label = "transaction"
	}
	fmt.Fprintf(p.out, "Sign %s?\n  from:  %s\n  to:    %s\n  nonce: %d\n  gas:   %d\n[y/N]: ",
		label, req.From.Hex(), req.To.Hex(), req.Nonce, req.Gas)

	// A pending read from an abandoned prompt is picked up by the next prompt.
	if p.lines == nil {
		p.lines = make(chan lineResult, 1)
		go func() {
			line, err := p.in.ReadString('\n')
			p.lines <- lineResult{line: line, err: err}
		}()
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	case res := <-p.lines:
		p.lines = nil
		if res.err != nil && res.line == "" {
			if errors.Is(res.err, io.EOF) {
				return false, nil
			}
			return false, res.err
		}
		switch strings.ToLower(strings.TrimSpace(res.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
