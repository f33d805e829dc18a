package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/allowance"
	"github.com/liqflow/liqflow/internal/approval"
	"github.com/liqflow/liqflow/internal/eth"
	"github.com/liqflow/liqflow/internal/position"
	"github.com/liqflow/liqflow/internal/txtrack"
)

var (
	ErrNotConnected  = errors.New("wallet: not connected")
	ErrInvalidConfig = errors.New("wallet: invalid config")
)

// Backend is everything the flow needs from a JSON-RPC provider. *ethclient.Client satisfies it.
type Backend interface {
	eth.Backend
	allowance.Caller
	txtrack.Backend
}

type ProviderConfig struct {
	Submitter eth.SubmitterConfig
	Tracker   txtrack.Config
	Logger    *slog.Logger

	// OnClose runs once when the provider is disconnected, e.g. to close the RPC client.
	OnClose func()
}

// Provider is a connected wallet: one account, one chain, one RPC backend.
type Provider struct {
	Backend    Backend
	Signer     eth.Signer
	Sender     *eth.Submitter
	Allowances *allowance.Reader
	Approvals  *approval.Submitter
	Positions  *position.Submitter
	Watcher    *txtrack.Watcher

	onClose   func()
	closeOnce sync.Once
}

func NewProvider(backend Backend, signer eth.Signer, cfg ProviderConfig) (*Provider, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidConfig
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sender, err := eth.NewSubmitter(backend, signer, cfg.Submitter)
	if err != nil {
		return nil, err
	}
	reader, err := allowance.NewReader(backend)
	if err != nil {
		return nil, err
	}
	approvals, err := approval.New(sender, log)
	if err != nil {
		return nil, err
	}
	positions, err := position.New(sender, reader, log)
	if err != nil {
		return nil, err
	}
	watcher, err := txtrack.NewWatcher(backend, cfg.Tracker, log)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Backend:    backend,
		Signer:     signer,
		Sender:     sender,
		Allowances: reader,
		Approvals:  approvals,
		Positions:  positions,
		Watcher:    watcher,
		onClose:    cfg.OnClose,
	}, nil
}

func (p *Provider) Address() common.Address { return p.Signer.Address() }

func (p *Provider) ChainID() *big.Int { return p.Sender.ChainID() }

// Close stops every tracker started through this provider and releases the backend.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		p.Watcher.Close()
		if p.onClose != nil {
			p.onClose()
		}
	})
}

// Connector opens a provider on explicit user action.
type Connector interface {
	Connect(ctx context.Context) (*Provider, error)
}

type ConnectorFunc func(ctx context.Context) (*Provider, error)

func (f ConnectorFunc) Connect(ctx context.Context) (*Provider, error) { return f(ctx) }

// Session holds the process-wide wallet connection. No consumer owns it: every read goes
// through Current and must treat ErrNotConnected as a failed step.
type Session struct {
	mu  sync.RWMutex
	p   *Provider
	log *slog.Logger
}

func NewSession(log *slog.Logger) *Session {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{log: log}
}

var (
	globalOnce sync.Once
	global     *Session
)

// Global returns the process-wide session.
func Global() *Session {
	globalOnce.Do(func() { global = NewSession(nil) })
	return global
}

// Connect replaces the current provider with one opened by c.
func (s *Session) Connect(ctx context.Context, c Connector) (*Provider, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil connector", ErrInvalidConfig)
	}
	p, err := c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet: connect: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: connector returned no provider", ErrInvalidConfig)
	}

	s.mu.Lock()
	old := s.p
	s.p = p
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.log.Info("wallet connected", "address", p.Address(), "chainId", p.ChainID())
	return p, nil
}

// Disconnect tears down the current provider. In-flight reads fail and running trackers stop;
// transactions already broadcast are unaffected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	old := s.p
	s.p = nil
	s.mu.Unlock()

	if old != nil {
		old.Close()
		s.log.Info("wallet disconnected", "address", old.Address())
	}
}

// DisconnectProvider tears down p only if it is still the session's provider.
func (s *Session) DisconnectProvider(p *Provider) bool {
	s.mu.Lock()
	if p == nil || s.p != p {
		s.mu.Unlock()
		return false
	}
	s.p = nil
	s.mu.Unlock()

	p.Close()
	s.log.Info("wallet disconnected", "address", p.Address())
	return true
}

func (s *Session) Current() (*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.p == nil {
		return nil, ErrNotConnected
	}
	return s.p, nil
}

// Connected reports whether p is still the session's provider.
func (s *Session) Connected(p *Provider) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return p != nil && s.p == p
}
