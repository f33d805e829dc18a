package walletlock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/liqflow/liqflow/internal/wallet"
)

// Session connects a wallet session and holds the wallet lock for as long as the provider stays
// connected. Disconnect gives the lock back; losing the lock disconnects the provider, so no
// flow can start for a wallet another process now drives.
type Session struct {
	session   *wallet.Session
	connector wallet.Connector
	store     Store
	holder    string
	ttl       time.Duration
	log       *slog.Logger

	mu   sync.Mutex
	held *Held
}

func NewSession(session *wallet.Session, connector wallet.Connector, store Store, holder string, ttl time.Duration, log *slog.Logger) (*Session, error) {
	if session == nil || connector == nil || store == nil {
		return nil, fmt.Errorf("%w: nil session, connector or store", ErrInvalidInput)
	}
	if holder == "" || ttl <= 0 {
		return nil, fmt.Errorf("%w: holder must be set and ttl must be > 0", ErrInvalidInput)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{session: session, connector: connector, store: store, holder: holder, ttl: ttl, log: log}, nil
}

func (s *Session) Connect(ctx context.Context) (*wallet.Provider, error) {
	return s.session.Connect(ctx, wallet.ConnectorFunc(s.connect))
}

func (s *Session) connect(ctx context.Context) (*wallet.Provider, error) {
	p, err := s.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held != nil {
		_ = s.held.Release(ctx)
		s.held = nil
	}
	h, err := Hold(ctx, s.store, p.Address(), s.holder, s.ttl, s.log)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	s.held = h
	go s.watch(h, p)
	return p, nil
}

func (s *Session) watch(h *Held, p *wallet.Provider) {
	<-h.Done()
	select {
	case <-h.Lost():
	default:
		return
	}

	s.mu.Lock()
	if s.held == h {
		s.held = nil
	}
	s.mu.Unlock()
	if s.session.DisconnectProvider(p) {
		s.log.Error("wallet lock lost; wallet disconnected", "wallet", p.Address())
	}
	_ = h.Release(context.Background())
}

// Disconnect tears down the provider and releases the wallet lock.
func (s *Session) Disconnect() {
	s.session.Disconnect()

	s.mu.Lock()
	h := s.held
	s.held = nil
	s.mu.Unlock()
	if h != nil {
		if err := h.Release(context.Background()); err != nil {
			s.log.Warn("release wallet lock", "err", err)
		}
	}
}

func (s *Session) Current() (*wallet.Provider, error) { return s.session.Current() }
