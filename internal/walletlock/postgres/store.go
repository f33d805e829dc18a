package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liqflow/liqflow/internal/walletlock"
)

var ErrInvalidConfig = errors.New("walletlock/postgres: invalid config")

// Store keeps wallet locks in Postgres so separate processes sharing a database exclude each
// other. Expiry is judged by the database clock.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("walletlock/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, wallet common.Address, holder string, ttl time.Duration) (walletlock.Lock, bool, error) {
	if err := walletlock.ValidateInput(wallet, holder, ttl); err != nil {
		return walletlock.Lock{}, false, err
	}
	var (
		gotHolder string
		expires   time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO wallet_locks (wallet, holder, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (wallet) DO UPDATE
		SET holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE wallet_locks.expires_at <= now()
		RETURNING holder, expires_at
	`, wallet.Bytes(), holder, ttlMillis(ttl)).Scan(&gotHolder, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			l, gerr := s.Get(ctx, wallet)
			if gerr != nil {
				return walletlock.Lock{}, false, gerr
			}
			return l, false, nil
		}
		return walletlock.Lock{}, false, fmt.Errorf("walletlock/postgres: acquire: %w", err)
	}
	return walletlock.Lock{Wallet: wallet, Holder: gotHolder, ExpiresAt: expires}, true, nil
}

func (s *Store) Extend(ctx context.Context, wallet common.Address, holder string, ttl time.Duration) (walletlock.Lock, error) {
	if err := walletlock.ValidateInput(wallet, holder, ttl); err != nil {
		return walletlock.Lock{}, err
	}
	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE wallet_locks
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE wallet = $1 AND holder = $2
		RETURNING expires_at
	`, wallet.Bytes(), holder, ttlMillis(ttl)).Scan(&expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.Get(ctx, wallet); gerr != nil {
				return walletlock.Lock{}, gerr
			}
			return walletlock.Lock{}, walletlock.ErrNotHolder
		}
		return walletlock.Lock{}, fmt.Errorf("walletlock/postgres: extend: %w", err)
	}
	return walletlock.Lock{Wallet: wallet, Holder: holder, ExpiresAt: expires}, nil
}

func (s *Store) Release(ctx context.Context, wallet common.Address, holder string) error {
	if (wallet == common.Address{}) || holder == "" {
		return walletlock.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM wallet_locks WHERE wallet = $1 AND holder = $2`, wallet.Bytes(), holder)
	if err != nil {
		return fmt.Errorf("walletlock/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, gerr := s.Get(ctx, wallet); gerr != nil {
		if errors.Is(gerr, walletlock.ErrNotFound) {
			return nil
		}
		return gerr
	}
	return walletlock.ErrNotHolder
}

func (s *Store) Get(ctx context.Context, wallet common.Address) (walletlock.Lock, error) {
	if (wallet == common.Address{}) {
		return walletlock.Lock{}, walletlock.ErrInvalidInput
	}
	var (
		holder  string
		expires time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT holder, expires_at FROM wallet_locks WHERE wallet = $1`, wallet.Bytes()).Scan(&holder, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return walletlock.Lock{}, walletlock.ErrNotFound
		}
		return walletlock.Lock{}, fmt.Errorf("walletlock/postgres: get: %w", err)
	}
	return walletlock.Lock{Wallet: wallet, Holder: holder, ExpiresAt: expires}, nil
}

func ttlMillis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

var _ walletlock.Store = (*Store)(nil)
