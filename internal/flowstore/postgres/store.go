package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liqflow/liqflow/internal/flowstore"
)

var ErrInvalidConfig = errors.New("flowstore/postgres: invalid config")

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
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("flowstore/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, r flowstore.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := r.Validate(); err != nil {
		return err
	}

	var amountBase *string
	if r.AmountBase != nil {
		v := r.AmountBase.String()
		amountBase = &v
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO flow_records (
			id,
			owner,
			token,
			symbol,
			decimals,
			spender,
			action,
			amount_text,
			amount_base,
			state,
			approval_tx_hash,
			primary_tx_hash,
			tx_status,
			receipt_status,
			failure_kind,
			failure_msg,
			intent_digest,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,$10,$11,$12,$13,$14,$15,$16,$17,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			amount_text = EXCLUDED.amount_text,
			amount_base = EXCLUDED.amount_base,
			state = EXCLUDED.state,
			approval_tx_hash = COALESCE(EXCLUDED.approval_tx_hash, flow_records.approval_tx_hash),
			primary_tx_hash = COALESCE(EXCLUDED.primary_tx_hash, flow_records.primary_tx_hash),
			tx_status = EXCLUDED.tx_status,
			receipt_status = CASE WHEN EXCLUDED.receipt_status = '' THEN flow_records.receipt_status ELSE EXCLUDED.receipt_status END,
			failure_kind = EXCLUDED.failure_kind,
			failure_msg = EXCLUDED.failure_msg,
			intent_digest = EXCLUDED.intent_digest,
			updated_at = now()
		WHERE
			NOT (flow_records.state IN ('done', 'failed', 'cancelled') AND EXCLUDED.state NOT IN ('done', 'failed', 'cancelled'))
			AND (
				flow_records.primary_tx_hash IS NULL
				OR EXCLUDED.primary_tx_hash IS NULL
				OR flow_records.primary_tx_hash = EXCLUDED.primary_tx_hash
			)
	`,
		r.ID,
		r.Owner[:],
		r.Token[:],
		r.Symbol,
		int16(r.Decimals),
		r.Spender[:],
		r.Action,
		r.AmountText,
		amountBase,
		r.State,
		hashOrNil(r.ApprovalTxHash),
		hashOrNil(r.PrimaryTxHash),
		r.TxStatus,
		r.ReceiptStatus,
		r.FailureKind,
		r.FailureMsg,
		r.IntentDigest[:],
	)
	if err != nil {
		return fmt.Errorf("flowstore/postgres: put: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowstore.ErrInvalidTransition
	}
	return nil
}

const selectColumns = `
	id,
	owner,
	token,
	symbol,
	decimals,
	spender,
	action,
	amount_text,
	amount_base::text,
	state,
	approval_tx_hash,
	primary_tx_hash,
	tx_status,
	receipt_status,
	failure_kind,
	failure_msg,
	intent_digest,
	created_at,
	updated_at
`

func (s *Store) Get(ctx context.Context, id string) (flowstore.Record, error) {
	if s == nil || s.pool == nil {
		return flowstore.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM flow_records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return flowstore.Record{}, flowstore.ErrNotFound
		}
		return flowstore.Record{}, fmt.Errorf("flowstore/postgres: get: %w", err)
	}
	return r, nil
}

func (s *Store) ListUnresolved(ctx context.Context, owner common.Address, limit int) ([]flowstore.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM flow_records
		WHERE owner = $1 AND primary_tx_hash IS NOT NULL AND receipt_status = ''
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, owner[:], limit)
	if err != nil {
		return nil, fmt.Errorf("flowstore/postgres: list unresolved: %w", err)
	}
	defer rows.Close()

	out := make([]flowstore.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("flowstore/postgres: scan list row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowstore/postgres: list unresolved rows: %w", err)
	}
	return out, nil
}

func (s *Store) LatestByDigest(ctx context.Context, digest [32]byte) (flowstore.Record, error) {
	if s == nil || s.pool == nil {
		return flowstore.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM flow_records
		WHERE intent_digest = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, digest[:])
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return flowstore.Record{}, flowstore.ErrNotFound
		}
		return flowstore.Record{}, fmt.Errorf("flowstore/postgres: latest by digest: %w", err)
	}
	return r, nil
}

func scanRecord(row pgx.Row) (flowstore.Record, error) {
	var (
		id          string
		ownerRaw    []byte
		tokenRaw    []byte
		symbol      string
		decimals    int16
		spenderRaw  []byte
		action      string
		amountText  string
		amountBase  *string
		state       string
		approvalRaw []byte
		primaryRaw  []byte
		txStatus    string
		receipt     string
		failureKind string
		failureMsg  string
		digestRaw   []byte
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := row.Scan(
		&id,
		&ownerRaw,
		&tokenRaw,
		&symbol,
		&decimals,
		&spenderRaw,
		&action,
		&amountText,
		&amountBase,
		&state,
		&approvalRaw,
		&primaryRaw,
		&txStatus,
		&receipt,
		&failureKind,
		&failureMsg,
		&digestRaw,
		&createdAt,
		&updatedAt,
	); err != nil {
		return flowstore.Record{}, err
	}

	owner, err := to20(ownerRaw)
	if err != nil {
		return flowstore.Record{}, err
	}
	token, err := to20(tokenRaw)
	if err != nil {
		return flowstore.Record{}, err
	}
	spender, err := to20(spenderRaw)
	if err != nil {
		return flowstore.Record{}, err
	}
	digest, err := to32(digestRaw)
	if err != nil {
		return flowstore.Record{}, err
	}
	if decimals < 0 || decimals > 255 {
		return flowstore.Record{}, fmt.Errorf("flowstore/postgres: decimals out of range in db")
	}

	r := flowstore.Record{
		ID:            id,
		Owner:         owner,
		Token:         token,
		Symbol:        symbol,
		Decimals:      uint8(decimals),
		Spender:       spender,
		Action:        action,
		AmountText:    amountText,
		State:         state,
		TxStatus:      txStatus,
		ReceiptStatus: receipt,
		FailureKind:   failureKind,
		FailureMsg:    failureMsg,
		IntentDigest:  digest,
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt.UTC(),
	}
	if amountBase != nil {
		v, ok := new(big.Int).SetString(*amountBase, 10)
		if !ok {
			return flowstore.Record{}, fmt.Errorf("flowstore/postgres: invalid amount_base in db")
		}
		r.AmountBase = v
	}
	if approvalRaw != nil {
		h, err := to32(approvalRaw)
		if err != nil {
			return flowstore.Record{}, err
		}
		r.ApprovalTxHash = h
	}
	if primaryRaw != nil {
		h, err := to32(primaryRaw)
		if err != nil {
			return flowstore.Record{}, err
		}
		r.PrimaryTxHash = h
	}
	return r, nil
}

func hashOrNil(h common.Hash) []byte {
	if h == (common.Hash{}) {
		return nil
	}
	return h.Bytes()
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("flowstore/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) ([20]byte, error) {
	if len(b) != 20 {
		return [20]byte{}, fmt.Errorf("flowstore/postgres: expected 20 bytes, got %d", len(b))
	}
	var out [20]byte
	copy(out[:], b)
	return out, nil
}

var _ flowstore.Store = (*Store)(nil)
