package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS flow_records (
	id TEXT PRIMARY KEY,
	owner BYTEA NOT NULL,
	token BYTEA NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	decimals SMALLINT NOT NULL,
	spender BYTEA NOT NULL,
	action TEXT NOT NULL,

	amount_text TEXT NOT NULL DEFAULT '',
	amount_base NUMERIC(78, 0),

	state TEXT NOT NULL,

	approval_tx_hash BYTEA,
	primary_tx_hash BYTEA,
	tx_status TEXT NOT NULL DEFAULT '',
	receipt_status TEXT NOT NULL DEFAULT '',

	failure_kind TEXT NOT NULL DEFAULT '',
	failure_msg TEXT NOT NULL DEFAULT '',

	intent_digest BYTEA NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT owner_len CHECK (octet_length(owner) = 20),
	CONSTRAINT token_len CHECK (octet_length(token) = 20),
	CONSTRAINT spender_len CHECK (octet_length(spender) = 20),
	CONSTRAINT decimals_range CHECK (decimals >= 0 AND decimals <= 77),
	CONSTRAINT amount_base_nonneg CHECK (amount_base IS NULL OR amount_base >= 0),
	CONSTRAINT receipt_status_values CHECK (receipt_status IN ('', 'success', 'reverted')),
	CONSTRAINT approval_tx_hash_len CHECK (approval_tx_hash IS NULL OR octet_length(approval_tx_hash) = 32),
	CONSTRAINT primary_tx_hash_len CHECK (primary_tx_hash IS NULL OR octet_length(primary_tx_hash) = 32),
	CONSTRAINT intent_digest_len CHECK (octet_length(intent_digest) = 32)
);

CREATE INDEX IF NOT EXISTS flow_records_unresolved_idx
	ON flow_records (owner, created_at)
	WHERE primary_tx_hash IS NOT NULL AND receipt_status = '';

CREATE INDEX IF NOT EXISTS flow_records_digest_idx ON flow_records (intent_digest, created_at);
`
