package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wallet_locks (
	wallet BYTEA PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
