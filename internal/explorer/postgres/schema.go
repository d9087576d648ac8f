package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS teams (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	team_name TEXT NOT NULL,
	logo_url TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT teams_name_nonempty CHECK (team_name <> '')
);

CREATE TABLE IF NOT EXISTS api_tokens (
	token_digest BYTEA PRIMARY KEY,
	team_id UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT api_tokens_digest_len CHECK (octet_length(token_digest) = 32)
);

CREATE TABLE IF NOT EXISTS blocks (
	block_number BIGINT PRIMARY KEY,
	hash BYTEA NOT NULL,
	gas_used BIGINT NOT NULL,
	transaction_count INTEGER NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT blocks_number_nonneg CHECK (block_number >= 0),
	CONSTRAINT blocks_hash_len CHECK (octet_length(hash) = 32),
	CONSTRAINT blocks_gas_nonneg CHECK (gas_used >= 0),
	CONSTRAINT blocks_txcount_nonneg CHECK (transaction_count >= 0)
);

CREATE TABLE IF NOT EXISTS clusters (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	index BIGINT NOT NULL,
	team_id UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
	nickname TEXT NOT NULL,
	description TEXT,
	hardware TEXT,
	proof_type TEXT,
	cycle_type TEXT,
	instance_type TEXT,
	instance_count INTEGER,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT clusters_index_positive CHECK (index > 0),
	CONSTRAINT clusters_nickname_nonempty CHECK (nickname <> ''),
	CONSTRAINT clusters_team_index_unique UNIQUE (team_id, index)
);

CREATE TABLE IF NOT EXISTS programs (
	id BIGSERIAL PRIMARY KEY,
	verifier_id TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT programs_verifier_nonempty CHECK (verifier_id <> '')
);

CREATE TABLE IF NOT EXISTS proofs (
	proof_id BIGSERIAL PRIMARY KEY,
	block_number BIGINT NOT NULL REFERENCES blocks(block_number),
	cluster_id UUID NOT NULL REFERENCES clusters(id),
	team_id UUID NOT NULL REFERENCES teams(id),
	program_id BIGINT REFERENCES programs(id),
	proof_status TEXT NOT NULL,
	size_bytes BIGINT,
	proving_cycles BIGINT,
	proving_time_ms BIGINT,
	proving_cost_usd DOUBLE PRECISION,
	proved_timestamp TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT proofs_status_known CHECK (proof_status IN ('queued', 'proving', 'proved')),
	CONSTRAINT proofs_size_nonneg CHECK (size_bytes IS NULL OR size_bytes >= 0),
	CONSTRAINT proofs_block_cluster_unique UNIQUE (block_number, cluster_id)
);

CREATE INDEX IF NOT EXISTS proofs_block_status_idx ON proofs (block_number, proof_status);
CREATE INDEX IF NOT EXISTS proofs_team_idx ON proofs (team_id);

CREATE TABLE IF NOT EXISTS proof_binaries (
	proof_id BIGINT PRIMARY KEY REFERENCES proofs(proof_id) ON DELETE CASCADE,
	proof_binary BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
