// Package postgres implements the explorer store on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethproofs/proofs-backend/internal/explorer"
)

var ErrInvalidConfig = errors.New("explorer/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the explorer tables when they do not exist yet. The
// production schema is managed out-of-band; this keeps dev and test
// environments self-contained.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("explorer/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) GetBlock(ctx context.Context, number uint64) (explorer.Block, error) {
	var (
		b       explorer.Block
		num     int64
		hashRaw []byte
		gasUsed int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT block_number, hash, gas_used, transaction_count, timestamp
		FROM blocks
		WHERE block_number = $1
	`, int64(number)).Scan(&num, &hashRaw, &gasUsed, &b.TransactionCount, &b.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return explorer.Block{}, explorer.ErrBlockNotFound
	}
	if err != nil {
		return explorer.Block{}, fmt.Errorf("explorer/postgres: get block %d: %w", number, err)
	}
	b.Number = uint64(num)
	b.Hash = common.BytesToHash(hashRaw)
	b.GasUsed = uint64(gasUsed)
	b.Timestamp = b.Timestamp.UTC()
	return b, nil
}

// EnsureBlock inserts the block if it is not present yet. A concurrent insert
// of the same block number is not an error: the insert is conflict-tolerant
// and the block_number primary key arbitrates.
func (s *Store) EnsureBlock(ctx context.Context, b explorer.Block) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO blocks (block_number, hash, gas_used, transaction_count, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (block_number) DO NOTHING
	`, int64(b.Number), b.Hash.Bytes(), int64(b.GasUsed), b.TransactionCount, b.Timestamp.UTC())
	if err != nil {
		return false, fmt.Errorf("explorer/postgres: insert block %d: %w", b.Number, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResolveCluster maps a team-scoped cluster index to the cluster record. An
// index owned by another team resolves to ErrClusterNotFound, never to the
// other team's cluster.
func (s *Store) ResolveCluster(ctx context.Context, teamID string, index int64) (explorer.Cluster, error) {
	c := explorer.Cluster{Index: index, TeamID: teamID}
	var description, hardware, proofType, cycleType *string
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, nickname, description, hardware, proof_type, cycle_type
		FROM clusters
		WHERE team_id = $1 AND index = $2
	`, teamID, index).Scan(&c.ID, &c.Nickname, &description, &hardware, &proofType, &cycleType)
	if errors.Is(err, pgx.ErrNoRows) {
		return explorer.Cluster{}, explorer.ErrClusterNotFound
	}
	if err != nil {
		return explorer.Cluster{}, fmt.Errorf("explorer/postgres: resolve cluster %d: %w", index, err)
	}
	c.Description = deref(description)
	c.Hardware = deref(hardware)
	c.ProofType = deref(proofType)
	c.CycleType = deref(cycleType)
	return c, nil
}

// EnsureProgram returns the program id for a verifier id, inserting the row on
// first sight. Concurrent first-sight inserts deduplicate on the verifier_id
// unique constraint; both callers observe the same id.
func (s *Store) EnsureProgram(ctx context.Context, verifierID string) (int64, error) {
	verifierID = strings.TrimSpace(verifierID)
	if verifierID == "" {
		return 0, fmt.Errorf("explorer/postgres: empty verifier id")
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO programs (verifier_id)
		VALUES ($1)
		ON CONFLICT (verifier_id) DO UPDATE SET verifier_id = EXCLUDED.verifier_id
		RETURNING id
	`, verifierID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("explorer/postgres: ensure program %q: %w", verifierID, err)
	}
	return id, nil
}

// UpsertProvedProof writes the proof row and its binary in one transaction.
// The proof row is keyed by (block_number, cluster_id) with full-replace
// semantics on conflict; the binary row is keyed by the returned proof_id.
// Either both rows commit or neither does.
func (s *Store) UpsertProvedProof(ctx context.Context, sub explorer.ProvedSubmission) (int64, error) {
	if len(sub.Binary) == 0 {
		return 0, fmt.Errorf("explorer/postgres: empty proof binary")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("explorer/postgres: begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var proofID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO proofs (
			block_number,
			cluster_id,
			team_id,
			program_id,
			proof_status,
			size_bytes,
			proving_cycles,
			proving_time_ms,
			proving_cost_usd,
			proved_timestamp,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (block_number, cluster_id) DO UPDATE SET
			team_id = EXCLUDED.team_id,
			program_id = EXCLUDED.program_id,
			proof_status = EXCLUDED.proof_status,
			size_bytes = EXCLUDED.size_bytes,
			proving_cycles = EXCLUDED.proving_cycles,
			proving_time_ms = EXCLUDED.proving_time_ms,
			proving_cost_usd = EXCLUDED.proving_cost_usd,
			proved_timestamp = EXCLUDED.proved_timestamp,
			updated_at = now()
		RETURNING proof_id
	`, int64(sub.BlockNumber), sub.ClusterID, sub.TeamID, sub.ProgramID,
		string(explorer.StatusProved), int64(len(sub.Binary)),
		cyclesToDB(sub.Metrics.ProvingCycles), sub.Metrics.ProvingTimeMS,
		sub.Metrics.ProvingCostUSD, sub.ProvedAt.UTC()).Scan(&proofID)
	if err != nil {
		return 0, fmt.Errorf("explorer/postgres: upsert proof: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO proof_binaries (proof_id, proof_binary)
		VALUES ($1, $2)
		ON CONFLICT (proof_id) DO UPDATE SET
			proof_binary = EXCLUDED.proof_binary,
			updated_at = now()
	`, proofID, sub.Binary)
	if err != nil {
		return 0, fmt.Errorf("explorer/postgres: upsert proof binary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("explorer/postgres: commit upsert tx: %w", err)
	}
	return proofID, nil
}

const provedProofColumns = `
	p.proof_id,
	p.block_number,
	p.cluster_id::text,
	p.team_id::text,
	COALESCE(t.team_name, ''),
	COALESCE(c.proof_type, ''),
	COALESCE(c.cycle_type, ''),
	b.proof_binary
`

// ListProvedProofs returns all proved proofs for a block joined with cluster
// proof/cycle types, team names, and inline binaries where present.
func (s *Store) ListProvedProofs(ctx context.Context, blockNumber uint64) ([]explorer.ProvedProofRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+provedProofColumns+`
		FROM proofs p
		JOIN clusters c ON c.id = p.cluster_id
		LEFT JOIN teams t ON t.id = p.team_id
		LEFT JOIN proof_binaries b ON b.proof_id = p.proof_id
		WHERE p.block_number = $1 AND p.proof_status = $2
		ORDER BY p.proof_id
	`, int64(blockNumber), string(explorer.StatusProved))
	if err != nil {
		return nil, fmt.Errorf("explorer/postgres: list proved proofs: %w", err)
	}
	defer rows.Close()

	var out []explorer.ProvedProofRow
	for rows.Next() {
		row, err := scanProvedProofRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("explorer/postgres: list proved proofs: %w", err)
	}
	return out, nil
}

// GetProvedProof fetches one proved proof by id for single-file download.
func (s *Store) GetProvedProof(ctx context.Context, proofID int64) (explorer.ProvedProofRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+provedProofColumns+`
		FROM proofs p
		JOIN clusters c ON c.id = p.cluster_id
		LEFT JOIN teams t ON t.id = p.team_id
		LEFT JOIN proof_binaries b ON b.proof_id = p.proof_id
		WHERE p.proof_id = $1 AND p.proof_status = $2
	`, proofID, string(explorer.StatusProved))
	if err != nil {
		return explorer.ProvedProofRow{}, fmt.Errorf("explorer/postgres: get proved proof %d: %w", proofID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return explorer.ProvedProofRow{}, fmt.Errorf("explorer/postgres: get proved proof %d: %w", proofID, err)
		}
		return explorer.ProvedProofRow{}, explorer.ErrProofNotFound
	}
	return scanProvedProofRow(rows)
}

// ListRecentBlocks returns the newest blocks with their proofs, most recent
// block first.
func (s *Store) ListRecentBlocks(ctx context.Context, limit int) ([]explorer.BlockWithProofs, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT block_number, hash, gas_used, transaction_count, timestamp
		FROM blocks
		ORDER BY block_number DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("explorer/postgres: list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []explorer.BlockWithProofs
	for rows.Next() {
		var (
			b       explorer.Block
			num     int64
			hashRaw []byte
			gasUsed int64
		)
		if err := rows.Scan(&num, &hashRaw, &gasUsed, &b.TransactionCount, &b.Timestamp); err != nil {
			return nil, fmt.Errorf("explorer/postgres: scan block: %w", err)
		}
		b.Number = uint64(num)
		b.Hash = common.BytesToHash(hashRaw)
		b.GasUsed = uint64(gasUsed)
		b.Timestamp = b.Timestamp.UTC()
		blocks = append(blocks, explorer.BlockWithProofs{Block: b})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("explorer/postgres: list blocks: %w", err)
	}

	for i := range blocks {
		proofs, err := s.listProofs(ctx, blocks[i].Number)
		if err != nil {
			return nil, err
		}
		blocks[i].Proofs = proofs
	}
	return blocks, nil
}

// GetBlockWithProofs returns one block and all its proofs.
func (s *Store) GetBlockWithProofs(ctx context.Context, number uint64) (explorer.BlockWithProofs, error) {
	b, err := s.GetBlock(ctx, number)
	if err != nil {
		return explorer.BlockWithProofs{}, err
	}
	proofs, err := s.listProofs(ctx, number)
	if err != nil {
		return explorer.BlockWithProofs{}, err
	}
	return explorer.BlockWithProofs{Block: b, Proofs: proofs}, nil
}

func (s *Store) listProofs(ctx context.Context, blockNumber uint64) ([]explorer.Proof, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			proof_id,
			block_number,
			cluster_id::text,
			team_id::text,
			program_id,
			proof_status,
			COALESCE(size_bytes, 0),
			proving_cycles,
			proving_time_ms,
			proving_cost_usd,
			proved_timestamp
		FROM proofs
		WHERE block_number = $1
		ORDER BY proof_id
	`, int64(blockNumber))
	if err != nil {
		return nil, fmt.Errorf("explorer/postgres: list proofs for block %d: %w", blockNumber, err)
	}
	defer rows.Close()

	var out []explorer.Proof
	for rows.Next() {
		var (
			p        explorer.Proof
			num      int64
			status   string
			cycles   *int64
			provedAt *time.Time
		)
		if err := rows.Scan(&p.ProofID, &num, &p.ClusterID, &p.TeamID, &p.ProgramID,
			&status, &p.SizeBytes, &cycles, &p.Metrics.ProvingTimeMS,
			&p.Metrics.ProvingCostUSD, &provedAt); err != nil {
			return nil, fmt.Errorf("explorer/postgres: scan proof: %w", err)
		}
		p.BlockNumber = uint64(num)
		p.Status = explorer.ProofStatus(status)
		p.Metrics.ProvingCycles = cyclesFromDB(cycles)
		if provedAt != nil {
			p.ProvedAt = provedAt.UTC()
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("explorer/postgres: list proofs for block %d: %w", blockNumber, err)
	}
	return out, nil
}

func (s *Store) ListTeams(ctx context.Context) ([]explorer.Team, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, team_name, COALESCE(logo_url, '')
		FROM teams
		ORDER BY team_name
	`)
	if err != nil {
		return nil, fmt.Errorf("explorer/postgres: list teams: %w", err)
	}
	defer rows.Close()

	var out []explorer.Team
	for rows.Next() {
		var t explorer.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.LogoURL); err != nil {
			return nil, fmt.Errorf("explorer/postgres: scan team: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("explorer/postgres: list teams: %w", err)
	}
	return out, nil
}

// CreateTeam registers a team. Used by seeding and tests; production teams
// are provisioned out-of-band.
func (s *Store) CreateTeam(ctx context.Context, name, logoURL string) (explorer.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return explorer.Team{}, fmt.Errorf("explorer/postgres: empty team name")
	}
	t := explorer.Team{Name: name, LogoURL: logoURL}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO teams (team_name, logo_url)
		VALUES ($1, NULLIF($2, ''))
		RETURNING id::text
	`, name, logoURL).Scan(&t.ID)
	if err != nil {
		return explorer.Team{}, fmt.Errorf("explorer/postgres: create team: %w", err)
	}
	return t, nil
}

// AddAPIToken stores the digest of an issued API token for a team.
func (s *Store) AddAPIToken(ctx context.Context, digest [32]byte, teamID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_tokens (token_digest, team_id)
		VALUES ($1, $2)
		ON CONFLICT (token_digest) DO NOTHING
	`, digest[:], teamID)
	if err != nil {
		return fmt.Errorf("explorer/postgres: add api token: %w", err)
	}
	return nil
}

// ResolveAPIToken maps a token digest to the owning team.
func (s *Store) ResolveAPIToken(ctx context.Context, digest [32]byte) (explorer.Team, error) {
	var t explorer.Team
	err := s.pool.QueryRow(ctx, `
		SELECT t.id::text, t.team_name, COALESCE(t.logo_url, '')
		FROM api_tokens k
		JOIN teams t ON t.id = k.team_id
		WHERE k.token_digest = $1
	`, digest[:]).Scan(&t.ID, &t.Name, &t.LogoURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return explorer.Team{}, explorer.ErrUnknownToken
	}
	if err != nil {
		return explorer.Team{}, fmt.Errorf("explorer/postgres: resolve api token: %w", err)
	}
	return t, nil
}

// CreateCluster registers a cluster for a team, assigning the next per-team
// index. The (team_id, index) unique constraint guards against a concurrent
// registration picking the same index.
func (s *Store) CreateCluster(ctx context.Context, teamID string, nc explorer.NewCluster) (explorer.Cluster, error) {
	if err := nc.Validate(); err != nil {
		return explorer.Cluster{}, err
	}
	c := explorer.Cluster{
		TeamID:      teamID,
		Nickname:    strings.TrimSpace(nc.Nickname),
		Description: nc.Description,
		Hardware:    nc.Hardware,
		ProofType:   nc.ProofType,
		CycleType:   nc.CycleType,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO clusters (
			index, team_id, nickname, description, hardware,
			proof_type, cycle_type, instance_type, instance_count
		)
		SELECT COALESCE(MAX(index), 0) + 1, $1, $2, NULLIF($3, ''), NULLIF($4, ''),
			NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, 0)
		FROM clusters
		WHERE team_id = $1
		RETURNING id::text, index
	`, teamID, c.Nickname, nc.Description, nc.Hardware,
		nc.ProofType, nc.CycleType, nc.InstanceType, nc.InstanceCount).Scan(&c.ID, &c.Index)
	if err != nil {
		return explorer.Cluster{}, fmt.Errorf("explorer/postgres: create cluster: %w", err)
	}
	return c, nil
}

type provedProofScanner interface {
	Scan(dest ...any) error
}

func scanProvedProofRow(sc provedProofScanner) (explorer.ProvedProofRow, error) {
	var (
		row    explorer.ProvedProofRow
		num    int64
		binary []byte
	)
	if err := sc.Scan(&row.ProofID, &num, &row.ClusterID, &row.TeamID,
		&row.TeamName, &row.ProofType, &row.CycleType, &binary); err != nil {
		return explorer.ProvedProofRow{}, fmt.Errorf("explorer/postgres: scan proved proof: %w", err)
	}
	row.BlockNumber = uint64(num)
	if binary != nil {
		row.Binary = binary
		row.HasBinary = true
	}
	return row, nil
}

func cyclesToDB(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	out := int64(*v)
	return &out
}

func cyclesFromDB(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	out := uint64(*v)
	return &out
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
