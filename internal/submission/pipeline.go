package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethproofs/proofs-backend/internal/cache"
	"github.com/ethproofs/proofs-backend/internal/chaindata"
	"github.com/ethproofs/proofs-backend/internal/explorer"
)

var (
	ErrInvalidConfig = errors.New("submission: invalid config")
	// ErrBlockFetch reports that the chain-data provider failed for an unseen
	// block; the whole submission fails and the caller may retry.
	ErrBlockFetch = errors.New("submission: block data fetch failed")
	// ErrProgramCreate reports a failed program insert. The pipeline treats
	// program linkage as best-effort and proceeds without it.
	ErrProgramCreate = errors.New("submission: program create failed")
)

// Store is the persistence surface the pipeline drives.
type Store interface {
	GetBlock(ctx context.Context, number uint64) (explorer.Block, error)
	EnsureBlock(ctx context.Context, b explorer.Block) (bool, error)
	ResolveCluster(ctx context.Context, teamID string, index int64) (explorer.Cluster, error)
	EnsureProgram(ctx context.Context, verifierID string) (int64, error)
	UpsertProvedProof(ctx context.Context, sub explorer.ProvedSubmission) (int64, error)
}

// Invalidator notifies cached readers that a region changed.
type Invalidator interface {
	Invalidate(ctx context.Context, region string)
}

type Config struct {
	Store       Store
	Chain       chaindata.Provider
	Invalidator Invalidator
	Log         *slog.Logger
	Now         func() time.Time
}

// Pipeline runs a proved-proof submission strictly in order: resolve block,
// resolve cluster, resolve program, upsert proof. Each step's failure
// short-circuits the rest.
type Pipeline struct {
	store Store
	chain chaindata.Provider
	inv   Invalidator
	log   *slog.Logger
	now   func() time.Time
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("%w: nil chain provider", ErrInvalidConfig)
	}
	if cfg.Invalidator == nil {
		return nil, fmt.Errorf("%w: nil invalidator", ErrInvalidConfig)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		store: cfg.Store,
		chain: cfg.Chain,
		inv:   cfg.Invalidator,
		log:   cfg.Log,
		now:   cfg.Now,
	}, nil
}

// SubmitProved ingests one proved proof for the authenticated team and
// returns the assigned proof id.
func (p *Pipeline) SubmitProved(ctx context.Context, team explorer.Team, req ProvedRequest) (int64, error) {
	if err := p.resolveBlock(ctx, req.BlockNumber); err != nil {
		return 0, err
	}

	cluster, err := p.store.ResolveCluster(ctx, team.ID, req.ClusterIndex)
	if err != nil {
		return 0, err
	}

	programID := p.resolveProgram(ctx, req.VerifierID)

	proofID, err := p.store.UpsertProvedProof(ctx, explorer.ProvedSubmission{
		BlockNumber: req.BlockNumber,
		ClusterID:   cluster.ID,
		TeamID:      team.ID,
		ProgramID:   programID,
		Binary:      req.Binary,
		Metrics:     req.Metrics,
		ProvedAt:    p.now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	p.inv.Invalidate(ctx, cache.RegionProofs)

	p.log.Info("proved proof stored",
		"proof_id", proofID, "block", req.BlockNumber,
		"team", team.ID, "cluster", cluster.ID, "size_bytes", len(req.Binary))
	return proofID, nil
}

// resolveBlock looks the block up and creates it lazily from chain data on
// first sight. A losing racer's insert is conflict-tolerant at the store.
func (p *Pipeline) resolveBlock(ctx context.Context, number uint64) error {
	_, err := p.store.GetBlock(ctx, number)
	if err == nil {
		return nil
	}
	if !errors.Is(err, explorer.ErrBlockNotFound) {
		return err
	}

	data, err := p.chain.BlockData(ctx, number)
	if err != nil {
		return fmt.Errorf("%w: block %d: %v", ErrBlockFetch, number, err)
	}

	created, err := p.store.EnsureBlock(ctx, explorer.Block{
		Number:           number,
		Hash:             data.Hash,
		GasUsed:          data.GasUsed,
		TransactionCount: data.TransactionCount,
		Timestamp:        time.Unix(int64(data.Timestamp), 0).UTC(),
	})
	if err != nil {
		return err
	}
	if created {
		p.inv.Invalidate(ctx, cache.RegionBlocks)
		p.log.Info("block created", "block", number)
	}
	return nil
}

// resolveProgram returns the program id for a verifier id, or nil when no
// verifier id was given or the insert failed. The failure is deliberately
// ignored: proof acceptance does not require program linkage.
func (p *Pipeline) resolveProgram(ctx context.Context, verifierID string) *int64 {
	if verifierID == "" {
		return nil
	}
	id, err := p.store.EnsureProgram(ctx, verifierID)
	if err != nil {
		p.log.Warn("program create failed, submitting without program link",
			"verifier_id", verifierID, "err", fmt.Errorf("%w: %v", ErrProgramCreate, err))
		return nil
	}
	return &id
}
