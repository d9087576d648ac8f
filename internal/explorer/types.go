// Package explorer holds the domain model for the proof explorer: blocks,
// prover teams, clusters, programs and proofs.
package explorer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrBlockNotFound   = errors.New("explorer: block not found")
	ErrClusterNotFound = errors.New("explorer: cluster not found")
	ErrProofNotFound   = errors.New("explorer: proof not found")
	ErrNoProofs        = errors.New("explorer: no proved proofs for block")
	ErrUnknownToken    = errors.New("explorer: unknown api token")
	ErrInvalidCluster  = errors.New("explorer: invalid cluster")
)

// ProofStatus tracks a proof through its lifecycle.
type ProofStatus string

const (
	StatusQueued  ProofStatus = "queued"
	StatusProving ProofStatus = "proving"
	StatusProved  ProofStatus = "proved"
)

func (s ProofStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProving, StatusProved:
		return true
	default:
		return false
	}
}

// Block is an Ethereum block a proof references. Rows are created lazily on
// first submission for an unseen block number and never updated afterwards.
type Block struct {
	Number           uint64
	Hash             common.Hash
	GasUsed          uint64
	TransactionCount int
	Timestamp        time.Time
}

// Team is a prover organization. ID is the team UUID assigned by the store.
type Team struct {
	ID      string
	Name    string
	LogoURL string
}

// Cluster is a prover's hardware/configuration unit. Index is the
// caller-visible identifier, unique per team; ID is the internal UUID.
type Cluster struct {
	ID          string
	Index       int64
	TeamID      string
	Nickname    string
	Description string
	Hardware    string
	ProofType   string
	CycleType   string
}

// NewCluster carries the fields a team supplies when registering a cluster.
// InstanceType/InstanceCount describe a single-machine setup and may be empty.
type NewCluster struct {
	Nickname      string
	Description   string
	Hardware      string
	ProofType     string
	CycleType     string
	InstanceType  string
	InstanceCount int
}

func (c NewCluster) Validate() error {
	if strings.TrimSpace(c.Nickname) == "" {
		return fmt.Errorf("%w: missing nickname", ErrInvalidCluster)
	}
	if len(c.Nickname) > 50 {
		return fmt.Errorf("%w: nickname exceeds 50 characters", ErrInvalidCluster)
	}
	if len(c.Description) > 200 {
		return fmt.Errorf("%w: description exceeds 200 characters", ErrInvalidCluster)
	}
	if len(c.Hardware) > 200 {
		return fmt.Errorf("%w: hardware exceeds 200 characters", ErrInvalidCluster)
	}
	if len(c.ProofType) > 50 {
		return fmt.Errorf("%w: proof_type exceeds 50 characters", ErrInvalidCluster)
	}
	if len(c.CycleType) > 50 {
		return fmt.Errorf("%w: cycle_type exceeds 50 characters", ErrInvalidCluster)
	}
	if c.InstanceCount < 0 {
		return fmt.Errorf("%w: instance_count must be >= 0", ErrInvalidCluster)
	}
	return nil
}

// Program is a verifier program, deduplicated by its external verifier id.
type Program struct {
	ID         int64
	VerifierID string
}

// ProofMetrics are the free-form cost/latency figures a prover reports with a
// submission. All fields are optional.
type ProofMetrics struct {
	ProvingCycles  *uint64
	ProvingTimeMS  *int64
	ProvingCostUSD *float64
}

// Proof is the central mutable entity: at most one per (block, cluster).
type Proof struct {
	ProofID     int64
	BlockNumber uint64
	ClusterID   string
	TeamID      string
	ProgramID   *int64
	Status      ProofStatus
	SizeBytes   int64
	Metrics     ProofMetrics
	ProvedAt    time.Time
}

// ProvedSubmission is the fully resolved input to the proof upsert: internal
// ids only, decoded proof bytes, server-assigned timestamp.
type ProvedSubmission struct {
	BlockNumber uint64
	ClusterID   string
	TeamID      string
	ProgramID   *int64
	Binary      []byte
	Metrics     ProofMetrics
	ProvedAt    time.Time
}

// ProvedProofRow is one proved proof joined with its cluster's proof/cycle
// types, the owning team's name, and the inline binary when one exists.
// Older proofs have no inline binary; their bytes live in the blob store.
type ProvedProofRow struct {
	ProofID     int64
	BlockNumber uint64
	ClusterID   string
	TeamID      string
	TeamName    string
	ProofType   string
	CycleType   string
	Binary      []byte
	HasBinary   bool
}

// TeamLabel is the display name used in archive filenames: the team name when
// set, otherwise the first segment of the cluster UUID.
func (r ProvedProofRow) TeamLabel() string {
	if name := strings.TrimSpace(r.TeamName); name != "" {
		return name
	}
	segment, _, _ := strings.Cut(r.ClusterID, "-")
	return segment
}

// ArchiveEntryName is the deterministic per-proof filename inside a block
// archive.
func (r ProvedProofRow) ArchiveEntryName() string {
	return fmt.Sprintf("block_%d_%s_%s_%s.txt", r.BlockNumber, r.ProofType, r.CycleType, r.TeamLabel())
}

// ArchiveName is the download filename for a whole-block proof archive.
func ArchiveName(blockNumber uint64) string {
	return fmt.Sprintf("block_%d_all_proofs.zip", blockNumber)
}

// BlockWithProofs is the read-model row behind the block listing and block
// detail endpoints.
type BlockWithProofs struct {
	Block
	Proofs []Proof
}
