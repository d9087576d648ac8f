// Package submission implements the proved-proof ingestion pipeline:
// payload validation, block/cluster/program resolution, and the proof upsert.
package submission

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethproofs/proofs-backend/internal/explorer"
)

var ErrInvalidPayload = errors.New("submission: invalid payload")

// provedPayload is the wire shape of a proved-proof submission. cluster_id
// carries the caller's per-team cluster index, not the internal cluster id.
type provedPayload struct {
	BlockNumber    *uint64  `json:"block_number"`
	ClusterIndex   *int64   `json:"cluster_id"`
	VerifierID     string   `json:"verifier_id"`
	Proof          string   `json:"proof"`
	ProvingCycles  *uint64  `json:"proving_cycles"`
	ProvingTimeMS  *int64   `json:"proving_time_ms"`
	ProvingCostUSD *float64 `json:"proving_cost"`
}

// ProvedRequest is a validated submission with the proof bytes decoded.
type ProvedRequest struct {
	BlockNumber  uint64
	ClusterIndex int64
	VerifierID   string
	Binary       []byte
	Metrics      explorer.ProofMetrics
}

// ParseProved validates the raw request body and decodes the proof bytes.
// It fails on the first schema violation, before any side effect.
func ParseProved(body []byte) (ProvedRequest, error) {
	var p provedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ProvedRequest{}, fmt.Errorf("%w: malformed json: %v", ErrInvalidPayload, err)
	}

	if p.BlockNumber == nil {
		return ProvedRequest{}, fmt.Errorf("%w: missing block_number", ErrInvalidPayload)
	}
	if p.ClusterIndex == nil {
		return ProvedRequest{}, fmt.Errorf("%w: missing cluster_id", ErrInvalidPayload)
	}
	if *p.ClusterIndex <= 0 {
		return ProvedRequest{}, fmt.Errorf("%w: cluster_id must be > 0", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Proof) == "" {
		return ProvedRequest{}, fmt.Errorf("%w: missing proof", ErrInvalidPayload)
	}
	binary, err := base64.StdEncoding.DecodeString(p.Proof)
	if err != nil {
		return ProvedRequest{}, fmt.Errorf("%w: proof is not valid base64", ErrInvalidPayload)
	}
	if len(binary) == 0 {
		return ProvedRequest{}, fmt.Errorf("%w: proof is empty", ErrInvalidPayload)
	}

	return ProvedRequest{
		BlockNumber:  *p.BlockNumber,
		ClusterIndex: *p.ClusterIndex,
		VerifierID:   strings.TrimSpace(p.VerifierID),
		Binary:       binary,
		Metrics: explorer.ProofMetrics{
			ProvingCycles:  p.ProvingCycles,
			ProvingTimeMS:  p.ProvingTimeMS,
			ProvingCostUSD: p.ProvingCostUSD,
		},
	}, nil
}
