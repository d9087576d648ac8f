// Package export packages proved proof binaries for download.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethproofs/proofs-backend/internal/archive"
	"github.com/ethproofs/proofs-backend/internal/blobstore"
	"github.com/ethproofs/proofs-backend/internal/explorer"
)

var ErrInvalidConfig = errors.New("export: invalid config")

// ProofReader is the store subset the exporter needs.
type ProofReader interface {
	ListProvedProofs(ctx context.Context, blockNumber uint64) ([]explorer.ProvedProofRow, error)
	GetProvedProof(ctx context.Context, proofID int64) (explorer.ProvedProofRow, error)
}

type Exporter struct {
	proofs ProofReader
	blobs  blobstore.Store
	log    *slog.Logger
}

func New(proofs ProofReader, blobs blobstore.Store, log *slog.Logger) (*Exporter, error) {
	if proofs == nil {
		return nil, fmt.Errorf("%w: nil proof reader", ErrInvalidConfig)
	}
	if blobs == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{proofs: proofs, blobs: blobs, log: log}, nil
}

// BlockArchive collects every proved proof binary for the block into one zip.
// Proofs whose bytes cannot be located in any source are skipped, so the
// archive may hold fewer entries than proofs found, possibly none; binaries
// are fetched one at a time. Returns explorer.ErrNoProofs only when the block
// has no proved proofs at all.
func (e *Exporter) BlockArchive(ctx context.Context, blockNumber uint64) ([]byte, string, error) {
	rows, err := e.proofs.ListProvedProofs(ctx, blockNumber)
	if err != nil {
		return nil, "", err
	}
	if len(rows) == 0 {
		return nil, "", explorer.ErrNoProofs
	}

	entries := make([]archive.Entry, 0, len(rows))
	for _, row := range rows {
		payload, err := sourceFor(row, e.blobs).Fetch(ctx)
		if errors.Is(err, ErrBinaryNotFound) {
			e.log.Warn("proof binary missing, skipping archive entry",
				"proof_id", row.ProofID, "block", blockNumber, "key", row.ArchiveEntryName())
			continue
		}
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, archive.Entry{Name: row.ArchiveEntryName(), Body: payload})
	}

	out, err := archive.Build(entries)
	if err != nil {
		return nil, "", fmt.Errorf("export: build archive for block %d: %w", blockNumber, err)
	}
	return out, explorer.ArchiveName(blockNumber), nil
}

// ProofBinary resolves one proved proof's bytes and download filename.
// Returns explorer.ErrProofNotFound when the proof does not exist, is not
// proved, or its binary cannot be located.
func (e *Exporter) ProofBinary(ctx context.Context, proofID int64) ([]byte, string, error) {
	row, err := e.proofs.GetProvedProof(ctx, proofID)
	if err != nil {
		return nil, "", err
	}
	payload, err := sourceFor(row, e.blobs).Fetch(ctx)
	if errors.Is(err, ErrBinaryNotFound) {
		return nil, "", explorer.ErrProofNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return payload, row.ArchiveEntryName(), nil
}
