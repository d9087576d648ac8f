package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethproofs/proofs-backend/internal/blobstore"
	"github.com/ethproofs/proofs-backend/internal/explorer"
)

// ErrBinaryNotFound reports that a proof's bytes could not be located in any
// source.
var ErrBinaryNotFound = errors.New("export: proof binary not found")

// BinarySource resolves the raw bytes of one proof. Newer proofs carry their
// binary inline in the database; older ones live in the external blob store
// under the archive filename.
type BinarySource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

type inlineSource struct {
	payload []byte
}

func (s inlineSource) Fetch(context.Context) ([]byte, error) {
	out := make([]byte, len(s.payload))
	copy(out, s.payload)
	return out, nil
}

type blobSource struct {
	store blobstore.Store
	key   string
}

func (s blobSource) Fetch(ctx context.Context) ([]byte, error) {
	payload, err := s.store.Get(ctx, s.key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, s.key)
	}
	if err != nil {
		return nil, fmt.Errorf("export: fetch %q: %w", s.key, err)
	}
	return payload, nil
}

// sourceFor picks the binary source for a proved proof row.
func sourceFor(row explorer.ProvedProofRow, blobs blobstore.Store) BinarySource {
	if row.HasBinary {
		return inlineSource{payload: row.Binary}
	}
	return blobSource{store: blobs, key: row.ArchiveEntryName()}
}
