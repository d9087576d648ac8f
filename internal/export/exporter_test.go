package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ethproofs/proofs-backend/internal/blobstore"
	"github.com/ethproofs/proofs-backend/internal/explorer"
)

type stubProofReader struct {
	rows []explorer.ProvedProofRow
	err  error
}

func (s *stubProofReader) ListProvedProofs(_ context.Context, _ uint64) ([]explorer.ProvedProofRow, error) {
	return s.rows, s.err
}

func (s *stubProofReader) GetProvedProof(_ context.Context, proofID int64) (explorer.ProvedProofRow, error) {
	for _, r := range s.rows {
		if r.ProofID == proofID {
			return r, nil
		}
	}
	return explorer.ProvedProofRow{}, explorer.ErrProofNotFound
}

func memBlobs(t *testing.T) blobstore.Store {
	t.Helper()
	s, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	return s
}

func TestExporter_BlockArchive_MixedSources(t *testing.T) {
	t.Parallel()

	inline := explorer.ProvedProofRow{
		ProofID:     1,
		BlockNumber: 100,
		ClusterID:   "aaaa1111-0000-0000-0000-000000000000",
		TeamName:    "teamA",
		ProofType:   "Groth16",
		CycleType:   "SP1",
		Binary:      []byte{0x0a, 0xbc},
		HasBinary:   true,
	}
	external := explorer.ProvedProofRow{
		ProofID:     2,
		BlockNumber: 100,
		ClusterID:   "bbbb2222-0000-0000-0000-000000000000",
		TeamName:    "teamB",
		ProofType:   "PlonK",
		CycleType:   "RISC0",
	}
	missing := explorer.ProvedProofRow{
		ProofID:     3,
		BlockNumber: 100,
		ClusterID:   "cccc3333-0000-0000-0000-000000000000",
		TeamName:    "teamC",
		ProofType:   "STARK",
		CycleType:   "SP1",
	}

	blobs := memBlobs(t)
	externalBytes := []byte("legacy proof bytes")
	if err := blobs.Put(context.Background(), external.ArchiveEntryName(), externalBytes); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, err := New(&stubProofReader{rows: []explorer.ProvedProofRow{inline, external, missing}}, blobs, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, name, err := e.BlockArchive(context.Background(), 100)
	if err != nil {
		t.Fatalf("BlockArchive: %v", err)
	}
	if name != "block_100_all_proofs.zip" {
		t.Fatalf("archive name: got %q", name)
	}

	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	// The proof with no inline binary and no blob is skipped, not an error.
	if len(zr.File) != 2 {
		t.Fatalf("entries: got %d want 2", len(zr.File))
	}

	want := map[string][]byte{
		inline.ArchiveEntryName():   inline.Binary,
		external.ArchiveEntryName(): externalBytes,
	}
	for _, f := range zr.File {
		wantBody, ok := want[f.Name]
		if !ok {
			t.Fatalf("unexpected entry %q", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %q: %v", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatalf("read %q: %v", f.Name, err)
		}
		if !bytes.Equal(body, wantBody) {
			t.Fatalf("entry %q: got %x want %x", f.Name, body, wantBody)
		}
	}
}

func TestExporter_BlockArchive_NoProofs(t *testing.T) {
	t.Parallel()

	e, err := New(&stubProofReader{}, memBlobs(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := e.BlockArchive(context.Background(), 100); !errors.Is(err, explorer.ErrNoProofs) {
		t.Fatalf("BlockArchive: got %v want ErrNoProofs", err)
	}
}

func TestExporter_BlockArchive_AllBinariesMissing(t *testing.T) {
	t.Parallel()

	row := explorer.ProvedProofRow{
		ProofID:     1,
		BlockNumber: 100,
		ClusterID:   "aaaa1111-0000-0000-0000-000000000000",
		TeamName:    "teamA",
		ProofType:   "Groth16",
		CycleType:   "SP1",
	}
	e, err := New(&stubProofReader{rows: []explorer.ProvedProofRow{row}}, memBlobs(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Missing binaries never fail the export: the block has proved proofs,
	// so the caller gets a valid archive, just with nothing in it.
	out, name, err := e.BlockArchive(context.Background(), 100)
	if err != nil {
		t.Fatalf("BlockArchive: %v", err)
	}
	if name != "block_100_all_proofs.zip" {
		t.Fatalf("archive name: got %q", name)
	}
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(zr.File) != 0 {
		t.Fatalf("entries: got %d want 0", len(zr.File))
	}
}

func TestExporter_ProofBinary(t *testing.T) {
	t.Parallel()

	row := explorer.ProvedProofRow{
		ProofID:     7,
		BlockNumber: 100,
		ClusterID:   "aaaa1111-0000-0000-0000-000000000000",
		TeamName:    "teamA",
		ProofType:   "Groth16",
		CycleType:   "SP1",
		Binary:      []byte{1, 2, 3},
		HasBinary:   true,
	}
	e, err := New(&stubProofReader{rows: []explorer.ProvedProofRow{row}}, memBlobs(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload, name, err := e.ProofBinary(context.Background(), 7)
	if err != nil {
		t.Fatalf("ProofBinary: %v", err)
	}
	if !bytes.Equal(payload, row.Binary) {
		t.Fatalf("payload: got %x want %x", payload, row.Binary)
	}
	if name != row.ArchiveEntryName() {
		t.Fatalf("filename: got %q want %q", name, row.ArchiveEntryName())
	}

	if _, _, err := e.ProofBinary(context.Background(), 99); !errors.Is(err, explorer.ErrProofNotFound) {
		t.Fatalf("ProofBinary missing proof: got %v want ErrProofNotFound", err)
	}

	// Proved proof whose blob vanished also reports not found.
	gone := explorer.ProvedProofRow{
		ProofID:     8,
		BlockNumber: 100,
		ClusterID:   "bbbb2222-0000-0000-0000-000000000000",
		TeamName:    "teamB",
		ProofType:   "PlonK",
		CycleType:   "RISC0",
	}
	e2, err := New(&stubProofReader{rows: []explorer.ProvedProofRow{gone}}, memBlobs(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := e2.ProofBinary(context.Background(), 8); !errors.Is(err, explorer.ErrProofNotFound) {
		t.Fatalf("ProofBinary missing blob: got %v want ErrProofNotFound", err)
	}
}
