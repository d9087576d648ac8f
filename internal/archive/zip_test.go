package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

func TestBuild_RoundTrip(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Name: "block_100_Groth16_SP1_teamA.txt", Body: []byte{0x0a, 0xbc}},
		{Name: "block_100_PlonK_RISC0_teamB.txt", Body: []byte("hello")},
	}
	out, err := Build(entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(zr.File) != len(entries) {
		t.Fatalf("entries: got %d want %d", len(zr.File), len(entries))
	}
	for i, f := range zr.File {
		if f.Name != entries[i].Name {
			t.Fatalf("entry %d name: got %q want %q", i, f.Name, entries[i].Name)
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
		if !bytes.Equal(body, entries[i].Body) {
			t.Fatalf("entry %d body: got %x want %x", i, body, entries[i].Body)
		}
	}
}

func TestBuild_DuplicateNames(t *testing.T) {
	t.Parallel()

	out, err := Build([]Entry{
		{Name: "proof.txt", Body: []byte("one")},
		{Name: "proof.txt", Body: []byte("two")},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("entries: got %d want 2", len(zr.File))
	}
	if zr.File[0].Name == zr.File[1].Name {
		t.Fatalf("duplicate names not disambiguated: %q", zr.File[0].Name)
	}
}

func TestBuild_Empty(t *testing.T) {
	t.Parallel()

	out, err := Build(nil)
	if err != nil {
		t.Fatalf("Build(nil): %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(zr.File) != 0 {
		t.Fatalf("entries: got %d want 0", len(zr.File))
	}
}
