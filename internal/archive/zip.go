// Package archive assembles in-memory zip archives for proof downloads.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
)

// Entry is one file inside an archive.
type Entry struct {
	Name string
	Body []byte
}

// Build packages the entries into a zip archive held fully in memory.
// Zero entries yield a valid empty archive. Duplicate names get a numeric
// suffix so no entry is silently dropped.
func Build(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	seen := make(map[string]int, len(entries))
	for _, e := range entries {
		name := e.Name
		if n := seen[e.Name]; n > 0 {
			name = fmt.Sprintf("%s.%d", e.Name, n)
		}
		seen[e.Name]++

		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("archive: create entry %q: %w", name, err)
		}
		if _, err := w.Write(e.Body); err != nil {
			return nil, fmt.Errorf("archive: write entry %q: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: finalize: %w", err)
	}
	return buf.Bytes(), nil
}
