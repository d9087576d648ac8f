package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRegions_ReadThrough(t *testing.T) {
	t.Parallel()

	c := New(time.Minute, 16, nil)
	calls := 0
	load := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v1"), nil
	}

	for i := 0; i < 3; i++ {
		body, err := c.Read(context.Background(), "blocks/recent", []string{RegionBlocks}, load)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(body) != "v1" {
			t.Fatalf("Read: got %q", body)
		}
	}
	if calls != 1 {
		t.Fatalf("loader calls: got %d want 1", calls)
	}
}

func TestRegions_Invalidate(t *testing.T) {
	t.Parallel()

	c := New(time.Minute, 16, nil)
	calls := 0
	load := func(context.Context) ([]byte, error) {
		calls++
		return []byte(fmt.Sprintf("v%d", calls)), nil
	}
	regions := []string{RegionBlocks, RegionProofs}

	if _, err := c.Read(context.Background(), "k", regions, load); err != nil {
		t.Fatalf("Read: %v", err)
	}

	// Invalidating an untagged region leaves the entry alone.
	c.Invalidate(RegionTeams)
	body, err := c.Read(context.Background(), "k", regions, load)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(body) != "v1" || calls != 1 {
		t.Fatalf("entry dropped by unrelated region: body=%q calls=%d", body, calls)
	}

	// Invalidating either tagged region forces a reload.
	c.Invalidate(RegionProofs)
	body, err = c.Read(context.Background(), "k", regions, load)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(body) != "v2" || calls != 2 {
		t.Fatalf("invalidate did not reload: body=%q calls=%d", body, calls)
	}
}

func TestRegions_TTLExpiry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_720_000_000, 0)
	c := New(10*time.Second, 16, func() time.Time { return now })

	calls := 0
	load := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	if _, err := c.Read(context.Background(), "k", []string{RegionBlocks}, load); err != nil {
		t.Fatalf("Read: %v", err)
	}
	now = now.Add(9 * time.Second)
	if _, err := c.Read(context.Background(), "k", []string{RegionBlocks}, load); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if calls != 1 {
		t.Fatalf("reloaded before expiry: calls=%d", calls)
	}
	now = now.Add(2 * time.Second)
	if _, err := c.Read(context.Background(), "k", []string{RegionBlocks}, load); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if calls != 2 {
		t.Fatalf("did not reload after expiry: calls=%d", calls)
	}
}

func TestRegions_LoadErrorNotCached(t *testing.T) {
	t.Parallel()

	c := New(time.Minute, 16, nil)
	boom := errors.New("boom")
	calls := 0
	load := func(context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return []byte("ok"), nil
	}

	if _, err := c.Read(context.Background(), "k", []string{RegionBlocks}, load); !errors.Is(err, boom) {
		t.Fatalf("Read: got %v want boom", err)
	}
	body, err := c.Read(context.Background(), "k", []string{RegionBlocks}, load)
	if err != nil {
		t.Fatalf("Read after error: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("Read after error: got %q", body)
	}
}

func TestRegions_Eviction(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_720_000_000, 0)
	c := New(time.Hour, 2, func() time.Time { return now })

	loadFor := func(v string) func(context.Context) ([]byte, error) {
		return func(context.Context) ([]byte, error) { return []byte(v), nil }
	}

	if _, err := c.Read(context.Background(), "a", nil, loadFor("a")); err != nil {
		t.Fatalf("Read a: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := c.Read(context.Background(), "b", nil, loadFor("b")); err != nil {
		t.Fatalf("Read b: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := c.Read(context.Background(), "c", nil, loadFor("c")); err != nil {
		t.Fatalf("Read c: %v", err)
	}

	// "a" was least recently seen and must have been evicted.
	calls := 0
	if _, err := c.Read(context.Background(), "a", nil, func(context.Context) ([]byte, error) {
		calls++
		return []byte("a2"), nil
	}); err != nil {
		t.Fatalf("Read a again: %v", err)
	}
	if calls != 1 {
		t.Fatalf("oldest entry not evicted")
	}
}
