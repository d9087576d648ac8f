package revalidate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStdioBroadcaster_WritesSignalLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	b, err := NewBroadcaster(BroadcasterConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if err := b.Invalidate(context.Background(), "blocks"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := b.Invalidate(context.Background(), "proofs"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: got %d want 2", len(lines))
	}
	var sig Signal
	if err := json.Unmarshal([]byte(lines[0]), &sig); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sig.Region != "blocks" || sig.At.IsZero() {
		t.Fatalf("bad signal: %+v", sig)
	}
}

func TestBroadcaster_EmptyRegion(t *testing.T) {
	t.Parallel()

	b, err := NewBroadcaster(BroadcasterConfig{Driver: DriverStdio, Writer: io.Discard})
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	if err := b.Invalidate(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty region")
	}
}

func TestStdioListener_RoundTrip(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	l, err := NewListener(context.Background(), ListenerConfig{Driver: DriverStdio, Reader: pr})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	b, err := NewBroadcaster(BroadcasterConfig{Driver: DriverStdio, Writer: pw})
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	if err := b.Invalidate(context.Background(), "proofs"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	select {
	case sig := <-l.Signals():
		if sig.Region != "proofs" {
			t.Fatalf("region: got %q want %q", sig.Region, "proofs")
		}
	case err := <-l.Errors():
		t.Fatalf("listener error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for signal")
	}
}

func TestStdioListener_BadLineReportsError(t *testing.T) {
	t.Parallel()

	l, err := NewListener(context.Background(), ListenerConfig{
		Driver: DriverStdio,
		Reader: strings.NewReader("not-json\n"),
	})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	select {
	case err := <-l.Errors():
		if err == nil {
			t.Fatalf("expected decode error")
		}
	case sig := <-l.Signals():
		t.Fatalf("unexpected signal: %+v", sig)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error")
	}
}

func TestNewBroadcaster_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	if _, err := NewBroadcaster(BroadcasterConfig{Driver: "nats"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" a, ,b,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("SplitCommaList: got %v", got)
	}
	if SplitCommaList("  ") != nil {
		t.Fatalf("SplitCommaList blank: want nil")
	}
}
