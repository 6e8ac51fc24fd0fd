package cron_test

import (
	"strings"
	"testing"
	"time"

	"github.com/reclaw/reclaw-core/internal/cron"
)

func TestNextRunEvery(t *testing.T) {
	next, err := cron.NextRun(cron.Schedule{Kind: "every", EveryMs: 1000}, 10_000)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next != 11_000 {
		t.Fatalf("expected 11000, got %d", next)
	}
}

func TestNextRunEveryAnchored(t *testing.T) {
	// From before the anchor, the anchor itself is the first firing.
	next, err := cron.NextRun(cron.Schedule{Kind: "every", EveryMs: 2000, AnchorMs: 5000}, 3000)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next != 5000 {
		t.Fatalf("expected anchor 5000, got %d", next)
	}

	// Past the anchor, firings step on the anchor grid, never drifting
	// with the query time.
	next, err = cron.NextRun(cron.Schedule{Kind: "every", EveryMs: 2000, AnchorMs: 5000}, 8200)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next != 9000 {
		t.Fatalf("expected 9000, got %d", next)
	}

	// A query exactly on a grid point returns the following point.
	next, err = cron.NextRun(cron.Schedule{Kind: "every", EveryMs: 2000, AnchorMs: 5000}, 9000)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next != 11_000 {
		t.Fatalf("expected 11000, got %d", next)
	}
}

func TestNextRunEveryRejectsSubSecond(t *testing.T) {
	if _, err := cron.NextRun(cron.Schedule{Kind: "every", EveryMs: 500}, 0); err == nil {
		t.Fatal("expected error for sub-second interval")
	}
	if _, err := cron.NextRun(cron.Schedule{Kind: "every"}, 0); err == nil {
		t.Fatal("expected error for missing everyMs")
	}
}

func TestNextRunAt(t *testing.T) {
	at := time.Now().Add(time.Hour).UTC()
	next, err := cron.NextRun(cron.Schedule{Kind: "at", At: at.Format(time.RFC3339)}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := at.Truncate(time.Second).UnixMilli()
	if next != want {
		t.Fatalf("expected %d, got %d", want, next)
	}

	// Instants already in the past have no future occurrence.
	next, err = cron.NextRun(cron.Schedule{Kind: "at", At: "2001-01-01T00:00:00Z"}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next != 0 {
		t.Fatalf("expected no occurrence, got %d", next)
	}

	if _, err := cron.NextRun(cron.Schedule{Kind: "at"}, 0); err == nil {
		t.Fatal("expected error for missing at")
	}
	if _, err := cron.NextRun(cron.Schedule{Kind: "at", At: "yesterday"}, 0); err == nil ||
		!strings.Contains(err.Error(), "invalid RFC3339 timestamp") {
		t.Fatalf("expected RFC3339 error, got %v", err)
	}
}

func TestNextRunCronExpression(t *testing.T) {
	from := time.Date(2026, 3, 10, 12, 3, 30, 0, time.UTC).UnixMilli()
	next, err := cron.NextRun(cron.Schedule{Kind: "cron", Expr: "*/5 * * * *", TZ: "UTC"}, from)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC).UnixMilli()
	if next != want {
		t.Fatalf("expected %d (12:05), got %d", want, next)
	}

	if _, err := cron.NextRun(cron.Schedule{Kind: "cron"}, 0); err == nil {
		t.Fatal("expected error for missing expr")
	}
	if _, err := cron.NextRun(cron.Schedule{Kind: "cron", Expr: "not a cron"}, 0); err == nil {
		t.Fatal("expected error for malformed expression")
	}
}

func TestNextRunOnceAndUnknownKinds(t *testing.T) {
	next, err := cron.NextRun(cron.Schedule{Kind: "once"}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next != 0 {
		t.Fatalf("once must never auto-fire, got %d", next)
	}

	if _, err := cron.NextRun(cron.Schedule{}, 0); err == nil ||
		!strings.Contains(err.Error(), "kind is required") {
		t.Fatalf("expected kind error, got %v", err)
	}
	if _, err := cron.NextRun(cron.Schedule{Kind: "martian"}, 0); err == nil ||
		!strings.Contains(err.Error(), "unsupported schedule kind: martian") {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}
}
