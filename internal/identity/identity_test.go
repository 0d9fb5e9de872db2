package identity

import (
	"context"
	"testing"
	"time"
)

func TestEnsureCorrelation(t *testing.T) {
	if got := EnsureCorrelation("corr-1"); got != "corr-1" {
		t.Fatalf("existing id replaced: %q", got)
	}
	a, b := EnsureCorrelation(""), EnsureCorrelation("")
	if a == "" || a == b {
		t.Fatalf("fresh ids not unique: %q %q", a, b)
	}
}

func TestCorrelationContextRoundTrip(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "corr-7")
	if got := CorrelationFrom(ctx); got != "corr-7" {
		t.Fatalf("correlation from context %q", got)
	}
	if got := CorrelationFrom(context.Background()); got != "" {
		t.Fatalf("empty context yielded %q", got)
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := NewManual(start)

	if !clk.Now().Equal(start) {
		t.Fatalf("start %s", clk.Now())
	}
	clk.Advance(90 * time.Minute)
	if want := start.Add(90 * time.Minute); !clk.Now().Equal(want) {
		t.Fatalf("after advance %s, want %s", clk.Now(), want)
	}
	clk.Set(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("after set %s", clk.Now())
	}
}
