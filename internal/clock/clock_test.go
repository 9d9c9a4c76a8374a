package clock_test

import (
	"testing"
	"time"

	"pkt.systems/tpcd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(10 * time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", m.Pending())
	}
	m.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	m.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(10 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("expected waiter to fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", m.Pending())
	}
}

func TestManualSetIgnoresRewind(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	m.Set(start.Add(-time.Hour))
	if !m.Now().Equal(start) {
		t.Fatalf("expected clock to stay at %v, got %v", start, m.Now())
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	if clock.Expired(m, time.Time{}) {
		t.Fatal("zero deadline must never expire")
	}
	deadline := start.Add(time.Minute)
	if clock.Expired(m, deadline) {
		t.Fatal("deadline expired early")
	}
	m.Advance(time.Minute)
	if !clock.Expired(m, deadline) {
		t.Fatal("deadline should have expired")
	}
}
