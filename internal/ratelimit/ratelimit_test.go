package ratelimit

import (
	"testing"
	"time"

	"syncbridge/internal/testutil"
)

func TestAdmitsUpToMax(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	l := NewWithClock(time.Minute, 3, clock.Now)
	for i := 0; i < 3; i++ {
		if !l.TryRequest() {
			t.Fatalf("request %d denied below max", i+1)
		}
	}
	if l.TryRequest() {
		t.Fatalf("request above max admitted")
	}
}

func TestDeniedRequestNotRecorded(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	l := NewWithClock(time.Minute, 2, clock.Now)
	l.TryRequest()
	l.TryRequest()

	// Hammering while full must not extend the window.
	for i := 0; i < 10; i++ {
		if l.TryRequest() {
			t.Fatalf("admitted while full")
		}
	}
	clock.Advance(time.Minute)
	if !l.TryRequest() {
		t.Fatalf("window did not free after expiry despite denied attempts")
	}
}

func TestWindowSlides(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	l := NewWithClock(time.Minute, 2, clock.Now)

	l.TryRequest() // t=0
	clock.Advance(30 * time.Second)
	l.TryRequest() // t=30
	if l.TryRequest() {
		t.Fatalf("third request admitted inside window")
	}

	// t=60: the first entry ages out, one slot frees.
	clock.Advance(30 * time.Second)
	if !l.TryRequest() {
		t.Fatalf("slot not freed after oldest entry expired")
	}
	if l.TryRequest() {
		t.Fatalf("second slot admitted, t=30 entry should still count")
	}
}

func TestRemaining(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	l := NewWithClock(time.Minute, 5, clock.Now)
	if got := l.Remaining(); got != 5 {
		t.Fatalf("remaining = %d, want 5", got)
	}
	l.TryRequest()
	l.TryRequest()
	if got := l.Remaining(); got != 3 {
		t.Fatalf("remaining = %d, want 3", got)
	}
	clock.Advance(time.Minute)
	if got := l.Remaining(); got != 5 {
		t.Fatalf("remaining after expiry = %d, want 5", got)
	}
}

func TestReset(t *testing.T) {
	l := New(time.Minute, 1)
	l.TryRequest()
	if l.TryRequest() {
		t.Fatalf("admitted while full")
	}
	l.Reset()
	if !l.TryRequest() {
		t.Fatalf("denied after reset")
	}
}

func TestExactBoundaryExpires(t *testing.T) {
	// An entry exactly one window old no longer counts.
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	l := NewWithClock(time.Minute, 1, clock.Now)
	l.TryRequest()
	clock.Advance(time.Minute)
	if !l.TryRequest() {
		t.Fatalf("entry at exact window age still counted")
	}
}
