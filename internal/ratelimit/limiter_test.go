package ratelimit

import (
	"testing"
	"time"
)

func TestAllowUpToLimit(t *testing.T) {
	l := NewLimiter(Rule{Limit: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		if !l.Allow("r1") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if l.Allow("r1") {
		t.Error("call over the limit should be denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(Rule{Limit: 1, Window: time.Minute})

	if !l.Allow("r1") {
		t.Fatal("first call on r1 should be allowed")
	}
	if !l.Allow("r2") {
		t.Error("r2 must not be affected by r1's window")
	}
}

func TestWindowSlides(t *testing.T) {
	l := NewLimiter(Rule{Limit: 2, Window: 10 * time.Second})

	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }

	if !l.Allow("r1") || !l.Allow("r1") {
		t.Fatal("first two calls should be allowed")
	}
	if l.Allow("r1") {
		t.Fatal("third call should be denied")
	}

	// Advance past the window; the old hits expire.
	now = now.Add(11 * time.Second)
	if !l.Allow("r1") {
		t.Error("call after window expiry should be allowed")
	}
}

func TestReset(t *testing.T) {
	l := NewLimiter(Rule{Limit: 1, Window: time.Minute})

	l.Allow("r1")
	l.Reset("r1")
	if !l.Allow("r1") {
		t.Error("call after reset should be allowed")
	}
}
