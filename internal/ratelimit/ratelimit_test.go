package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5)

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("expected request to be allowed after refill")
	}
	if !bucket.Allow() {
		t.Error("expected second request to be allowed after refill")
	}
	if bucket.Allow() {
		t.Error("expected third request to be denied")
	}
}

func TestLimiterPerEdge(t *testing.T) {
	l := NewLimiter(0, 2, 3)

	for i := 0; i < 3; i++ {
		if !l.AllowConnection("edge-a") {
			t.Errorf("expected connection %d to be allowed", i)
		}
	}
	if l.AllowConnection("edge-a") {
		t.Error("expected connection to be denied by per-edge limit")
	}
	// A different edge has its own bucket.
	if !l.AllowConnection("edge-b") {
		t.Error("expected other edge to be unaffected")
	}
}

func TestLimiterGlobal(t *testing.T) {
	l := NewLimiter(1, 0, 2)

	if !l.AllowConnection("a") || !l.AllowConnection("b") {
		t.Error("expected burst to be allowed")
	}
	if l.AllowConnection("c") {
		t.Error("expected connection to be denied by global limit")
	}
}

func TestSweep(t *testing.T) {
	l := NewLimiter(0, 1, 1)
	l.AllowConnection("gone")
	l.AllowConnection("kept")

	l.Sweep(map[string]bool{"kept": true})

	l.mu.Lock()
	_, hasGone := l.perEdge["gone"]
	_, hasKept := l.perEdge["kept"]
	l.mu.Unlock()
	if hasGone {
		t.Error("expected bucket for departed edge to be swept")
	}
	if !hasKept {
		t.Error("expected bucket for live edge to survive the sweep")
	}
}
