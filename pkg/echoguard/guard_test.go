package echoguard

import (
	"testing"
	"time"

	"github.com/harunnryd/echome/pkg/clock"
)

func TestGuardWindowBoundary(t *testing.T) {
	c := clock.NewManual(time.Unix(100, 0))
	g := New(c)
	if g.IsActive() {
		t.Fatalf("expected inactive before arm")
	}
	g.Arm(300 * time.Millisecond)
	c.Advance(299 * time.Millisecond)
	if !g.IsActive() {
		t.Fatalf("expected active strictly before expiry")
	}
	c.Advance(time.Millisecond)
	if g.IsActive() {
		t.Fatalf("expected inactive at expiry")
	}
}

func TestGuardReset(t *testing.T) {
	c := clock.NewManual(time.Unix(100, 0))
	g := New(c)
	g.Arm(time.Second)
	g.Reset()
	if g.IsActive() {
		t.Fatalf("expected inactive after reset")
	}
}
