package transport

import (
	"testing"
	"time"
)

func TestCancellerSignal(t *testing.T) {
	c := NewCanceller()

	if c.Signalled() {
		t.Fatalf("fresh canceller reports signalled")
	}
	select {
	case <-c.Done():
		t.Fatalf("Done closed before Signal")
	default:
	}

	c.Signal()
	c.Signal() // repeat must be a no-op, not a panic

	if !c.Signalled() {
		t.Fatalf("canceller not signalled after Signal")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done not closed after Signal")
	}
}
