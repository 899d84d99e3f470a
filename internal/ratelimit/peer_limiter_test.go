package ratelimit

import (
	"net/netip"
	"testing"
	"time"
)

func peerAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port)
}

func TestPeerLimiterIsolatesPeers(t *testing.T) {
	clock := newFakeClock()
	l := NewPeerLimiter(clock, 2, 16)

	a := peerAddr(1000)
	b := peerAddr(2000)

	if !l.Allow(a) || !l.Allow(a) {
		t.Fatalf("peer a denied within its budget")
	}
	if l.Allow(a) {
		t.Fatalf("peer a granted beyond its budget")
	}
	// One peer exhausting its budget must not affect another.
	if !l.Allow(b) {
		t.Fatalf("peer b denied by peer a's exhaustion")
	}

	clock.Advance(time.Second)
	if !l.Allow(a) {
		t.Fatalf("peer a denied after refill")
	}
}

func TestPeerLimiterDisabledRate(t *testing.T) {
	l := NewPeerLimiter(newFakeClock(), 0, 16)
	a := peerAddr(1000)
	for i := 0; i < 100; i++ {
		if !l.Allow(a) {
			t.Fatalf("disabled limiter denied datagram %d", i)
		}
	}
	if got := l.Tracked(); got != 0 {
		t.Fatalf("disabled limiter tracked %d peers", got)
	}
}

func TestPeerLimiterEvictsLeastRecentPeer(t *testing.T) {
	clock := newFakeClock()
	l := NewPeerLimiter(clock, 1, 2)

	a := peerAddr(1)
	b := peerAddr(2)
	c := peerAddr(3)

	l.Allow(a) // a uses its only token
	l.Allow(b)
	if got := l.Tracked(); got != 2 {
		t.Fatalf("Tracked = %d, want 2", got)
	}

	// c displaces a, the least recently active peer.
	l.Allow(c)
	if got := l.Tracked(); got != 2 {
		t.Fatalf("Tracked = %d after eviction, want 2", got)
	}

	// b kept its state and its bucket is empty.
	if l.Allow(b) {
		t.Fatalf("retained peer was granted beyond its budget")
	}
	// a's drained bucket was evicted, so it starts fresh and is allowed.
	if !l.Allow(a) {
		t.Fatalf("evicted peer did not restart with a fresh budget")
	}
}
