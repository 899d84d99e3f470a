package ratelimit

import (
	"container/list"
	"net/netip"
	"sync"
)

// defaultMaxTrackedPeers bounds limiter memory when the caller does not, so a
// source-address spray cannot grow the state without limit.
const defaultMaxTrackedPeers = 1024

// PeerLimiter caps the inbound datagram rate per peer address. Each peer gets
// its own bucket sized to one second of burst; state is kept for at most
// maxPeers addresses, evicting the least recently active peer beyond that.
type PeerLimiter struct {
	clock    Clock
	rate     int64
	maxPeers int

	mu    sync.Mutex
	peers map[netip.AddrPort]*peerEntry
	lru   *list.List // netip.AddrPort values, most recent at the front
}

type peerEntry struct {
	bucket *Bucket
	elem   *list.Element
}

// NewPeerLimiter builds a limiter allowing ratePerSecond datagrams per peer.
// A non-positive rate disables limiting; Allow then always reports true.
func NewPeerLimiter(clock Clock, ratePerSecond int64, maxPeers int) *PeerLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if maxPeers <= 0 {
		maxPeers = defaultMaxTrackedPeers
	}
	return &PeerLimiter{
		clock:    clock,
		rate:     ratePerSecond,
		maxPeers: maxPeers,
		peers:    make(map[netip.AddrPort]*peerEntry),
		lru:      list.New(),
	}
}

// Allow reports whether one more datagram from addr fits its per-peer budget.
func (l *PeerLimiter) Allow(addr netip.AddrPort) bool {
	if l.rate <= 0 {
		return true
	}
	return l.bucketFor(addr).Allow(1)
}

// Tracked returns the number of peers with live limiter state.
func (l *PeerLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *PeerLimiter) bucketFor(addr netip.AddrPort) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.peers[addr]; ok {
		l.lru.MoveToFront(entry.elem)
		return entry.bucket
	}

	if len(l.peers) >= l.maxPeers {
		if elem := l.lru.Back(); elem != nil {
			delete(l.peers, elem.Value.(netip.AddrPort))
			l.lru.Remove(elem)
		}
	}

	bucket := NewBucket(l.clock, l.rate, l.rate)
	l.peers[addr] = &peerEntry{
		bucket: bucket,
		elem:   l.lru.PushFront(addr),
	}
	return bucket
}
