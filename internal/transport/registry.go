package transport

import (
	"bytes"
	"net/netip"
	"sort"
	"sync"
)

// Registry is the server's concurrent set of peer addresses eligible for
// broadcast. Presence means "eligible"; entries carry no value.
//
// The mutex is held only for insert/remove/snapshot, never across a network
// call: broadcast iterates over a snapshot copy.
type Registry struct {
	mu    sync.Mutex
	peers map[netip.AddrPort]struct{}
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[netip.AddrPort]struct{})}
}

// Insert adds addr to the registry. It is idempotent and reports whether the
// address was newly added.
func (r *Registry) Insert(addr netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; ok {
		return false
	}
	r.peers[addr] = struct{}{}
	return true
}

// Remove deletes addr and reports whether an entry existed.
func (r *Registry) Remove(addr netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; !ok {
		return false
	}
	delete(r.peers, addr)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Snapshot returns an ordered copy of the registry. Iteration for broadcast
// always happens over a snapshot so no I/O occurs while the lock is held.
func (r *Registry) Snapshot() []netip.AddrPort {
	r.mu.Lock()
	out := make([]netip.AddrPort, 0, len(r.peers))
	for addr := range r.peers {
		out = append(out, addr)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return addrPortLess(out[i], out[j]) })
	return out
}

func addrPortLess(a, b netip.AddrPort) bool {
	aa := a.Addr().As16()
	ab := b.Addr().As16()
	if c := bytes.Compare(aa[:], ab[:]); c != 0 {
		return c < 0
	}
	return a.Port() < b.Port()
}
