package transport

import (
	"net/netip"
	"sync"
	"testing"
)

func TestRegistryInsertRemove(t *testing.T) {
	r := NewRegistry()
	addr := netip.MustParseAddrPort("127.0.0.1:4000")

	if !r.Insert(addr) {
		t.Fatalf("first Insert reported the address as already present")
	}
	if r.Insert(addr) {
		t.Fatalf("second Insert reported the address as newly added")
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}

	if !r.Remove(addr) {
		t.Fatalf("Remove of a present address reported no entry")
	}
	if r.Remove(addr) {
		t.Fatalf("Remove of an absent address reported an entry")
	}
	if got := r.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0", got)
	}
}

func TestRegistrySnapshotOrdered(t *testing.T) {
	r := NewRegistry()
	addrs := []string{
		"10.0.0.2:5000",
		"10.0.0.1:6000",
		"10.0.0.1:5000",
		"[2001:db8::1]:5000",
		"127.0.0.1:3004",
	}
	for _, a := range addrs {
		r.Insert(netip.MustParseAddrPort(a))
	}

	snap := r.Snapshot()
	if len(snap) != len(addrs) {
		t.Fatalf("Snapshot len = %d, want %d", len(snap), len(addrs))
	}
	for i := 1; i < len(snap); i++ {
		if !addrPortLess(snap[i-1], snap[i]) {
			t.Fatalf("Snapshot not ordered at %d: %s !< %s", i, snap[i-1], snap[i])
		}
	}
}

func TestRegistryConcurrentInsert(t *testing.T) {
	const n = 64
	r := NewRegistry()
	base := netip.MustParseAddr("127.0.0.1")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(port uint16) {
			defer wg.Done()
			if !r.Insert(netip.AddrPortFrom(base, port)) {
				t.Errorf("concurrent Insert of a distinct address reported a duplicate")
			}
		}(uint16(10000 + i))
	}
	wg.Wait()

	if got := r.Len(); got != n {
		t.Fatalf("Len = %d after %d distinct inserts", got, n)
	}
	snap := r.Snapshot()
	seen := make(map[netip.AddrPort]struct{}, len(snap))
	for _, addr := range snap {
		if _, dup := seen[addr]; dup {
			t.Fatalf("Snapshot contains duplicate %s", addr)
		}
		seen[addr] = struct{}{}
	}
}
