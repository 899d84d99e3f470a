package metrics

import "sync"

// Counter names. Every drop path in the transports increments one of these so
// that silent discards never happen without at least a counter moving.
const (
	DatagramsIn       = "datagrams_in"
	DatagramsOut      = "datagrams_out"
	DecodeFailures    = "decode_failures"
	OversizeDrops     = "oversize_drops"
	TruncatedDrops    = "truncated_drops"
	SendFailures      = "send_failures"
	ReadErrors        = "read_errors"
	BroadcastRequests = "broadcast_requests"
	BroadcastSends    = "broadcast_sends"
	PeersEvicted      = "peers_evicted"
	EventsDropped     = "events_dropped"
	RateLimited       = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Deployments that want a real metrics backend can scrape the text exposition
// handler; keeping the registry in-process keeps the transport loops testable
// without pulling a metrics client into the hot path.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
