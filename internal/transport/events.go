package transport

import (
	"errors"
	"net/netip"
	"time"

	"github.com/silence-voip/silence/internal/metrics"
	"github.com/silence-voip/silence/internal/voippkt"
)

type EventKind string

const (
	EventOversizeDrop   EventKind = "oversize_drop"
	EventDecodeFailure  EventKind = "decode_failure"
	EventTruncatedFrame EventKind = "truncated_frame"
	EventSendFailure    EventKind = "send_failure"
)

// Event reports a per-datagram failure that the pump handled locally.
// Historically these failures were only visible in logs; the event feed gives
// applications an observable channel without changing the non-fatal handling.
type Event struct {
	Kind EventKind
	Addr netip.AddrPort
	Err  error
	Time time.Time
}

// eventFeed is a bounded, best-effort event sink. Emission never blocks: if
// the buffer is full the event is counted as dropped and discarded, so a slow
// (or absent) consumer can never stall a pump.
type eventFeed struct {
	ch      chan Event
	metrics *metrics.Metrics
}

func newEventFeed(buf int, m *metrics.Metrics) *eventFeed {
	return &eventFeed{
		ch:      make(chan Event, buf),
		metrics: m,
	}
}

func (f *eventFeed) emit(kind EventKind, addr netip.AddrPort, err error) {
	ev := Event{Kind: kind, Addr: addr, Err: err, Time: time.Now()}
	select {
	case f.ch <- ev:
	default:
		f.metrics.Inc(metrics.EventsDropped)
	}
}

// close is called exactly once, by the pump goroutine on exit. All emits
// happen on the pump goroutine too, so close never races a send.
func (f *eventFeed) close() {
	close(f.ch)
}

// decodeEventKind maps a voippkt decode error to its event kind.
func decodeEventKind(err error) EventKind {
	switch {
	case errors.Is(err, voippkt.ErrOversize):
		return EventOversizeDrop
	case errors.Is(err, voippkt.ErrTruncated):
		return EventTruncatedFrame
	default:
		return EventDecodeFailure
	}
}

// decodeFailureCounter maps a voippkt decode error to its counter name.
func decodeFailureCounter(err error) string {
	switch {
	case errors.Is(err, voippkt.ErrOversize):
		return metrics.OversizeDrops
	case errors.Is(err, voippkt.ErrTruncated):
		return metrics.TruncatedDrops
	default:
		return metrics.DecodeFailures
	}
}
