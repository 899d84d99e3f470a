package transport

import (
	"net/netip"

	"github.com/silence-voip/silence/internal/voippkt"
)

const (
	// DefaultQueueCapacity bounds the inbound and outbound queues. A full
	// outbound queue suspends the producer; a full inbound queue suspends the
	// pump and thereby throttles further socket reads.
	DefaultQueueCapacity = 255

	// DefaultEventBuffer bounds the best-effort event feed.
	DefaultEventBuffer = 64

	// defaultReadBufferBytes is sized one byte past the MTU so the read loop
	// can detect oversized datagrams instead of forwarding a silently
	// truncated payload (UDPConn reads truncate without error).
	defaultReadBufferBytes = voippkt.MTUMax + 1
)

// Message is one decoded inbound frame.
type Message struct {
	Header  voippkt.Header
	Payload []byte
}

// rawDatagram is one complete received datagram handed from the read loop to
// the pump. The data slice is an owned copy; the read buffer is reused.
type rawDatagram struct {
	data []byte
	from netip.AddrPort
}

// outboundItem pairs a frame with the receipt channel its sender may await.
// The receipt is buffered so the pump's fulfilment never blocks.
type outboundItem struct {
	frame   voippkt.Frame
	receipt chan error
}

// canonicalAddrPort unmaps IPv4-in-IPv6 addresses so the same peer always
// produces the same registry key regardless of socket family.
func canonicalAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
