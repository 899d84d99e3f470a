package transport

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/silence-voip/silence/internal/voippkt"
)

// testPeer is a bare loopback UDP socket acting as a remote endpoint.
type testPeer struct {
	conn *net.UDPConn
	addr netip.AddrPort
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind test peer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testPeer{
		conn: conn,
		addr: conn.LocalAddr().(*net.UDPAddr).AddrPort(),
	}
}

func (p *testPeer) readDatagram(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, voippkt.MTUMax+1)
	n, _, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("test peer read: %v", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

func mustFrame(t *testing.T, typ voippkt.MessageType, author uuid.UUID, payload []byte) voippkt.Frame {
	t.Helper()
	frame, err := voippkt.Encode(voippkt.NewHeader(typ, author, len(payload)), payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return frame
}

func waitEvent(t *testing.T, ch <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event feed closed while waiting for an event")
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for an event")
	}
	return Event{}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
