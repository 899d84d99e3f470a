package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/silence-voip/silence/internal/metrics"
	"github.com/silence-voip/silence/internal/voippkt"
)

func relayAddr(s *Server) string {
	return fmt.Sprintf("127.0.0.1:%d", s.LocalAddr().Port())
}

func TestClientServerRoundTrip(t *testing.T) {
	srv, err := ListenServer(0, ServerConfig{})
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	defer srv.Close()

	identity := uuid.New()
	client, err := DialClient(identity, relayAddr(srv), ClientConfig{})
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame := mustFrame(t, voippkt.Voice, identity, []byte{1})
	receipt, err := client.Enqueue(ctx, frame)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := <-receipt; err != nil {
		t.Fatalf("send receipt: %v", err)
	}

	h, payload, from, err := srv.Recv(ctx)
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	if h.Type != voippkt.Voice {
		t.Fatalf("h.Type = %v, want Voice", h.Type)
	}
	if h.Author != identity {
		t.Fatalf("h.Author = %s, want %s", h.Author, identity)
	}
	if !bytes.Equal(payload, []byte{1}) {
		t.Fatalf("payload = %v, want [1]", payload)
	}
	if !from.IsValid() {
		t.Fatalf("sender address not valid")
	}

	if !srv.Registry().Insert(from) {
		t.Fatalf("sender unexpectedly already registered")
	}
	if err := srv.Broadcast(ctx, frame); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	h2, payload2, err := client.Recv(ctx)
	if err != nil {
		t.Fatalf("client Recv: %v", err)
	}
	if h2.Author != identity || !bytes.Equal(payload2, []byte{1}) {
		t.Fatalf("echoed message = %+v %v, want author %s payload [1]", h2, payload2, identity)
	}
}

func TestBroadcastIsolatesAndEvictsFailedPeer(t *testing.T) {
	m := metrics.New()
	srv, err := ListenServer(0, ServerConfig{EvictOnSendFailure: true, Metrics: m})
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	defer srv.Close()

	peerA := newTestPeer(t)
	peerB := newTestPeer(t)
	// Port 0 as a destination makes sendto fail deterministically, without
	// needing an unreachable host.
	bad := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)

	reg := srv.Registry()
	reg.Insert(peerA.addr)
	reg.Insert(peerB.addr)
	reg.Insert(bad)

	frame := mustFrame(t, voippkt.Voice, uuid.New(), []byte{42})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Broadcast(ctx, frame); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	// Both healthy peers receive the frame despite the failure in between.
	for _, p := range []*testPeer{peerA, peerB} {
		got := p.readDatagram(t, 2*time.Second)
		if !bytes.Equal(got, frame.Bytes()) {
			t.Fatalf("peer received %d bytes, want the %d-byte frame", len(got), frame.Len())
		}
	}

	waitFor(t, 2*time.Second, func() bool { return reg.Len() == 2 })
	if reg.Remove(bad) {
		t.Fatalf("failed address still present after eviction")
	}
	if got := m.Get(metrics.SendFailures); got != 1 {
		t.Fatalf("send_failures = %d, want 1", got)
	}
	if got := m.Get(metrics.PeersEvicted); got != 1 {
		t.Fatalf("peers_evicted = %d, want 1", got)
	}
	if got := m.Get(metrics.BroadcastSends); got != 2 {
		t.Fatalf("broadcast_sends = %d, want 2", got)
	}
}

func TestBroadcastFromExcludesSender(t *testing.T) {
	srv, err := ListenServer(0, ServerConfig{ExcludeSender: true})
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	defer srv.Close()

	sender := newTestPeer(t)
	other := newTestPeer(t)
	srv.Registry().Insert(sender.addr)
	srv.Registry().Insert(other.addr)

	frame := mustFrame(t, voippkt.Voice, uuid.New(), []byte{7})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.BroadcastFrom(ctx, frame, sender.addr); err != nil {
		t.Fatalf("BroadcastFrom: %v", err)
	}

	if got := other.readDatagram(t, 2*time.Second); !bytes.Equal(got, frame.Bytes()) {
		t.Fatalf("other peer received %d bytes, want the frame", len(got))
	}

	_ = sender.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, voippkt.MTUMax+1)
	n, _, err := sender.conn.ReadFromUDP(buf)
	if err == nil {
		t.Fatalf("sender received its own broadcast (%d bytes)", n)
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("sender read failed unexpectedly: %v", err)
	}
}

func TestServerRejectsOversizeBroadcast(t *testing.T) {
	srv, err := ListenServer(0, ServerConfig{})
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	defer srv.Close()

	frame := mustFrame(t, voippkt.Voice, uuid.New(), make([]byte, voippkt.MTUMax))
	if err := srv.Broadcast(context.Background(), frame); !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("Broadcast = %v, want ErrOversizeFrame", err)
	}
}

func TestMalformedDatagramsEmitEvents(t *testing.T) {
	m := metrics.New()
	srv, err := ListenServer(0, ServerConfig{Metrics: m})
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	defer srv.Close()

	peer := newTestPeer(t)
	dst := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), srv.LocalAddr().Port())

	send := func(b []byte) {
		t.Helper()
		if _, err := peer.conn.WriteToUDPAddrPort(b, dst); err != nil {
			t.Fatalf("peer send: %v", err)
		}
	}

	// Too short to carry a length prefix.
	send([]byte{1, 2, 3})
	ev := waitEvent(t, srv.Events(), 2*time.Second)
	if ev.Kind != EventTruncatedFrame {
		t.Fatalf("event kind = %s, want %s", ev.Kind, EventTruncatedFrame)
	}
	if ev.Addr != peer.addr {
		t.Fatalf("event addr = %s, want %s", ev.Addr, peer.addr)
	}

	// Length prefix over the MTU limit.
	over := make([]byte, voippkt.PrefixLen+2)
	binary.BigEndian.PutUint64(over, voippkt.MTUMax+1)
	send(over)
	if ev := waitEvent(t, srv.Events(), 2*time.Second); ev.Kind != EventOversizeDrop {
		t.Fatalf("event kind = %s, want %s", ev.Kind, EventOversizeDrop)
	}

	// Unparseable header bytes.
	garbage := make([]byte, voippkt.PrefixLen+2)
	binary.BigEndian.PutUint64(garbage, 2)
	garbage[voippkt.PrefixLen] = 0xc1
	send(garbage)
	if ev := waitEvent(t, srv.Events(), 2*time.Second); ev.Kind != EventDecodeFailure {
		t.Fatalf("event kind = %s, want %s", ev.Kind, EventDecodeFailure)
	}

	if got := m.Get(metrics.TruncatedDrops); got != 1 {
		t.Fatalf("truncated_drops = %d, want 1", got)
	}
	if got := m.Get(metrics.OversizeDrops); got != 1 {
		t.Fatalf("oversize_drops = %d, want 1", got)
	}
	if got := m.Get(metrics.DecodeFailures); got != 1 {
		t.Fatalf("decode_failures = %d, want 1", got)
	}
	if got := m.Get(metrics.DatagramsIn); got != 3 {
		t.Fatalf("datagrams_in = %d, want 3", got)
	}
}

func TestServerShutdownStopsPump(t *testing.T) {
	srv, err := ListenServer(0, ServerConfig{})
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}

	srv.Shutdown()

	select {
	case _, ok := <-srv.Events():
		if ok {
			t.Fatalf("unexpected event before feed close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not exit after Shutdown")
	}

	if _, _, _, err := srv.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after Shutdown = %v, want ErrClosed", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
