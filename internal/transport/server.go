package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/silence-voip/silence/internal/metrics"
	"github.com/silence-voip/silence/internal/voippkt"
)

// ServerConfig carries the knobs for a relay transport.
type ServerConfig struct {
	// QueueCapacity bounds the inbound queue and the broadcast request queue
	// (default 255).
	QueueCapacity int
	// EventBuffer bounds the best-effort event feed (default 64).
	EventBuffer int
	// ReadBufferBytes sizes the socket read buffer; values below MTUMax+1 are
	// raised.
	ReadBufferBytes int

	// ExcludeSender skips the request's origin address during fan-out. The
	// default relays to the full registry snapshot, original sender included;
	// exclusion is an application policy, not transport intent.
	ExcludeSender bool

	// EvictOnSendFailure removes an address from the registry when a
	// broadcast send to it fails. Off by default: the bare transport only
	// isolates the failure.
	EvictOnSendFailure bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.ReadBufferBytes < defaultReadBufferBytes {
		c.ReadBufferBytes = defaultReadBufferBytes
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	return c
}

// ServerMessage is one decoded inbound frame tagged with its sender.
type ServerMessage struct {
	Header  voippkt.Header
	Payload []byte
	From    netip.AddrPort
}

// broadcastItem is one fan-out request. origin is set by BroadcastFrom and
// consulted only when ExcludeSender is on.
type broadcastItem struct {
	frame     voippkt.Frame
	origin    netip.AddrPort
	hasOrigin bool
}

// Server owns one unconnected UDP socket. Its pump receives from any peer,
// forwards decoded messages to the inbound queue, and fans broadcast
// requests out to every address in the registry snapshot.
type Server struct {
	conn     *net.UDPConn
	cfg      ServerConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry

	canceller *Canceller
	broadcast chan broadcastItem
	inbound   chan ServerMessage
	raw       chan rawDatagram
	events    *eventFeed

	readDone  chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// ListenServer binds the wildcard address on port. Bind failure is fatal to
// construction. Port 0 binds an ephemeral port, reachable via LocalAddr.
func ListenServer(port uint16, cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("transport: bind port %d: %w", port, err)
	}

	s := &Server{
		conn:      conn,
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		registry:  NewRegistry(),
		canceller: NewCanceller(),
		broadcast: make(chan broadcastItem, cfg.QueueCapacity),
		inbound:   make(chan ServerMessage, cfg.QueueCapacity),
		raw:       make(chan rawDatagram),
		events:    newEventFeed(cfg.EventBuffer, cfg.Metrics),
		readDone:  make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}

	go s.readLoop()
	go s.pump()

	return s, nil
}

func (s *Server) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Registry returns the shared peer registry. Registration policy (for
// example "register on first valid message") belongs to the application.
func (s *Server) Registry() *Registry { return s.registry }

// Events returns the best-effort feed of per-datagram failures. The channel
// is closed when the pump exits.
func (s *Server) Events() <-chan Event { return s.events.ch }

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Recv blocks until a decoded message from some peer is available.
func (s *Server) Recv(ctx context.Context) (voippkt.Header, []byte, netip.AddrPort, error) {
	select {
	case msg := <-s.inbound:
		return msg.Header, msg.Payload, msg.From, nil
	case <-ctx.Done():
		return voippkt.Header{}, nil, netip.AddrPort{}, ctx.Err()
	case <-s.canceller.Done():
		return voippkt.Header{}, nil, netip.AddrPort{}, ErrClosed
	}
}

// Broadcast enqueues one fan-out request, blocking while the request queue
// is full. Delivery is to every address in the registry snapshot taken at
// fan-out time.
func (s *Server) Broadcast(ctx context.Context, f voippkt.Frame) error {
	return s.enqueueBroadcast(ctx, broadcastItem{frame: f})
}

// BroadcastFrom is Broadcast with the original sender recorded, so the
// ExcludeSender policy can skip it during fan-out.
func (s *Server) BroadcastFrom(ctx context.Context, f voippkt.Frame, origin netip.AddrPort) error {
	return s.enqueueBroadcast(ctx, broadcastItem{frame: f, origin: canonicalAddrPort(origin), hasOrigin: true})
}

func (s *Server) enqueueBroadcast(ctx context.Context, item broadcastItem) error {
	if item.frame.ExceedsMTU() {
		return fmt.Errorf("%w: %d bytes > %d", ErrOversizeFrame, item.frame.Len(), voippkt.MTUMax)
	}
	select {
	case s.broadcast <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.canceller.Done():
		return ErrClosed
	}
}

// Shutdown signals the canceller; the pump exits at its next select point.
func (s *Server) Shutdown() {
	s.canceller.Signal()
}

// Close signals shutdown, closes the socket so the read loop unblocks, and
// waits for both background goroutines to exit.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.canceller.Signal()
		s.closeErr = s.conn.Close()
		<-s.readDone
		<-s.pumpDone
	})
	return s.closeErr
}

func (s *Server) readLoop() {
	defer close(s.readDone)
	defer close(s.raw)

	buf := make([]byte, s.cfg.ReadBufferBytes)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.canceller.Signalled() {
				return
			}
			s.metrics.Inc(metrics.ReadErrors)
			s.log.Warn("udp read failed", "err", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.raw <- rawDatagram{data: data, from: canonicalAddrPort(from)}:
		case <-s.canceller.Done():
			return
		}
	}
}

// pump is the single task owning socket sends: a select over received
// datagrams, broadcast requests, and cancellation, repeated until cancelled.
func (s *Server) pump() {
	defer close(s.pumpDone)
	defer s.events.close()

	rawCh := s.raw
	for {
		select {
		case <-s.canceller.Done():
			return

		case d, ok := <-rawCh:
			if !ok {
				rawCh = nil
				continue
			}
			s.handleDatagram(d)

		case item := <-s.broadcast:
			s.fanOut(item)
		}
	}
}

func (s *Server) handleDatagram(d rawDatagram) {
	s.metrics.Inc(metrics.DatagramsIn)

	h, payload, err := voippkt.Decode(d.data)
	if err != nil {
		s.metrics.Inc(decodeFailureCounter(err))
		s.log.Warn("discarding datagram", "from", d.from.String(), "len", len(d.data), "err", err)
		s.events.emit(decodeEventKind(err), d.from, err)
		return
	}

	select {
	case s.inbound <- ServerMessage{Header: h, Payload: payload, From: d.from}:
	case <-s.canceller.Done():
	}
}

// fanOut sends one frame to every address in a registry snapshot. A failure
// on one address is isolated: logged, counted, evented, optionally evicted,
// and never allowed to block or cancel the remaining sends.
func (s *Server) fanOut(item broadcastItem) {
	s.metrics.Inc(metrics.BroadcastRequests)

	for _, addr := range s.registry.Snapshot() {
		if s.cfg.ExcludeSender && item.hasOrigin && addr == item.origin {
			continue
		}
		if _, err := s.conn.WriteToUDPAddrPort(item.frame.Bytes(), addr); err != nil {
			s.metrics.Inc(metrics.SendFailures)
			s.log.Warn("broadcast send failed", "peer", addr.String(), "err", err)
			s.events.emit(EventSendFailure, addr, err)
			if s.cfg.EvictOnSendFailure && s.registry.Remove(addr) {
				s.metrics.Inc(metrics.PeersEvicted)
				s.log.Info("evicted peer after send failure", "peer", addr.String())
			}
			continue
		}
		s.metrics.Inc(metrics.BroadcastSends)
		s.metrics.Inc(metrics.DatagramsOut)
	}
}
