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

	"github.com/google/uuid"

	"github.com/silence-voip/silence/internal/metrics"
	"github.com/silence-voip/silence/internal/voippkt"
)

// ClientConfig carries the knobs for a client transport. The zero value is
// usable; withDefaults fills in the spec'd capacities.
type ClientConfig struct {
	// QueueCapacity bounds the inbound and outbound queues (default 255).
	QueueCapacity int
	// EventBuffer bounds the best-effort event feed (default 64).
	EventBuffer int
	// ReadBufferBytes sizes the socket read buffer. Values below MTUMax+1 are
	// raised so oversized datagrams remain detectable.
	ReadBufferBytes int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c ClientConfig) withDefaults() ClientConfig {
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

// Client maintains a logical connection to one remote peer over a UDP socket
// bound to an ephemeral local address and connected so the OS filters inbound
// datagrams to that peer.
type Client struct {
	identity uuid.UUID
	conn     *net.UDPConn
	cfg      ClientConfig
	log      *slog.Logger
	metrics  *metrics.Metrics

	canceller *Canceller
	outbound  chan outboundItem
	inbound   chan Message
	raw       chan rawDatagram
	events    *eventFeed

	readDone  chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// DialClient binds a local UDP socket and connects it to remoteAddr. Resolve
// or connect failure fails the whole construction; there is no retry.
func DialClient(identity uuid.UUID, remoteAddr string, cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()

	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", remoteAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", remoteAddr, err)
	}

	c := &Client{
		identity:  identity,
		conn:      conn,
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		canceller: NewCanceller(),
		outbound:  make(chan outboundItem, cfg.QueueCapacity),
		inbound:   make(chan Message, cfg.QueueCapacity),
		raw:       make(chan rawDatagram),
		events:    newEventFeed(cfg.EventBuffer, cfg.Metrics),
		readDone:  make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}

	go c.readLoop()
	go c.pump()

	return c, nil
}

func (c *Client) Identity() uuid.UUID { return c.identity }

func (c *Client) LocalAddr() netip.AddrPort {
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (c *Client) RemoteAddr() netip.AddrPort {
	return c.conn.RemoteAddr().(*net.UDPAddr).AddrPort()
}

// Events returns the best-effort feed of per-datagram failures. The channel
// is closed when the pump exits.
func (c *Client) Events() <-chan Event { return c.events.ch }

func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// Enqueue appends one frame to the outbound queue, blocking while the queue
// is full. The returned receipt receives the result of that particular send
// once the pump has issued it; callers that don't care may discard it.
//
// Oversize frames are rejected here, before they can reach the wire.
func (c *Client) Enqueue(ctx context.Context, f voippkt.Frame) (<-chan error, error) {
	if f.ExceedsMTU() {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrOversizeFrame, f.Len(), voippkt.MTUMax)
	}
	item := outboundItem{frame: f, receipt: make(chan error, 1)}
	select {
	case c.outbound <- item:
		return item.receipt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.canceller.Done():
		return nil, ErrClosed
	}
}

// Recv blocks until the pump has a decoded message available.
func (c *Client) Recv(ctx context.Context) (voippkt.Header, []byte, error) {
	select {
	case msg := <-c.inbound:
		return msg.Header, msg.Payload, nil
	case <-ctx.Done():
		return voippkt.Header{}, nil, ctx.Err()
	case <-c.canceller.Done():
		return voippkt.Header{}, nil, ErrClosed
	}
}

// Shutdown signals the canceller. The pump exits at its next select point;
// a read loop blocked in a receive stays blocked until traffic arrives or the
// socket is closed (see Close).
func (c *Client) Shutdown() {
	c.canceller.Signal()
}

// Close signals shutdown, closes the socket so the read loop unblocks, and
// waits for both background goroutines to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.canceller.Signal()
		c.closeErr = c.conn.Close()
		<-c.readDone
		<-c.pumpDone
	})
	return c.closeErr
}

// readLoop is the only goroutine that receives on the socket. Each datagram
// is copied out of the reused buffer and handed to the pump; the blocking
// hand-off is what propagates inbound backpressure to the network side.
func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.raw)

	buf := make([]byte, c.cfg.ReadBufferBytes)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || c.canceller.Signalled() {
				return
			}
			c.metrics.Inc(metrics.ReadErrors)
			c.log.Warn("udp read failed", "err", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case c.raw <- rawDatagram{data: data, from: c.RemoteAddr()}:
		case <-c.canceller.Done():
			return
		}
	}
}

// pump is the single task owning socket sends. It waits on whichever source
// becomes ready first: a received datagram, an outbound frame, or
// cancellation.
func (c *Client) pump() {
	defer close(c.pumpDone)
	defer c.events.close()

	rawCh := c.raw
	for {
		select {
		case <-c.canceller.Done():
			return

		case d, ok := <-rawCh:
			if !ok {
				// Read loop exited (socket closed externally); keep serving
				// outbound until cancelled.
				rawCh = nil
				continue
			}
			c.handleDatagram(d)

		case item := <-c.outbound:
			// One dequeue, one send call, one datagram. The error, if any,
			// belongs to this send's caller alone.
			_, err := c.conn.Write(item.frame.Bytes())
			if err != nil {
				c.metrics.Inc(metrics.SendFailures)
				c.log.Warn("udp send failed", "err", err)
				c.events.emit(EventSendFailure, c.RemoteAddr(), err)
			} else {
				c.metrics.Inc(metrics.DatagramsOut)
			}
			item.receipt <- err
		}
	}
}

// handleDatagram decodes one datagram and pushes it to the inbound queue.
// Decode failures are logged, counted, and evented, and never terminate the
// pump.
func (c *Client) handleDatagram(d rawDatagram) {
	c.metrics.Inc(metrics.DatagramsIn)

	h, payload, err := voippkt.Decode(d.data)
	if err != nil {
		c.metrics.Inc(decodeFailureCounter(err))
		c.log.Warn("discarding datagram", "len", len(d.data), "err", err)
		c.events.emit(decodeEventKind(err), d.from, err)
		return
	}

	select {
	case c.inbound <- Message{Header: h, Payload: payload}:
	case <-c.canceller.Done():
	}
}
