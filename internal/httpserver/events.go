package httpserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silence-voip/silence/internal/transport"
)

const (
	eventWriteWait    = 1 * time.Second
	eventPingInterval = 20 * time.Second
	subscriberBuffer  = 64
)

// wireEvent is the JSON shape of a transport event on the /v1/events stream.
type wireEvent struct {
	Kind  string    `json:"kind"`
	Addr  string    `json:"addr,omitempty"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// EventHub fans transport events out to any number of WebSocket subscribers.
// Publishing is always non-blocking: a subscriber that cannot keep up loses
// events rather than slowing the publisher down.
type EventHub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan wireEvent]struct{}
}

func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		log:  logger,
		subs: make(map[chan wireEvent]struct{}),
	}
}

// Publish forwards one transport event to every current subscriber.
func (h *EventHub) Publish(ev transport.Event) {
	we := wireEvent{Kind: string(ev.Kind), Time: ev.Time}
	if ev.Addr.IsValid() {
		we.Addr = ev.Addr.String()
	}
	if ev.Err != nil {
		we.Error = ev.Err.Error()
	}

	h.mu.Lock()
	for sub := range h.subs {
		select {
		case sub <- we:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *EventHub) subscribe() chan wireEvent {
	sub := make(chan wireEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) unsubscribe(sub chan wireEvent) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.subscribe()
	defer h.unsubscribe(sub)

	// Drain control frames and detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case ev := <-sub:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
