package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/silence-voip/silence/internal/metrics"
	"github.com/silence-voip/silence/internal/transport"
)

var ErrServerClosed = http.ErrServerClosed

// Server is the relay's diagnostics surface: health/readiness probes, the
// metrics exposition endpoint, the peer registry listing, and the live event
// stream. It never participates in the UDP data path.
type Server struct {
	log      *slog.Logger
	registry *transport.Registry
	hub      *EventHub

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(addr string, logger *slog.Logger, registry *transport.Registry, m *metrics.Metrics, hub *EventHub) *Server {
	s := &Server{
		log:      logger,
		registry: registry,
		hub:      hub,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(m))
	s.mux.HandleFunc("GET /v1/peers", s.handlePeers)
	if hub != nil {
		s.mux.Handle("GET /v1/events", hub)
	}

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("diagnostics http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

type peerList struct {
	Peers []string `json:"peers"`
	Count int      `json:"count"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		WriteJSON(w, http.StatusOK, peerList{Peers: []string{}})
		return
	}
	snap := s.registry.Snapshot()
	out := peerList{Peers: make([]string, 0, len(snap)), Count: len(snap)}
	for _, addr := range snap {
		out.Peers = append(out.Peers, addr.String())
	}
	WriteJSON(w, http.StatusOK, out)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func recoverMiddleware(log *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic serving request", "path", r.URL.Path, "panic", rec)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type ctxKeyRequestID struct{}

func requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var buf [8]byte
			_, _ = rand.Read(buf[:])
			id := hex.EncodeToString(buf[:])
			w.Header().Set("X-Request-Id", id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id)))
		})
	}
}

func requestLoggerMiddleware(log *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			id, _ := r.Context().Value(ctxKeyRequestID{}).(string)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", id,
				"duration", time.Since(start),
			)
		})
	}
}
