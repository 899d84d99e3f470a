package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/silence-voip/silence/internal/config"
	"github.com/silence-voip/silence/internal/httpserver"
	"github.com/silence-voip/silence/internal/metrics"
	"github.com/silence-voip/silence/internal/ratelimit"
	"github.com/silence-voip/silence/internal/transport"
	"github.com/silence-voip/silence/internal/voippkt"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting silence-relay",
		"udp_port", cfg.UDPPort,
		"http_addr", cfg.HTTPAddr,
		"queue_capacity", cfg.QueueCapacity,
		"broadcast_exclude_sender", cfg.ExcludeSender,
		"evict_on_send_failure", cfg.EvictOnSendFailure,
		"peer_packets_per_second", cfg.PeerPacketsPerSecond,
	)

	m := metrics.New()
	srv, err := transport.ListenServer(cfg.UDPPort, transport.ServerConfig{
		QueueCapacity:      cfg.QueueCapacity,
		EventBuffer:        cfg.EventBuffer,
		ExcludeSender:      cfg.ExcludeSender,
		EvictOnSendFailure: cfg.EvictOnSendFailure,
		Logger:             logger.With("component", "relay"),
		Metrics:            m,
	})
	if err != nil {
		logger.Error("failed to bind relay socket", "err", err)
		os.Exit(1)
	}

	var limiter *ratelimit.PeerLimiter
	if cfg.PeerPacketsPerSecond > 0 {
		limiter = ratelimit.NewPeerLimiter(ratelimit.RealClock{}, int64(cfg.PeerPacketsPerSecond), cfg.MaxTrackedPeers)
	}

	hub := httpserver.NewEventHub(logger.With("component", "events"))
	diag := httpserver.New(cfg.HTTPAddr, logger.With("component", "http"), srv.Registry(), m, hub)

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("failed to listen on diagnostics address", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Forward transport events to the log and the diagnostics stream. The
	// loop ends when the pump closes the feed.
	go func() {
		for ev := range srv.Events() {
			logger.Debug("transport event", "kind", string(ev.Kind), "addr", ev.Addr.String(), "err", ev.Err)
			hub.Publish(ev)
		}
	}()

	// Relay loop: register each sender on its first validly decoded datagram,
	// then rebroadcast the frame to every registered peer. Registration
	// policy lives here, not in the transport.
	go func() {
		for {
			header, payload, from, err := srv.Recv(ctx)
			if err != nil {
				return
			}
			if limiter != nil && !limiter.Allow(from) {
				m.Inc(metrics.RateLimited)
				continue
			}
			if srv.Registry().Insert(from) {
				logger.Info("registered peer", "peer", from.String(), "author", header.Author.String())
			}
			frame, err := voippkt.Encode(header, payload)
			if err != nil {
				logger.Warn("failed to re-encode frame", "err", err)
				continue
			}
			if err := srv.BroadcastFrom(ctx, frame, from); err != nil {
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- diag.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("diagnostics server exited", "err", err)
			_ = srv.Close()
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := diag.Shutdown(shutdownCtx); err != nil {
		logger.Error("diagnostics server shutdown failed", "err", err)
	}
	if err := srv.Close(); err != nil {
		logger.Error("relay close failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("diagnostics server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("silence-relay stopped")
}
