package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarUDPPort         = "SILENCE_RELAY_UDP_PORT"
	envVarHTTPAddr        = "SILENCE_RELAY_HTTP_ADDR"
	envVarLogFormat       = "SILENCE_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SILENCE_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SILENCE_RELAY_SHUTDOWN_TIMEOUT"

	envVarQueueCapacity   = "SILENCE_RELAY_QUEUE_CAPACITY"
	envVarEventBuffer     = "SILENCE_RELAY_EVENT_BUFFER"
	envVarExcludeSender   = "SILENCE_RELAY_BROADCAST_EXCLUDE_SENDER"
	envVarEvictOnSendFail = "SILENCE_RELAY_EVICT_ON_SEND_FAILURE"

	envVarPeerPacketsPerSecond = "SILENCE_RELAY_PEER_PACKETS_PER_SECOND"
	envVarMaxTrackedPeers      = "SILENCE_RELAY_MAX_TRACKED_PEERS"
)

const (
	DefaultUDPPort         uint16 = 3004
	DefaultHTTPAddr               = "127.0.0.1:8080"
	DefaultShutdownTimeout        = 15 * time.Second
	DefaultQueueCapacity          = 255
	DefaultEventBuffer            = 64
	DefaultMaxTrackedPeers        = 1024
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	UDPPort         uint16
	HTTPAddr        string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	QueueCapacity      int
	EventBuffer        int
	ExcludeSender      bool
	EvictOnSendFailure bool

	// PeerPacketsPerSecond caps the inbound datagram rate per peer address.
	// Zero disables the limiter.
	PeerPacketsPerSecond int
	MaxTrackedPeers      int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load takes the env lookup as a parameter so tests can inject environments
// without mutating the process.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	udpPort := uint(DefaultUDPPort)
	if raw, ok := lookup(envVarUDPPort); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarUDPPort, raw, err)
		}
		udpPort = uint(p)
	}

	httpAddr := envOrDefault(lookup, envVarHTTPAddr, DefaultHTTPAddr)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	shutdownTimeout := DefaultShutdownTimeout
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	queueCapacity, err := envIntOrDefault(lookup, envVarQueueCapacity, DefaultQueueCapacity)
	if err != nil {
		return Config{}, err
	}
	eventBuffer, err := envIntOrDefault(lookup, envVarEventBuffer, DefaultEventBuffer)
	if err != nil {
		return Config{}, err
	}
	excludeSender, err := envBoolOrDefault(lookup, envVarExcludeSender, false)
	if err != nil {
		return Config{}, err
	}
	evictOnSendFailure, err := envBoolOrDefault(lookup, envVarEvictOnSendFail, true)
	if err != nil {
		return Config{}, err
	}
	peerPacketsPerSecond, err := envIntOrDefault(lookup, envVarPeerPacketsPerSecond, 0)
	if err != nil {
		return Config{}, err
	}
	maxTrackedPeers, err := envIntOrDefault(lookup, envVarMaxTrackedPeers, DefaultMaxTrackedPeers)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("silence-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.UintVar(&udpPort, "udp-port", udpPort, "UDP port the relay listens on (env "+envVarUDPPort+")")
	fs.StringVar(&httpAddr, "http-addr", httpAddr, "Diagnostics HTTP listen address (env "+envVarHTTPAddr+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.IntVar(&queueCapacity, "queue-capacity", queueCapacity, "Capacity of the transport queues (env "+envVarQueueCapacity+")")
	fs.IntVar(&eventBuffer, "event-buffer", eventBuffer, "Capacity of the transport event feed (env "+envVarEventBuffer+")")
	fs.BoolVar(&excludeSender, "broadcast-exclude-sender", excludeSender, "Skip the original sender during broadcast fan-out (env "+envVarExcludeSender+")")
	fs.BoolVar(&evictOnSendFailure, "evict-on-send-failure", evictOnSendFailure, "Remove a peer from the registry when a broadcast send to it fails (env "+envVarEvictOnSendFail+")")
	fs.IntVar(&peerPacketsPerSecond, "peer-packets-per-second", peerPacketsPerSecond, "Per-peer inbound datagram rate limit, 0 to disable (env "+envVarPeerPacketsPerSecond+")")
	fs.IntVar(&maxTrackedPeers, "max-tracked-peers", maxTrackedPeers, "Upper bound on per-peer rate limiter state (env "+envVarMaxTrackedPeers+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if udpPort == 0 || udpPort > 65535 {
		return Config{}, fmt.Errorf("%s/--udp-port must be in 1..65535; got %d", envVarUDPPort, udpPort)
	}
	if strings.TrimSpace(httpAddr) == "" {
		return Config{}, fmt.Errorf("%s/--http-addr must not be empty", envVarHTTPAddr)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if queueCapacity <= 0 {
		return Config{}, fmt.Errorf("%s/--queue-capacity must be > 0", envVarQueueCapacity)
	}
	if eventBuffer <= 0 {
		return Config{}, fmt.Errorf("%s/--event-buffer must be > 0", envVarEventBuffer)
	}
	if peerPacketsPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--peer-packets-per-second must be >= 0", envVarPeerPacketsPerSecond)
	}
	if maxTrackedPeers <= 0 {
		return Config{}, fmt.Errorf("%s/--max-tracked-peers must be > 0", envVarMaxTrackedPeers)
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	return Config{
		UDPPort:            uint16(udpPort),
		HTTPAddr:           httpAddr,
		LogFormat:          logFormat,
		LogLevel:           level,
		ShutdownTimeout:    shutdownTimeout,
		QueueCapacity:      queueCapacity,
		EventBuffer:        eventBuffer,
		ExcludeSender:      excludeSender,
		EvictOnSendFailure: evictOnSendFailure,

		PeerPacketsPerSecond: peerPacketsPerSecond,
		MaxTrackedPeers:      maxTrackedPeers,
	}, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	return def
}

func envIntOrDefault(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, def bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func parsePortString(raw string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be > 0")
	}
	return uint16(n), nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid %s/--log-format %q: want text or json", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s/--log-level %q: want debug, info, warn, or error", envVarLogLevel, raw)
	}
}
