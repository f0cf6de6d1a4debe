// Package push serves the long-lived channels a tenant's clients hold open to
// receive chat-response events: Server-Sent Events and WebSocket.
package push

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/deskrelay/internal/config"
	"github.com/ashureev/deskrelay/internal/registry"
)

// ErrConnClosed is returned by Send once the connection has gone away.
var ErrConnClosed = errors.New("push connection closed")

const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
)

// Options controls push channel timing.
type Options struct {
	HeartbeatInterval time.Duration
	RetryHint         time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
}

// OptionsFromConfig maps the push section of the service configuration.
func OptionsFromConfig(cfg config.PushConfig, allowedOrigins []string) Options {
	return Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		RetryHint:         cfg.RetryHint,
		WriteTimeout:      cfg.WriteTimeout,
		AllowedOrigins:    allowedOrigins,
	}
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.RetryHint <= 0 {
		o.RetryHint = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Handler serves both push transports over one registry.
type Handler struct {
	reg    *registry.Registry
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a push handler that registers its connections in reg.
func NewHandler(reg *registry.Registry, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reg:    reg,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}
