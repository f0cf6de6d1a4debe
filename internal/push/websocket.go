package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/ashureev/deskrelay/internal/identity"
	"github.com/ashureev/deskrelay/internal/metrics"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wsConn is one WebSocket push connection. Events go out as JSON text frames.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func (c *wsConn) ID() string { return c.id }

// Send writes ev as a text frame bounded by the write timeout.
func (c *wsConn) Send(ctx context.Context, ev domain.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.close()
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// HandleWebSocket serves GET /api/tenants/{tenantID}/ws. The channel is
// server-to-client only; inbound frames are discarded and only used to
// notice the peer closing.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "tenant_id", tenantID)
		return
	}

	conn := &wsConn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: h.opts.WriteTimeout,
		done:         make(chan struct{}),
	}
	log := h.logger.With("tenant_id", tenantID, "conn_id", conn.id, "transport", transportWebSocket)

	ctx := ws.CloseRead(r.Context())

	h.reg.Register(tenantID, conn)
	metrics.OpenConnections.WithLabelValues(transportWebSocket).Inc()
	defer func() {
		conn.close()
		h.reg.Unregister(tenantID, conn.id)
		metrics.OpenConnections.WithLabelValues(transportWebSocket).Dec()
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			log.Debug("Failed to close websocket", "error", closeErr)
		}
		log.Info("Push stream closed")
	}()

	if err := conn.Send(ctx, domain.ConnectedEvent(h.now())); err != nil {
		log.Warn("Failed to write connected event", "error", err)
		return
	}
	log.Info("Push stream opened", "remote_ip", identity.IPFromRequest(r))

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			log.Debug("Push stream write failed, closing")
			return
		case <-heartbeat.C:
			if err := conn.Send(ctx, domain.HeartbeatEvent(h.now())); err != nil {
				log.Debug("Heartbeat write failed", "error", err)
				return
			}
		}
	}
}

// originPatterns converts configured origins such as "https://desk.example"
// into the host patterns websocket.Accept matches against.
func (h *Handler) originPatterns() []string {
	patterns := make([]string, 0, len(h.opts.AllowedOrigins))
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		host := strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if host != "" {
			patterns = append(patterns, host)
		}
	}
	return patterns
}
