package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/ashureev/deskrelay/internal/identity"
	"github.com/ashureev/deskrelay/internal/metrics"
	"github.com/google/uuid"
)

// streamController is the slice of http.ResponseController a stream needs.
type streamController interface {
	Flush() error
	SetWriteDeadline(deadline time.Time) error
}

// sseConn is one Server-Sent Events stream. Writes are serialized by mu,
// bounded by writeTimeout and flushed immediately.
type sseConn struct {
	id           string
	tenantID     string
	w            io.Writer
	ctl          streamController
	writeTimeout time.Duration
	done         chan struct{}
	mu           sync.Mutex
	closed       bool
}

func newSSEConn(tenantID string, w io.Writer, ctl streamController, writeTimeout time.Duration) *sseConn {
	return &sseConn{
		id:           uuid.NewString(),
		tenantID:     tenantID,
		w:            w,
		ctl:          ctl,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *sseConn) ID() string { return c.id }

// Send writes ev as one SSE frame. The write must finish before the earlier
// of writeTimeout and ctx's deadline. A failed write marks the connection closed.
func (c *sseConn) Send(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.writeTimeout > 0 {
		deadline := time.Now().Add(c.writeTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		// http.ErrNotSupported leaves the write unbounded.
		_ = c.ctl.SetWriteDeadline(deadline)
		defer func() { _ = c.ctl.SetWriteDeadline(time.Time{}) }()
	}

	if err := writeSSE(c.w, string(ev.Type), data); err != nil {
		c.closeLocked()
		return fmt.Errorf("write sse frame: %w", err)
	}
	if err := c.ctl.Flush(); err != nil {
		c.closeLocked()
		return fmt.Errorf("flush sse frame: %w", err)
	}
	return nil
}

func (c *sseConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *sseConn) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// HandleSSE serves GET /api/tenants/{tenantID}/stream.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	ctl := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.opts.RetryHint.Milliseconds()); err != nil {
		h.logger.Warn("Failed to write SSE retry hint", "error", err, "tenant_id", tenantID)
		return
	}
	if err := ctl.Flush(); err != nil {
		h.logger.Warn("Failed to flush SSE retry hint", "error", err, "tenant_id", tenantID)
		return
	}

	conn := newSSEConn(tenantID, w, ctl, h.opts.WriteTimeout)
	log := h.logger.With("tenant_id", tenantID, "conn_id", conn.id, "transport", transportSSE)

	h.reg.Register(tenantID, conn)
	metrics.OpenConnections.WithLabelValues(transportSSE).Inc()
	defer func() {
		conn.close()
		h.reg.Unregister(tenantID, conn.id)
		metrics.OpenConnections.WithLabelValues(transportSSE).Dec()
		log.Info("Push stream closed")
	}()

	if err := conn.Send(r.Context(), domain.ConnectedEvent(h.now())); err != nil {
		log.Warn("Failed to write connected event", "error", err)
		return
	}
	log.Info("Push stream opened", "remote_ip", identity.IPFromRequest(r))

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			log.Debug("Push stream write failed, closing")
			return
		case <-heartbeat.C:
			if err := conn.Send(r.Context(), domain.HeartbeatEvent(h.now())); err != nil {
				log.Debug("Heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
