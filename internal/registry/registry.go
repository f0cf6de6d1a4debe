// Package registry tracks the open push connections of each tenant.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/deskrelay/internal/domain"
	"github.com/ashureev/deskrelay/internal/metrics"
)

// Conn is one open push connection. The registry only holds it for lookup;
// the transport that created it owns its lifetime.
type Conn interface {
	ID() string
	Send(ctx context.Context, ev domain.Event) error
}

// Registry maps tenant -> connection ID -> Conn.
// All mutation goes through Register, Unregister and failed ForEach writes.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]map[string]Conn
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tenants: make(map[string]map[string]Conn),
		logger:  logger,
	}
}

// Register adds conn under tenantID.
func (r *Registry) Register(tenantID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.tenants[tenantID]
	if !ok {
		conns = make(map[string]Conn)
		r.tenants[tenantID] = conns
	}
	conns[conn.ID()] = conn
	r.logger.Debug("Push connection registered", "tenant_id", tenantID, "conn_id", conn.ID(), "tenant_conns", len(conns))
}

// Unregister removes a connection. Unknown IDs are ignored.
func (r *Registry) Unregister(tenantID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(tenantID, connID)
}

// unregisterIf removes connID only while it still maps to conn, so a lazy
// removal cannot evict a newer connection that reused the ID.
func (r *Registry) unregisterIf(tenantID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.tenants[tenantID][conn.ID()]; ok && current == conn {
		r.removeLocked(tenantID, conn.ID())
	}
}

func (r *Registry) removeLocked(tenantID, connID string) {
	conns, ok := r.tenants[tenantID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.tenants, tenantID)
	}
}

// ForEach calls fn for every connection of tenantID over a snapshot taken
// under the read lock, so fn never runs while the registry is locked. A
// connection whose fn returns an error is dropped from the registry; the
// error is logged and never returned. It reports how many calls succeeded.
func (r *Registry) ForEach(ctx context.Context, tenantID string, fn func(ctx context.Context, conn Conn) error) int {
	r.mu.RLock()
	tenantConns, ok := r.tenants[tenantID]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	snapshot := make([]Conn, 0, len(tenantConns))
	for _, c := range tenantConns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range snapshot {
		if err := fn(ctx, conn); err != nil {
			r.unregisterIf(tenantID, conn)
			metrics.FanoutWrites.WithLabelValues("failed").Inc()
			r.logger.Debug("Dropped dead push connection",
				"tenant_id", tenantID,
				"conn_id", conn.ID(),
				"error", err,
			)
			continue
		}
		metrics.FanoutWrites.WithLabelValues("ok").Inc()
		delivered++
	}
	return delivered
}

// Broadcast sends ev to every connection of tenantID.
func (r *Registry) Broadcast(ctx context.Context, tenantID string, ev domain.Event) int {
	return r.ForEach(ctx, tenantID, func(ctx context.Context, conn Conn) error {
		return conn.Send(ctx, ev)
	})
}

// Count returns the number of open connections for tenantID.
func (r *Registry) Count(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants[tenantID])
}

// Total returns the number of open connections across all tenants.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.tenants {
		n += len(conns)
	}
	return n
}
