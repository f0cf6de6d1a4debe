// Package health reports readiness of the service's dependencies over HTTP
// and the standard gRPC health protocol.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is any dependency that can verify its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names one dependency probe.
type Check struct {
	Name   string
	Pinger Pinger
}

// Checker runs every check with a shared timeout.
type Checker struct {
	checks  []Check
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a Checker. Checks with a nil Pinger are skipped.
func NewChecker(timeout time.Duration, logger *slog.Logger, checks ...Check) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	kept := make([]Check, 0, len(checks))
	for _, c := range checks {
		if c.Pinger != nil {
			kept = append(kept, c)
		}
	}
	return &Checker{checks: kept, timeout: timeout, logger: logger}
}

// Ready pings every dependency and reports per-check results ("ok" or the
// error text) and whether all of them passed.
func (c *Checker) Ready(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make(map[string]string, len(c.checks))
	ready := true
	for _, check := range c.checks {
		if err := check.Pinger.Ping(ctx); err != nil {
			results[check.Name] = err.Error()
			ready = false
			c.logger.Warn("Readiness check failed", "check", check.Name, "error", err)
			continue
		}
		results[check.Name] = "ok"
	}
	return results, ready
}

// ReadyHandler serves /readyz: 200 when every dependency answers, 503 otherwise.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, ready := c.Ready(r.Context())
		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}
