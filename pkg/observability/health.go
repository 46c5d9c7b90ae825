package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc checks one dependency
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name     string
	check    CheckFunc
	critical bool
}

// HealthChecker provides health check functionality
type HealthChecker struct {
	version string
	mu      sync.RWMutex
	checks  []namedCheck
}

// NewHealthChecker creates a health checker. A nil db or redis is skipped;
// the database is critical and redis only degrades the status.
func NewHealthChecker(version string, db *sql.DB, rdb *redis.Client) *HealthChecker {
	h := &HealthChecker{version: version}
	if db != nil {
		h.Register("database", true, func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			var one int
			return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
		})
	}
	if rdb != nil {
		h.Register("redis", false, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	return h
}

// Register adds a named check
func (h *HealthChecker) Register(name string, critical bool, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check, critical: critical})
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Check runs every registered check
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]namedCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(checks)),
	}

	for _, c := range checks {
		start := time.Now()
		dep := DependencyStatus{Status: StatusHealthy, Timestamp: start}
		if err := c.check(ctx); err != nil {
			dep.Status = StatusUnhealthy
			dep.Message = err.Error()
			if c.critical {
				status.Status = StatusUnhealthy
			} else if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
		dep.LatencyMS = time.Since(start).Milliseconds()
		status.Dependencies[c.name] = dep
	}

	return status
}

// Liveness always reports healthy while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness runs all checks; unhealthy yields 503, degraded still 200
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
