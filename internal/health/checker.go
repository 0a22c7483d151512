// Package health provides health check functionality for the gateway.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status values reported per check and overall.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Checker is a component that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

// HealthCheck implements Checker.
func (f CheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// HealthChecker runs the registered checks. A failing critical check makes
// the service unhealthy; a failing optional check only degrades it.
type HealthChecker struct {
	config   Config
	started  time.Time
	mu       sync.RWMutex
	checks   map[string]registeredCheck
	statuses map[string]*CheckStatus
}

type registeredCheck struct {
	checker  Checker
	critical bool
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus is the result of a single check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// HealthResponse is the body served by the health endpoints.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
}

// NewChecker creates a health checker.
func NewChecker(config Config) *HealthChecker {
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 5 * time.Second
	}
	return &HealthChecker{
		config:   config,
		started:  time.Now(),
		checks:   make(map[string]registeredCheck),
		statuses: make(map[string]*CheckStatus),
	}
}

// AddCheck registers a critical check.
func (h *HealthChecker) AddCheck(name string, checker Checker) {
	h.add(name, checker, true)
}

// AddOptionalCheck registers a check whose failure only degrades the service.
func (h *HealthChecker) AddOptionalCheck(name string, checker Checker) {
	h.add(name, checker, false)
}

func (h *HealthChecker) add(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registeredCheck{checker: checker, critical: critical}
	h.statuses[name] = &CheckStatus{Name: name, Status: StatusUnknown, Critical: critical}
}

// Names returns the registered check names, sorted.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check concurrently and returns the overall status.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	return h.run(ctx, false)
}

func (h *HealthChecker) run(ctx context.Context, criticalOnly bool) *HealthResponse {
	h.mu.RLock()
	checks := make(map[string]registeredCheck, len(h.checks))
	for name, c := range h.checks {
		if criticalOnly && !c.critical {
			continue
		}
		checks[name] = c
	}
	h.mu.RUnlock()

	response := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
		Checks:    make(map[string]*CheckStatus, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, c := range checks {
		wg.Add(1)
		go func(name string, c registeredCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
			defer cancel()

			status := &CheckStatus{
				Name:      name,
				Status:    StatusHealthy,
				Critical:  c.critical,
				LastCheck: time.Now(),
			}
			if err := c.checker.HealthCheck(checkCtx); err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			response.Checks[name] = status
			if status.Status == StatusHealthy {
				return
			}
			if c.critical {
				response.Status = StatusUnhealthy
			} else if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		}(name, c)
	}

	wg.Wait()

	h.mu.Lock()
	for name, status := range response.Checks {
		h.statuses[name] = status
	}
	h.mu.Unlock()

	return response
}

// HealthHandler serves every check. Degraded still answers 200.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.Check(r.Context()))
}

// LivenessHandler answers 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	})
}

// ReadinessHandler serves the critical checks only.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, h.run(r.Context(), true))
}

func (h *HealthChecker) write(w http.ResponseWriter, response *HealthResponse) {
	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetStatus returns the last recorded status of a check.
func (h *HealthChecker) GetStatus(name string) *CheckStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statuses[name]
}

// IsHealthy reports whether no critical check fails.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status != StatusUnhealthy
}
