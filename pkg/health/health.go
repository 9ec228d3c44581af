package health

import (
	"sync"
	"time"

	"github.com/dd0wney/cluso-mq/pkg/clock"
)

// Status is the outcome of a check; the worst status of a set wins
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one named probe result
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	DurationMS  float64        `json:"duration_ms"`
}

// CheckFunc computes a Check on demand
type CheckFunc func() Check

// HealthChecker runs a node's health, readiness and liveness probes
type HealthChecker struct {
	clock   clock.Clock
	started time.Time

	mu          sync.RWMutex
	checks      map[string]CheckFunc
	readyChecks map[string]CheckFunc
	liveChecks  map[string]CheckFunc
}

// Response aggregates a set of checks
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks"`
	UptimeSeconds float64          `json:"uptime_seconds"`
}

// NewHealthChecker creates a new health checker; uptime is measured from now.
func NewHealthChecker(clk clock.Clock) *HealthChecker {
	if clk == nil {
		clk = clock.Real()
	}
	return &HealthChecker{
		clock:       clk,
		started:     clk.Now(),
		checks:      make(map[string]CheckFunc),
		readyChecks: make(map[string]CheckFunc),
		liveChecks:  make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a health check
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// RegisterReadinessCheck registers a readiness check
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readyChecks[name] = check
}

// RegisterLivenessCheck registers a liveness check
func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.liveChecks[name] = check
}

// Check performs all health checks
func (hc *HealthChecker) Check() Response {
	return hc.performChecks(func() map[string]CheckFunc { return hc.checks })
}

// CheckReadiness performs readiness checks
func (hc *HealthChecker) CheckReadiness() Response {
	return hc.performChecks(func() map[string]CheckFunc { return hc.readyChecks })
}

// CheckLiveness performs liveness checks
func (hc *HealthChecker) CheckLiveness() Response {
	return hc.performChecks(func() map[string]CheckFunc { return hc.liveChecks })
}

func (hc *HealthChecker) performChecks(pick func() map[string]CheckFunc) Response {
	// Copy under the lock; checks call into other components and must not
	// hold it while running.
	hc.mu.RLock()
	checksMap := make(map[string]CheckFunc, len(pick()))
	for name, fn := range pick() {
		checksMap[name] = fn
	}
	hc.mu.RUnlock()

	now := hc.clock.Now()
	response := Response{
		Status:        StatusHealthy,
		Timestamp:     now,
		Checks:        make(map[string]Check, len(checksMap)),
		UptimeSeconds: now.Sub(hc.started).Seconds(),
	}

	for name, checkFunc := range checksMap {
		start := hc.clock.Now()
		check := checkFunc()
		check.DurationMS = float64(hc.clock.Now().Sub(start).Microseconds()) / 1000
		check.LastChecked = start
		if check.Name == "" {
			check.Name = name
		}

		response.Checks[name] = check

		// Worst status wins
		if check.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if check.Status == StatusDegraded && response.Status != StatusUnhealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}
