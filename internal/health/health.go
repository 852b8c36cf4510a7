// Package health serves the daemon's liveness and readiness probes.
//
// Components register a Check; the readiness probe runs every check
// concurrently and fails when a critical component is unhealthy.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"proctord/internal/clock"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

type component struct {
	name     string
	critical bool // failure makes the overall status unhealthy
	check    Check
	timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	clock clock.Clock

	mu         sync.RWMutex
	components map[string]*component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a Checker. A nil clock uses the wall clock.
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Checker{
		clock:      clk,
		components: make(map[string]*component),
		results:    make(map[string]CheckResult),
		startTime:  clk.Now(),
	}
}

// Register adds a named check. Critical checks decide readiness.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = &component{name: name, critical: critical, check: check, timeout: 5 * time.Second}
	c.results[name] = CheckResult{Status: StatusUnknown}
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered checks concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.run(ctx, comp)
			rmu.Lock()
			results[comp.name] = result
			rmu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = r
		}
	}
	c.mu.Unlock()
	return results
}

func (c *Checker) run(ctx context.Context, comp *component) (result CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, comp.timeout)
	defer cancel()

	start := c.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
		}
		result.LastChecked = start
		result.Duration = c.clock.Now().Sub(start)
	}()

	result = comp.check(ctx)
	if err := ctx.Err(); err != nil && result.Status == StatusHealthy {
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: err.Error()}
	}
	return result
}

// OverallStatus aggregates the last results. Unhealthy non-critical
// components only degrade the status.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown, hasDegraded := false, false
	for name, result := range c.results {
		comp := c.components[name]
		switch result.Status {
		case StatusUnhealthy:
			if comp.critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.critical {
				hasUnknown = true
			}
		}
	}

	switch {
	case hasUnknown:
		return StatusUnknown
	case hasDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Response is the body of the health endpoints.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and builds the full response.
func (c *Checker) Report(ctx context.Context) Response {
	components := c.Check(ctx)

	c.mu.RLock()
	ready, started := c.ready, c.startTime
	c.mu.RUnlock()

	return Response{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     c.clock.Now().Sub(started).Round(time.Second).String(),
		Components: components,
		Timestamp:  c.clock.Now(),
	}
}

// Names returns the registered component names, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LivenessHandler answers 200 while the process is serving.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": c.clock.Now()})
	})
}

// ReadinessHandler runs the checks and answers 503 until the daemon is
// ready or while a critical component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Report(r.Context())
		code := http.StatusOK
		if !resp.Ready || resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		if r.URL.Query().Get("full") != "true" {
			resp.Components = nil
		}
		writeJSON(w, code, resp)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ErrorCheck adapts a function returning an error, such as a database
// ping.
func ErrorCheck(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// CapacityCheck reports degraded once used reaches the warning fraction
// of max, and unhealthy at max.
func CapacityCheck(used func() int, max int, warnAt float64) Check {
	return func(context.Context) CheckResult {
		n := used()
		details := map[string]any{"used": n, "max": max}
		switch {
		case max > 0 && n >= max:
			return CheckResult{Status: StatusUnhealthy, Message: "at capacity", Details: details}
		case max > 0 && float64(n) >= warnAt*float64(max):
			return CheckResult{Status: StatusDegraded, Message: "near capacity", Details: details}
		default:
			return CheckResult{Status: StatusHealthy, Details: details}
		}
	}
}
