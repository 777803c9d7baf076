package handlers

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROBES
// ══════════════════════════════════════════════════════════════════════════════

// HealthCheckFunc is a probe; a non-nil error marks the component down.
type HealthCheckFunc func(ctx context.Context) error

// DetailFunc reports component state for the status page. It must not block.
type DetailFunc func() any

// Pinger is anything with a connectivity probe: stores and the Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger.
func PingCheck(p Pinger) HealthCheckFunc {
	return p.Ping
}

// HealthStatus is the body served by /health.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Message   string                 `json:"message,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Details   map[string]any         `json:"details,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
}

// CheckResult is one probe outcome.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

func runProbe(ctx context.Context, probe HealthCheckFunc, limit time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	began := time.Now()
	err := probe(ctx)
	res := CheckResult{Healthy: err == nil, Message: "OK"}
	if err != nil {
		res.Message = err.Error()
	}
	res.Duration = time.Since(began).Round(time.Millisecond).String()
	return res
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPOSITE
// ══════════════════════════════════════════════════════════════════════════════

type namedProbe struct {
	name  string
	probe HealthCheckFunc
}

type namedDetail struct {
	name   string
	report DetailFunc
}

// CompositeHealthChecker fans probes out in parallel and attaches component
// details. Details never affect health. Registering a name twice replaces
// the earlier entry.
type CompositeHealthChecker struct {
	version string
	started time.Time

	mu      sync.RWMutex
	limit   time.Duration
	probes  []namedProbe
	reports []namedDetail
}

// NewCompositeHealthChecker starts the uptime clock. Probes get 5s each.
func NewCompositeHealthChecker(version string) *CompositeHealthChecker {
	return &CompositeHealthChecker{
		version: version,
		started: time.Now(),
		limit:   5 * time.Second,
	}
}

// SetTimeout bounds each probe.
func (c *CompositeHealthChecker) SetTimeout(limit time.Duration) {
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
}

func (c *CompositeHealthChecker) AddCheck(name string, probe HealthCheckFunc) {
	c.mu.Lock()
	c.probes = slices.DeleteFunc(c.probes, func(p namedProbe) bool { return p.name == name })
	c.probes = append(c.probes, namedProbe{name: name, probe: probe})
	c.mu.Unlock()
}

func (c *CompositeHealthChecker) AddDetail(name string, report DetailFunc) {
	c.mu.Lock()
	c.reports = slices.DeleteFunc(c.reports, func(d namedDetail) bool { return d.name == name })
	c.reports = append(c.reports, namedDetail{name: name, report: report})
	c.mu.Unlock()
}

// Check runs every probe and folds the outcomes into one status. The
// message lists failing probes in name order.
func (c *CompositeHealthChecker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	probes := slices.Clone(c.probes)
	reports := slices.Clone(c.reports)
	limit := c.limit
	c.mu.RUnlock()

	results := make([]CheckResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runProbe(ctx, p.probe, limit)
		}()
	}
	wg.Wait()

	out := HealthStatus{
		Healthy:   true,
		Message:   "All checks passed",
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	}

	var down []string
	if len(probes) > 0 {
		out.Checks = make(map[string]CheckResult, len(probes))
	}
	for i, p := range probes {
		out.Checks[p.name] = results[i]
		if !results[i].Healthy {
			down = append(down, p.name)
		}
	}
	if len(down) > 0 {
		slices.Sort(down)
		out.Healthy = false
		out.Message = "Some checks failed: " + strings.Join(down, ", ")
	}

	if len(reports) > 0 {
		out.Details = make(map[string]any, len(reports))
		for _, d := range reports {
			out.Details[d.name] = d.report()
		}
	}
	return out
}
