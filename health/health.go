// Package health aggregates component health checks into one readiness
// report, served over HTTP and through the gRPC health protocol.
//
// Components are the queue transport, the task backend and the saga
// journal. A required component that is unhealthy makes the service
// unhealthy; an optional one only degrades it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/quizapp/orchestrator/transport"
)

// DefaultTimeout bounds each component check.
const DefaultTimeout = 2 * time.Second

// Pinger is implemented by task backends and saga journals.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to transport.HealthChecker.
type CheckerFunc func(ctx context.Context) *transport.HealthCheckResult

func (f CheckerFunc) Health(ctx context.Context) *transport.HealthCheckResult {
	return f(ctx)
}

// PingCheck turns a Pinger into a health checker.
func PingCheck(p Pinger) transport.HealthChecker {
	return CheckerFunc(func(ctx context.Context) *transport.HealthCheckResult {
		start := time.Now()
		res := &transport.HealthCheckResult{Status: transport.HealthStatusHealthy, CheckedAt: start}
		if err := p.Ping(ctx); err != nil {
			res.Status = transport.HealthStatusUnhealthy
			res.Message = err.Error()
		}
		res.Latency = time.Since(start)
		return res
	})
}

type component struct {
	checker  transport.HealthChecker
	optional bool
}

// Registry holds the checked components of one service.
type Registry struct {
	service    string
	timeout    time.Duration
	mu         sync.RWMutex
	components map[string]component
}

// Option configures a Registry
type Option func(*Registry)

// WithTimeout sets the per-component check timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates an empty registry for service.
func New(service string, opts ...Option) *Registry {
	r := &Registry{
		service:    service,
		timeout:    DefaultTimeout,
		components: make(map[string]component),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Service returns the service name.
func (r *Registry) Service() string {
	return r.service
}

// Register adds a required component.
func (r *Registry) Register(name string, c transport.HealthChecker) {
	r.add(name, component{checker: c})
}

// RegisterOptional adds a component whose failure degrades the service
// without making it unhealthy.
func (r *Registry) RegisterOptional(name string, c transport.HealthChecker) {
	r.add(name, component{checker: c, optional: true})
}

func (r *Registry) add(name string, c component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = c
}

// Check runs every component check concurrently and aggregates them.
func (r *Registry) Check(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	r.mu.RLock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	components := make([]component, len(names))
	for i, name := range names {
		components[i] = r.components[name]
	}
	r.mu.RUnlock()

	results := make([]*transport.HealthCheckResult, len(names))
	var wg sync.WaitGroup
	for i, c := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.checkOne(ctx, c.checker)
		}()
	}
	wg.Wait()

	report := &transport.HealthCheckResult{
		Status:     transport.HealthStatusHealthy,
		Message:    r.service + " is healthy",
		Components: make(map[string]*transport.HealthCheckResult, len(names)),
		Details:    map[string]any{"service": r.service},
		CheckedAt:  start,
	}
	for i, name := range names {
		res := results[i]
		report.Components[name] = res

		optional := components[i].optional
		switch {
		case res.Status == transport.HealthStatusUnhealthy && !optional:
			report.Status = transport.HealthStatusUnhealthy
			report.Message = name + " is unhealthy"
		case res.Status != transport.HealthStatusHealthy && report.Status == transport.HealthStatusHealthy:
			report.Status = transport.HealthStatusDegraded
			report.Message = name + " is " + string(res.Status)
		}
	}
	report.Latency = time.Since(start)
	return report
}

func (r *Registry) checkOne(ctx context.Context, c transport.HealthChecker) *transport.HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan *transport.HealthCheckResult, 1)
	go func() { done <- c.Health(ctx) }()

	select {
	case res := <-done:
		if res == nil {
			return &transport.HealthCheckResult{Status: transport.HealthStatusUnhealthy, Message: "no result", CheckedAt: time.Now()}
		}
		return res
	case <-ctx.Done():
		return &transport.HealthCheckResult{
			Status:    transport.HealthStatusUnhealthy,
			Message:   "health check timed out",
			Latency:   r.timeout,
			CheckedAt: time.Now(),
		}
	}
}

// Handler serves the aggregated report. It answers 503 when unhealthy and
// 200 otherwise.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Check(req.Context())
		status := http.StatusOK
		if report.Status == transport.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
