// Package health aggregates component health checks: transport connections,
// queue depth, outbox backlog, consumer state and outbound endpoint pings.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
	// Optional checks never make the overall status unhealthy
	Optional bool `json:"optional,omitempty"`
}

// OverallHealth aggregates every check of a registry
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	// Failing lists the checks that are not healthy, sorted by name
	Failing  []string               `json:"failing,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Checker is a single health check
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }
func (c *CheckerFunc) Name() string                          { return c.name }

type registration struct {
	checker  Checker
	optional bool
}

// RegisterOption configures a registration
type RegisterOption func(*registration)

// Optional caps the contribution of the check to the overall status at
// degraded
func Optional() RegisterOption {
	return func(r *registration) {
		r.optional = true
	}
}

// Registry holds the checks of a process
type Registry struct {
	mu       sync.RWMutex
	checks   map[string]registration
	metadata map[string]interface{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checks:   make(map[string]registration),
		metadata: make(map[string]interface{}),
	}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker, opts ...RegisterOption) {
	reg := registration{checker: checker}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[checker.Name()] = reg
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checks, name)
}

// SetMetadata attaches a value to every report
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

func (r *Registry) snapshot() (map[string]registration, map[string]interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checks := make(map[string]registration, len(r.checks))
	for k, v := range r.checks {
		checks[k] = v
	}
	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	return checks, metadata
}

// CheckAll runs every check concurrently and waits until they finish or ctx
// ends. Checks still running at that point are reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) OverallHealth {
	start := time.Now()
	regs, metadata := r.snapshot()

	var mu sync.Mutex
	results := make(map[string]CheckResult, len(regs))
	var wg sync.WaitGroup
	for name, reg := range regs {
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()
			result := reg.checker.Check(ctx)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, reg)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	checks := make(map[string]CheckResult, len(regs))
	for name, reg := range regs {
		result, done := results[name]
		if !done {
			result = CheckResult{
				Status:    StatusUnhealthy,
				Message:   "check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
		}
		if result.Name == "" {
			result.Name = name
		}
		result.Optional = reg.optional
		checks[name] = result
	}
	mu.Unlock()

	return summarize(checks, metadata, start)
}

func summarize(checks map[string]CheckResult, metadata map[string]interface{}, start time.Time) OverallHealth {
	overall := StatusHealthy
	var failing []string
	for name, result := range checks {
		status := result.Status
		if status != StatusHealthy {
			failing = append(failing, name)
		}
		if result.Optional && status == StatusUnhealthy {
			status = StatusDegraded
		}
		if status.rank() > overall.rank() {
			overall = status
		}
	}
	sort.Strings(failing)

	return OverallHealth{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Failing:   failing,
		Metadata:  metadata,
	}
}

// Handler serves CheckAll as JSON
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a health handler bounding every report by timeout
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

// ServeHTTP implements http.Handler. Degraded systems still answer 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report := h.registry.CheckAll(ctx)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(report.Status))
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(report)
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// ReadinessHandler answers 503 while the registry is unhealthy, naming the
// failing checks
func ReadinessHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := registry.CheckAll(ctx)
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: " + strings.Join(report.Failing, ", ")))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	}
}
