package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/background"
	"github.com/glimte/mmate-bus/health"
)

// AlertLevel represents the severity of an alert
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert is raised while a health check is degraded or unhealthy
type Alert struct {
	ID          string                 `json:"id"`
	Level       AlertLevel             `json:"level"`
	Service     string                 `json:"service"`
	Component   string                 `json:"component"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Resolved    bool                   `json:"resolved"`
	ResolvedAt  *time.Time             `json:"resolvedAt,omitempty"`
	Occurrences int                    `json:"occurrences"`
	FirstSeen   time.Time              `json:"firstSeen"`
	LastSeen    time.Time              `json:"lastSeen"`
}

// AlertHandler receives triggered and resolved alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert *Alert) error
	Name() string
}

// AlertOption configures the AlertService
type AlertOption func(*AlertService)

// WithCheckInterval sets how often the health registry is evaluated
func WithCheckInterval(interval time.Duration) AlertOption {
	return func(s *AlertService) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithCheckTimeout bounds a single evaluation
func WithCheckTimeout(timeout time.Duration) AlertOption {
	return func(s *AlertService) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithRetention sets how long resolved alerts are kept
func WithRetention(retention time.Duration) AlertOption {
	return func(s *AlertService) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

// WithServiceName sets the service reported on alerts
func WithServiceName(name string) AlertOption {
	return func(s *AlertService) {
		if name != "" {
			s.service = name
		}
	}
}

// WithAlertLogger sets the logger
func WithAlertLogger(logger *slog.Logger) AlertOption {
	return func(s *AlertService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// AlertService evaluates a health registry on an interval and turns
// degraded or unhealthy checks into alerts
type AlertService struct {
	registry  *health.Registry
	handlers  []AlertHandler
	service   string
	interval  time.Duration
	timeout   time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	alerts map[string]*Alert

	runner *background.RecurringService
}

// NewAlertService creates an alert service over registry
func NewAlertService(registry *health.Registry, options ...AlertOption) *AlertService {
	s := &AlertService{
		registry:  registry,
		service:   "mmate",
		interval:  30 * time.Second,
		timeout:   10 * time.Second,
		retention: 24 * time.Hour,
		logger:    slog.Default(),
		now:       time.Now,
		alerts:    make(map[string]*Alert),
	}
	for _, opt := range options {
		opt(s)
	}
	s.runner = background.NewRecurringService("health-alerts", s.interval, s.Evaluate, background.WithLogger(s.logger))
	return s
}

// AddAlertHandler adds an alert handler
func (s *AlertService) AddAlertHandler(handler AlertHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
	s.logger.Info("Alert handler added", "handler", handler.Name())
}

// Start begins periodic evaluation
func (s *AlertService) Start(ctx context.Context) error {
	return s.runner.Start(ctx)
}

// Stop stops periodic evaluation
func (s *AlertService) Stop(ctx context.Context) error {
	return s.runner.Stop(ctx)
}

// IsRunning returns whether the service is running
func (s *AlertService) IsRunning() bool {
	return s.runner.IsRunning()
}

// Evaluate runs every health check once, triggers or resolves alerts and
// notifies the handlers of every change
func (s *AlertService) Evaluate(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
	overall := s.registry.CheckAll(checkCtx)
	cancel()

	names := make([]string, 0, len(overall.Checks))
	for name := range overall.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var changed []Alert
	for _, name := range names {
		if alert, ok := s.evaluate(name, overall.Checks[name]); ok {
			changed = append(changed, alert)
		}
	}
	s.cleanup()

	for i := range changed {
		s.notify(ctx, &changed[i])
	}
	return nil
}

func (s *AlertService) evaluate(name string, result health.CheckResult) (Alert, bool) {
	key := "health_check_" + name
	details := map[string]interface{}{
		"check_name": name,
		"duration":   result.Duration.String(),
	}
	for k, v := range result.Details {
		details[k] = v
	}
	if result.Error != "" {
		details["error"] = result.Error
	}

	switch result.Status {
	case health.StatusUnhealthy:
		return s.trigger(key, AlertLevelCritical, name,
			fmt.Sprintf("Health check %s is unhealthy: %s", name, result.Message), details)
	case health.StatusDegraded:
		return s.trigger(key, AlertLevelWarning, name,
			fmt.Sprintf("Health check %s is degraded: %s", name, result.Message), details)
	default:
		return s.resolve(key)
	}
}

// trigger creates or updates an alert. Handlers hear about new alerts and
// level changes, not repeats.
func (s *AlertService) trigger(key string, level AlertLevel, component, message string, details map[string]interface{}) (Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.alerts[key]; ok && !existing.Resolved {
		escalated := existing.Level != level
		existing.Occurrences++
		existing.LastSeen = now
		existing.Level = level
		existing.Message = message
		existing.Details = details
		s.logger.Debug("Alert updated", "key", key, "level", level, "occurrences", existing.Occurrences)
		return *existing, escalated
	}

	alert := &Alert{
		ID:          fmt.Sprintf("%s_%d", key, now.Unix()),
		Level:       level,
		Service:     s.service,
		Component:   component,
		Message:     message,
		Details:     details,
		Timestamp:   now,
		Occurrences: 1,
		FirstSeen:   now,
		LastSeen:    now,
	}
	s.alerts[key] = alert
	s.logger.Warn("New alert triggered", "key", key, "level", level, "component", component, "message", message)
	return *alert, true
}

func (s *AlertService) resolve(key string) (Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[key]
	if !ok || alert.Resolved {
		return Alert{}, false
	}
	now := s.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	s.logger.Info("Alert resolved", "key", key, "duration", now.Sub(alert.FirstSeen).String(), "occurrences", alert.Occurrences)
	return *alert, true
}

func (s *AlertService) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)
	for key, alert := range s.alerts {
		if alert.Resolved && alert.ResolvedAt != nil && alert.ResolvedAt.Before(cutoff) {
			delete(s.alerts, key)
		}
	}
}

func (s *AlertService) notify(ctx context.Context, alert *Alert) {
	s.mu.RLock()
	handlers := append([]AlertHandler(nil), s.handlers...)
	s.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			s.logger.Error("Alert handler failed", "handler", handler.Name(), "alert", alert.ID, "error", err)
		}
	}
}

// ActiveAlerts returns the alerts that are not resolved yet
func (s *AlertService) ActiveAlerts() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		if !alert.Resolved {
			active = append(active, *alert)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active
}
