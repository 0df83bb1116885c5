package corekit

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultHealthSchedule runs the sweep every minute.
const DefaultHealthSchedule = "* * * * *"

// HealthMonitor runs Registry health sweeps on a cron schedule. Each sweep
// records per-service lastHealthCheck timestamps via the registry and
// emits an event when the overall verdict flips, so operators see health
// transitions without polling.
type HealthMonitor struct {
	registry *ServiceRegistry
	schedule string
	logger   Logger
	subject  Subject

	mu          sync.Mutex
	cronRunner  *cron.Cron
	entryID     cron.EntryID
	lastVerdict *bool
	lastSweep   AggregatedHealth
}

// MonitorOption configures a HealthMonitor.
type MonitorOption func(*HealthMonitor)

// WithHealthSchedule overrides the cron schedule for sweeps.
func WithHealthSchedule(spec string) MonitorOption {
	return func(m *HealthMonitor) { m.schedule = spec }
}

// WithMonitorSubject attaches an event subject; sweeps and verdict flips
// are emitted as CloudEvents through it.
func WithMonitorSubject(subject Subject) MonitorOption {
	return func(m *HealthMonitor) { m.subject = subject }
}

// NewHealthMonitor creates a monitor for the given registry.
func NewHealthMonitor(registry *ServiceRegistry, logger Logger, opts ...MonitorOption) *HealthMonitor {
	if logger == nil {
		logger = NopLogger{}
	}
	m := &HealthMonitor{
		registry: registry,
		schedule: DefaultHealthSchedule,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates the schedule and begins periodic sweeps. An immediate
// sweep runs before the first scheduled one so health state is populated
// right after startup.
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cronRunner != nil {
		return ErrMonitorAlreadyRunning
	}

	runner := cron.New()
	entryID, err := runner.AddFunc(m.schedule, func() { m.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, m.schedule, err)
	}
	m.cronRunner = runner
	m.entryID = entryID
	runner.Start()
	m.logger.Info("Health monitor started", "schedule", m.schedule)

	go m.Sweep(ctx)
	return nil
}

// Stop halts scheduled sweeps. Any sweep already in flight completes.
func (m *HealthMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cronRunner == nil {
		return ErrMonitorNotRunning
	}
	stopCtx := m.cronRunner.Stop()
	<-stopCtx.Done()
	m.cronRunner = nil
	m.logger.Info("Health monitor stopped")
	return nil
}

// Sweep runs one aggregated health check immediately and returns the
// result. Scheduled runs use the same path.
func (m *HealthMonitor) Sweep(ctx context.Context) AggregatedHealth {
	agg := m.registry.HealthCheck(ctx)

	m.mu.Lock()
	flipped := m.lastVerdict == nil || *m.lastVerdict != agg.IsHealthy
	verdict := agg.IsHealthy
	m.lastVerdict = &verdict
	m.lastSweep = agg
	m.mu.Unlock()

	m.logger.Debug("Health sweep complete", "healthy", agg.HealthyCount,
		"unhealthy", agg.UnhealthyCount, "unchecked", agg.UncheckedCount, "overall", agg.IsHealthy)
	m.emitEvent(ctx, EventTypeHealthEvaluated, agg)
	if flipped {
		m.logger.Warn("Overall health changed", "isHealthy", agg.IsHealthy, "unhealthyCritical", agg.UnhealthyCritical)
		m.emitEvent(ctx, EventTypeHealthChanged, agg)
	}
	return agg
}

// LastSweep returns the most recent sweep result.
func (m *HealthMonitor) LastSweep() AggregatedHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSweep
}

func (m *HealthMonitor) emitEvent(ctx context.Context, eventType string, agg AggregatedHealth) {
	if m.subject == nil {
		return
	}
	event := NewCloudEvent(eventType, "corekit.health", agg, nil)
	if err := m.subject.NotifyObservers(ctx, event); err != nil {
		m.logger.Debug("Failed to emit health event", "type", eventType, "error", err)
	}
}
