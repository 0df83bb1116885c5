package corekit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMonitorFixture(t *testing.T) (*ServiceRegistry, *stubService) {
	t.Helper()
	r := NewServiceRegistry(NopLogger{}, WithCriticalServices("auth"))
	auth := newStub("auth", nil)
	require.NoError(t, r.Register("auth", func() Service { return auth }))
	require.NoError(t, r.InitializeAll(context.Background()))
	return r, auth
}

func TestHealthMonitorSweep(t *testing.T) {
	t.Parallel()
	r, auth := newMonitorFixture(t)
	m := NewHealthMonitor(r, NopLogger{})

	agg := m.Sweep(context.Background())
	assert.True(t, agg.IsHealthy)
	assert.Equal(t, 1, agg.HealthyCount)
	assert.Equal(t, agg.GeneratedAt, m.LastSweep().GeneratedAt)

	auth.healthy = false
	agg = m.Sweep(context.Background())
	assert.False(t, agg.IsHealthy)
	assert.Equal(t, []string{"auth"}, agg.UnhealthyCritical)
}

func TestHealthMonitorEmitsVerdictChanges(t *testing.T) {
	t.Parallel()
	r, auth := newMonitorFixture(t)

	bus := NewEventBus(NopLogger{})
	var types []string
	require.NoError(t, bus.RegisterObserver(NewFunctionalObserver("recorder", func(ctx context.Context, event CloudEvent) error {
		types = append(types, event.Type())
		return nil
	})))
	m := NewHealthMonitor(r, NopLogger{}, WithMonitorSubject(bus))

	ctx := context.Background()

	// The first sweep establishes the baseline verdict.
	m.Sweep(ctx)
	assert.Equal(t, []string{EventTypeHealthEvaluated, EventTypeHealthChanged}, types)

	// An unchanged verdict emits only the sweep event.
	types = nil
	m.Sweep(ctx)
	assert.Equal(t, []string{EventTypeHealthEvaluated}, types)

	// A verdict flip emits the change event again.
	types = nil
	auth.healthy = false
	m.Sweep(ctx)
	assert.Equal(t, []string{EventTypeHealthEvaluated, EventTypeHealthChanged}, types)
}

func TestHealthMonitorStartStop(t *testing.T) {
	t.Parallel()
	r, _ := newMonitorFixture(t)
	m := NewHealthMonitor(r, NopLogger{}, WithHealthSchedule("@every 1h"))

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrMonitorAlreadyRunning)

	// Start runs an immediate sweep outside the schedule.
	require.Eventually(t, func() bool {
		return !m.LastSweep().GeneratedAt.IsZero()
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), ErrMonitorNotRunning)

	// The monitor can be started again after stopping.
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop())
}

func TestHealthMonitorRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()
	r, _ := newMonitorFixture(t)
	m := NewHealthMonitor(r, NopLogger{}, WithHealthSchedule("not a schedule"))

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	assert.ErrorIs(t, m.Stop(), ErrMonitorNotRunning, "a failed start leaves the monitor stopped")
}
