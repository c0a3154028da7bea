package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/contactdir/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPinger struct {
	results []error
	calls   atomic.Int32
}

func (p *scriptedPinger) Ping(ctx context.Context) error {
	n := int(p.calls.Add(1)) - 1
	if n < len(p.results) {
		return p.results[n]
	}
	return nil
}

func startedMonitor(t *testing.T) *HealthMonitor {
	t.Helper()
	hm := NewHealthMonitor()
	hm.ctx, hm.cancel = context.WithCancel(context.Background())
	t.Cleanup(hm.cancel)
	return hm
}

func TestPerformCheckTransitions(t *testing.T) {
	down := errors.New("connection refused")
	p := &scriptedPinger{results: []error{nil, nil, down, nil}}
	hm := startedMonitor(t)
	check := DirectoryCheck(p, time.Hour)
	hm.RegisterCheck(check)

	hm.performCheck(check)
	hm.performCheck(check)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())

	hm.performCheck(check)
	statuses := hm.GetAllStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusDegraded, statuses[0].Status, "one failure in three degrades")
	assert.Equal(t, "connection refused", statuses[0].LastError)
	assert.Equal(t, 3, statuses[0].Checks)
	assert.Equal(t, 1, statuses[0].Failures)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())

	hm.performCheck(check)
	statuses = hm.GetAllStatuses()
	assert.Equal(t, StatusHealthy, statuses[0].Status)
	assert.Empty(t, statuses[0].LastError)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
}

func TestCriticalFailureMakesOverallUnhealthy(t *testing.T) {
	hm := startedMonitor(t)
	critical := DirectoryCheck(&scriptedPinger{results: []error{errors.New("down")}}, time.Hour)
	optional := &HealthCheck{Name: "optional", Check: func(context.Context) error { return errors.New("meh") }}
	hm.RegisterCheck(critical)
	hm.RegisterCheck(optional)

	hm.performCheck(optional)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus(), "non-critical failures only degrade")

	hm.performCheck(critical)
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())

	statuses := hm.GetAllStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "directory", statuses[0].Name)
	assert.True(t, statuses[0].Critical)
	assert.Equal(t, "optional", statuses[1].Name)
}

func TestPanickingCheck(t *testing.T) {
	hm := startedMonitor(t)
	check := &HealthCheck{Name: "boom", Critical: true, Check: func(context.Context) error { panic("nil map") }}
	hm.RegisterCheck(check)

	assert.NotPanics(t, func() { hm.performCheck(check) })
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())
	assert.Contains(t, hm.GetAllStatuses()[0].LastError, "panic: nil map")
}

func TestStartRunsChecksUntilStopped(t *testing.T) {
	p := &scriptedPinger{}
	hm := NewHealthMonitor()
	hm.RegisterCheck(DirectoryCheck(p, 10*time.Millisecond))

	hm.Start(context.Background())
	assert.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	hm.Stop()

	after := p.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, p.calls.Load(), "no checks after Stop")
}

func TestCircuitBreakerCheck(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "ldap",
		Timeout:     time.Hour,
		ReadyToTrip: circuitbreaker.ConsecutiveFailures(1),
	})
	check := CircuitBreakerCheck(cb, time.Hour)
	assert.Equal(t, "circuit_breaker_ldap", check.Name)
	assert.NoError(t, check.Check(context.Background()))

	_, err := circuitbreaker.Execute(cb, func() (struct{}, error) { return struct{}{}, errors.New("down") })
	require.Error(t, err)
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	assert.ErrorContains(t, check.Check(context.Background()), "circuit breaker is open")
}
