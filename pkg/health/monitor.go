// Package health runs periodic checks against the directory and reports an
// overall status for the HTTP API.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/contactdir/logger"
	"github.com/migadu/contactdir/pkg/circuitbreaker"
	"github.com/migadu/contactdir/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

func (s ComponentStatus) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health

	// Fields below are protected by mu
	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// CheckStatus is a snapshot of one check.
type CheckStatus struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check,omitzero"`
	LastError string          `json:"last_error,omitempty"`
	Checks    int             `json:"checks"`
	Failures  int             `json:"failures"`
}

type HealthMonitor struct {
	checks        map[string]*HealthCheck
	mu            sync.RWMutex
	overallStatus ComponentStatus
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every registered check once and then on its interval until ctx
// is cancelled or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go hm.runHealthCheck(check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	defer hm.wg.Done()

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("Health: started monitoring", "check", check.Name, "interval", check.Interval)
	hm.performCheck(check)

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(check)
		}
	}
}

func (hm *HealthMonitor) performCheck(check *HealthCheck) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Health: panic during check", "check", check.Name, "error", err)

			check.mu.Lock()
			check.status = StatusUnhealthy
			check.lastError = err
			check.mu.Unlock()

			hm.updateOverallStatus()
		}
	}()

	ctx, cancel := context.WithTimeout(hm.ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	if err != nil && hm.ctx.Err() != nil {
		// Shutting down; the failure says nothing about the component.
		return
	}

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previousStatus := check.status
	isFirstCheck := check.checkCount == 1

	if err != nil {
		check.failCount++
		check.lastError = err

		// A single failure degrades; a failure rate of half or more is unhealthy.
		failureRate := float64(check.failCount) / float64(check.checkCount)
		if failureRate >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
		logger.Warn("Health: check failed", "check", check.Name, "error", err,
			"status", check.status, "failure_rate", failureRate)
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	currentStatus := check.status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(currentStatus)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(currentStatus.gaugeValue())

	if isFirstCheck {
		logger.Info("Health: check initialized", "check", check.Name, "status", currentStatus)
	} else if previousStatus != currentStatus {
		logger.Info("Health: check status changed", "check", check.Name, "from", previousStatus, "to", currentStatus)
	}

	hm.updateOverallStatus()
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.status
		critical := check.Critical
		check.mu.RUnlock()

		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			criticalUnhealthy = true
		case status != StatusHealthy:
			anyDegraded = true
		}
	}

	previousStatus := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previousStatus != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previousStatus, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

// GetAllStatuses returns a snapshot of every check sorted by name.
func (hm *HealthMonitor) GetAllStatuses() []CheckStatus {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.RUnlock()

	out := make([]CheckStatus, 0, len(checks))
	for _, check := range checks {
		check.mu.RLock()
		cs := CheckStatus{
			Name:      check.Name,
			Status:    check.status,
			Critical:  check.Critical,
			LastCheck: check.lastCheck,
			Checks:    check.checkCount,
			Failures:  check.failCount,
		}
		if check.lastError != nil {
			cs.LastError = check.lastError.Error()
		}
		check.mu.RUnlock()
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Pinger is anything that can prove the directory answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DirectoryCheck reads the search base on every interval. It is critical:
// without the directory no search can be answered.
func DirectoryCheck(p Pinger, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     "directory",
		Interval: interval,
		Timeout:  10 * time.Second,
		Critical: true,
		Check:    p.Ping,
	}
}

// CircuitBreakerCheck fails while the breaker is open or when more than half
// of the requests in its current window failed.
func CircuitBreakerCheck(breaker *circuitbreaker.CircuitBreaker, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     fmt.Sprintf("circuit_breaker_%s", breaker.Name()),
		Interval: interval,
		Timeout:  5 * time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			state := breaker.State()
			counts := breaker.Counts()

			if state == circuitbreaker.StateOpen {
				return fmt.Errorf("circuit breaker is open (requests: %d, failures: %d)",
					counts.Requests, counts.TotalFailures)
			}
			if counts.Requests > 0 {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate > 0.5 {
					return fmt.Errorf("high failure rate %.2f%% (requests: %d, failures: %d)",
						failureRate*100, counts.Requests, counts.TotalFailures)
				}
			}
			return nil
		},
	}
}
