package metrics

import (
	"context"
	"time"

	"github.com/migadu/contactdir/logger"
)

// Stats holds the point-in-time values published as gauges.
type Stats struct {
	CacheEntries int
	BreakerName  string
	BreakerState int
}

// StatsProvider is implemented by components that expose gauge values.
type StatsProvider interface {
	MetricsStats(ctx context.Context) (*Stats, error)
}

// Collector periodically copies provider statistics into Prometheus gauges
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.MetricsStats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting metrics", "error", err)
		return
	}

	CacheEntriesCurrent.Set(float64(stats.CacheEntries))
	if stats.BreakerName != "" {
		CircuitBreakerState.WithLabelValues(stats.BreakerName).Set(float64(stats.BreakerState))
	}

	logger.Debug("MetricsCollector: updated gauges", "cache_entries", stats.CacheEntries,
		"breaker", stats.BreakerName, "breaker_state", stats.BreakerState)
}
