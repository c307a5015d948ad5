package metrics

import (
	"context"
	"time"

	"github.com/basketmesh/basketmesh/internal/cache"
)

// CacheStats is the part of the cache the collector reads. Stat must not be
// asked for cache.CacheCountClear, which resets the hit counters.
type CacheStats interface {
	Stat(m cache.Metric) uint64
	Len() int
	Capacity() uint64
	ActivePeerCount() int
}

// Collector periodically copies cache state into gauges.
type Collector struct {
	metrics *GatewayMetrics
	cache   CacheStats
}

// NewCollector creates a new metrics collector.
func NewCollector(m *GatewayMetrics, c CacheStats) *Collector {
	return &Collector{metrics: m, cache: c}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect() {
	if c.cache == nil {
		return
	}

	c.metrics.Entries.Set(float64(c.cache.Len()))
	c.metrics.AllocatedPages.Set(float64(c.cache.Stat(cache.AllocatePages)))
	c.metrics.FreePages.Set(float64(c.cache.Stat(cache.FreePages)))
	c.metrics.KnownPeers.Set(float64(c.cache.Stat(cache.HaveStatusPeers)))
	c.metrics.ReadablePeers.Set(float64(c.cache.Stat(cache.ReadablePeers)))
	c.metrics.WritablePeers.Set(float64(c.cache.Stat(cache.ActivePeers)))
	c.metrics.FreshWritable.Set(float64(c.cache.ActivePeerCount()))
	c.metrics.CapacityBytes.Set(float64(c.cache.Capacity()))
	c.metrics.WatchdogLimit.Set(float64(c.cache.Stat(cache.CacheExpire)))
}

// Run starts the collection loop. It blocks until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
