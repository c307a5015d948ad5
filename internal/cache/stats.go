package cache

import "fmt"

// Metric names a statistic exposed by Stat.
type Metric int

const (
	CacheExpire Metric = iota
	CacheRequests
	CacheHits
	CacheCountClear
	AllocatePages
	FreePages
	ActivePages
	HaveStatusPeers
	ActivePeers
	ReadablePeers
)

var metricNames = [...]string{
	CacheExpire:     "CACHE_EXPIRE",
	CacheRequests:   "CACHE_REQUESTS",
	CacheHits:       "CACHE_HITS",
	CacheCountClear: "CACHE_COUNT_CLEAR",
	AllocatePages:   "ALLOCATE_PAGES",
	FreePages:       "FREE_PAGES",
	ActivePages:     "ACTIVE_PAGES",
	HaveStatusPeers: "HAVE_STATUS_PEERS",
	ActivePeers:     "ACTIVE_PEERS",
	ReadablePeers:   "READABLE_PEERS",
}

func (m Metric) String() string {
	if m >= 0 && int(m) < len(metricNames) {
		return metricNames[m]
	}
	return fmt.Sprintf("Metric(%d)", int(m))
}

// Metrics lists every metric in the order Status reads them. CacheCountClear
// is last because reading it resets the hit counters.
func Metrics() []Metric {
	return []Metric{
		CacheExpire, CacheRequests, CacheHits,
		AllocatePages, FreePages, ActivePages,
		HaveStatusPeers, ActivePeers, ReadablePeers,
		CacheCountClear,
	}
}

// ParseMetric resolves a metric by name.
func ParseMetric(name string) (Metric, bool) {
	for i, n := range metricNames {
		if n == name {
			return Metric(i), true
		}
	}
	return 0, false
}

// Stat returns one statistic. Peer counts ignore freshness.
//
// CacheCountClear is served through DrainStats and so resets the counters.
func (c *Cache) Stat(m Metric) uint64 {
	if m == CacheCountClear {
		ratio, _, _ := c.DrainStats()
		return ratio
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statLocked(m)
}

func (c *Cache) statLocked(m Metric) uint64 {
	switch m {
	case CacheExpire:
		return uint64(c.peers.Limit().Seconds())
	case CacheRequests:
		return c.requests
	case CacheHits:
		return c.hits
	case AllocatePages:
		return c.totalPages
	case ActivePages:
		return uint64(c.index.Len())
	case FreePages:
		active := uint64(c.index.Len())
		if active >= c.totalPages {
			return 0
		}
		return c.totalPages - active
	case HaveStatusPeers:
		return uint64(c.peers.Len())
	case ActivePeers:
		return c.countPeers(Status.Writable)
	case ReadablePeers:
		return c.countPeers(Status.Readable)
	}
	return 0
}

func (c *Cache) countPeers(pred func(Status) bool) uint64 {
	var n uint64
	c.peers.Each(func(p PeerState) {
		if pred(p.Status) {
			n++
		}
	})
	return n
}

// DrainStats returns the hit ratio in thousandths together with the raw
// counters, and resets both counters to zero.
func (c *Cache) DrainStats() (ratio, requests, hits uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drainLocked()
}

func (c *Cache) drainLocked() (ratio, requests, hits uint64) {
	requests, hits = c.requests, c.hits
	if requests > 0 {
		ratio = hits * 1000 / requests
	}
	c.requests, c.hits = 0, 0
	return ratio, requests, hits
}

// Status snapshots every metric by name. The counters are read before being
// drained by CACHE_COUNT_CLEAR.
func (c *Cache) Status() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]uint64, len(metricNames))
	for _, m := range Metrics() {
		if m == CacheCountClear {
			out[m.String()], _, _ = c.drainLocked()
			continue
		}
		out[m.String()] = c.statLocked(m)
	}
	return out
}
