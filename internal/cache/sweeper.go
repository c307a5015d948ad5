package cache

import (
	"context"
	"time"
)

// Sweep forgets peers whose last report is older than retention, along with
// their index entries. Freshness checks do not depend on it.
func (c *Cache) Sweep(retention time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	var stale []string
	c.peers.Each(func(p PeerState) {
		if now.Sub(p.LastUpdate) > retention {
			stale = append(stale, p.ID)
		}
	})

	for _, id := range stale {
		n, err := c.purgeLocked(id)
		if err != nil {
			c.logger.Warn().Err(err).Str("peer", id).Msg("failed to purge departed peer")
			continue
		}
		c.peers.Forget(id)
		c.logger.Info().Str("peer", id).Int("entries", n).Dur("retention", retention).Msg("forgot departed peer")
	}
	return stale
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(retention)
		}
	}
}
