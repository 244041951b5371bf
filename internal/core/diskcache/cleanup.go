package diskcache

import (
	"context"
	"time"
)

// CleanExpired removes entries not accessed within ttl.
// Returns the number of entries removed.
// If ttl is 0 (disabled), returns 0 without scanning.
func (c *Cache) CleanExpired(ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil // TTL disabled
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0

	// Replayed entries take their access time from file metadata, so LRU
	// order and access time can disagree. Scan everything.
	for _, hash := range c.index.Keys() {
		e, ok := c.index.Peek(hash)
		if !ok || e.accessed.After(cutoff) {
			continue
		}
		c.removeEntry(hash, e)
		removed++

		c.logger.Debug("[DISK-CACHE] removed expired entry",
			"hash", hash,
			"accessed", e.accessed,
			"ttl", ttl,
		)
	}

	if removed > 0 {
		c.logger.Info("[DISK-CACHE] TTL cleanup completed",
			"entries_removed", removed,
			"ttl", ttl,
		)
		c.compactIfNeeded()
	}

	return removed, nil
}

// Cleanup runs TTL cleanup and then LRU eviction.
// Returns the total number of entries removed.
func (c *Cache) Cleanup(ttl time.Duration) (int, error) {
	removed, err := c.CleanExpired(ttl)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	removed += c.trimToSize()
	c.mu.Unlock()

	return removed, nil
}

// StartCleanupJob starts a background goroutine that periodically runs Cleanup.
// Returns a cancel function that should be called during graceful shutdown.
// If interval is 0 or negative, no job is started and the cancel function is a no-op.
func (c *Cache) StartCleanupJob(interval, ttl time.Duration) context.CancelFunc {
	if interval <= 0 {
		c.logger.Info("[DISK-CACHE] cleanup job disabled (interval=0)")
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("[DISK-CACHE] CRITICAL: cleanup job panicked",
					"panic", r,
				)
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.logger.Info("[DISK-CACHE] cleanup job started",
			"interval", interval,
			"ttl", ttl,
			"max_size_bytes", c.maxSize,
		)

		cycleCount := 0
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("[DISK-CACHE] cleanup job stopped")
				return
			case <-ticker.C:
				cycleCount++

				removed, err := c.Cleanup(ttl)
				if err != nil {
					c.logger.Error("[DISK-CACHE] cleanup error",
						"error", err,
						"cycle", cycleCount,
					)
					continue
				}

				if removed > 0 {
					c.logger.Info("[DISK-CACHE] cleanup completed",
						"entries_removed", removed,
						"cycle", cycleCount,
					)
				} else if cycleCount%6 == 0 {
					c.logger.Debug("[DISK-CACHE] cleanup heartbeat",
						"cycle", cycleCount,
						"cache_size_bytes", c.Size(),
					)
				}
			}
		}
	}()

	return cancel
}
