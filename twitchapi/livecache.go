package twitchapi

import (
	"context"
	"sync"
	"time"
)

// liveSource is the lookup CachedLiveSource wraps; *HelixClient satisfies it.
type liveSource interface {
	LiveBroadcastID(ctx context.Context, channelName string) (string, error)
}

// CachedLiveSource memoizes live-status lookups per channel for a short TTL
// so a burst of chat messages does not turn into a burst of Helix calls. A
// lookup error is not cached; the next message retries.
type CachedLiveSource struct {
	Source liveSource
	TTL    time.Duration

	mu      sync.Mutex
	entries map[string]liveEntry
}

type liveEntry struct {
	broadcastID string
	fetchedAt   time.Time
}

// NewCachedLiveSource wraps source with a TTL cache. ttl <= 0 defaults to 10s.
func NewCachedLiveSource(source liveSource, ttl time.Duration) *CachedLiveSource {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &CachedLiveSource{Source: source, TTL: ttl, entries: make(map[string]liveEntry)}
}

// LiveBroadcastID returns the cached broadcast id when fresh, otherwise asks
// the underlying source and refreshes the entry.
func (c *CachedLiveSource) LiveBroadcastID(ctx context.Context, channelName string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[channelName]; ok && time.Since(e.fetchedAt) < c.TTL {
		id := e.broadcastID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id, err := c.Source.LiveBroadcastID(ctx, channelName)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[channelName] = liveEntry{broadcastID: id, fetchedAt: time.Now()}
	c.mu.Unlock()
	return id, nil
}
