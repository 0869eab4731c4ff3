package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
)

// ResultCache caches room results with a TTL to avoid repeated store hits.
// Concurrent misses for one room share a single load.
type ResultCache struct {
	loader app.ResultLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedResults
	// gen counts invalidations; a load that overlaps one is not stored.
	gen uint64
}

type cachedResults struct {
	results   []domain.RoomResult
	expiresAt time.Time
}

func NewResultCache(loader app.ResultLoader, ttl time.Duration) *ResultCache {
	return &ResultCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedResults),
	}
}

func (c *ResultCache) GetResults(ctx context.Context, roomID string) ([]domain.RoomResult, error) {
	if results, ok := c.lookup(roomID); ok {
		return results, nil
	}

	v, err, _ := c.sf.Do(roomID, func() (interface{}, error) {
		if results, ok := c.lookup(roomID); ok {
			return results, nil
		}
		c.mu.RLock()
		gen := c.gen
		c.mu.RUnlock()
		results, err := c.loader.LoadResults(ctx, roomID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.cache[roomID] = cachedResults{
				results:   results,
				expiresAt: c.clock().Add(c.ttlWithJitter()),
			}
		}
		c.mu.Unlock()
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.RoomResult), nil
}

// Notify drops the cached entry of a room that just recorded a completion.
func (c *ResultCache) Notify(_ context.Context, n domain.Notification) error {
	if n.Type != domain.NotifyQuizCompleted {
		return nil
	}
	c.mu.Lock()
	delete(c.cache, n.RoomID)
	c.gen++
	c.mu.Unlock()
	c.sf.Forget(n.RoomID)
	return nil
}

func (c *ResultCache) lookup(roomID string) ([]domain.RoomResult, bool) {
	c.mu.RLock()
	entry, ok := c.cache[roomID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.expiresAt.After(c.clock()) {
		return entry.results, true
	}
	c.mu.Lock()
	if cur, ok := c.cache[roomID]; ok && !cur.expiresAt.After(c.clock()) {
		delete(c.cache, roomID)
	}
	c.mu.Unlock()
	return nil, false
}

func (c *ResultCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
