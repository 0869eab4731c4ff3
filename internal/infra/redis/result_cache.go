package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
)

// ResultCache caches room results in Redis (one hash per room) and falls back to a loader on miss.
// Results are stored as: HSET quizroom:room:{roomID}:results {userID} {json}
type ResultCache struct {
	client *redis.Client
	loader app.ResultLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand

	// gen counts local invalidations; a load that overlaps one is not written back.
	gen atomic.Uint64
}

func NewResultCache(client *redis.Client, loader app.ResultLoader, ttl time.Duration) *ResultCache {
	return &ResultCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *ResultCache) GetResults(ctx context.Context, roomID string) ([]domain.RoomResult, error) {
	key := ResultsKey(roomID)
	if cached, err := c.client.HGetAll(ctx, key).Result(); err == nil && len(cached) > 0 {
		return decodeResults(cached)
	}

	v, err, _ := c.sf.Do(roomID, func() (interface{}, error) {
		// Re-check in case another caller filled the cache.
		if cached, err := c.client.HGetAll(ctx, key).Result(); err == nil && len(cached) > 0 {
			return decodeResults(cached)
		}

		gen := c.gen.Load()
		results, err := c.loader.LoadResults(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 || c.gen.Load() != gen {
			return results, nil
		}

		pipe := c.client.Pipeline()
		for _, r := range results {
			raw, err := json.Marshal(r)
			if err != nil {
				return nil, fmt.Errorf("encode result: %w", err)
			}
			pipe.HSet(ctx, key, r.UserID, raw)
		}
		if ttl := c.ttlWithJitter(); ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		_, _ = pipe.Exec(ctx)
		if c.gen.Load() != gen {
			// An invalidation raced the write; drop what was just stored.
			_ = c.client.Del(ctx, key).Err()
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.RoomResult), nil
}

// Notify evicts a room's cached results when a completion lands.
func (c *ResultCache) Notify(ctx context.Context, n domain.Notification) error {
	if n.Type != domain.NotifyQuizCompleted {
		return nil
	}
	c.gen.Add(1)
	c.sf.Forget(n.RoomID)
	if err := c.client.Del(ctx, ResultsKey(n.RoomID)).Err(); err != nil {
		return fmt.Errorf("evict cached results: %w", err)
	}
	return nil
}

// ResultsKey is the Redis hash holding cached results for roomID.
func ResultsKey(roomID string) string {
	return "quizroom:room:" + roomID + ":results"
}

func decodeResults(cached map[string]string) ([]domain.RoomResult, error) {
	out := make([]domain.RoomResult, 0, len(cached))
	for userID, raw := range cached {
		var r domain.RoomResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode cached result for %s: %w", userID, err)
		}
		out = append(out, r)
	}
	app.SortResults(out)
	return out, nil
}

func (c *ResultCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
