package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/infra/memory"
)

const opTimeout = 2 * time.Second

// RoomStore keeps room workers in process and mirrors their liveness into Redis,
// so operators (or a future router) can see which rooms this instance serves.
type RoomStore struct {
	*memory.RoomStore
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRoomStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RoomStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RoomStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
	// Markers are written under the in-process store lock so a delete and a
	// re-create of one roomID reach Redis in the same order.
	s.RoomStore = memory.NewRoomStore(memory.WithLifecycleHooks(s.markLive, s.clearLive))
	return s
}

func (s *RoomStore) GetOrCreate(roomID string, create func(roomID string) *app.Room) (*app.Room, bool) {
	room, created := s.RoomStore.GetOrCreate(roomID, create)
	if !created {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := s.client.Expire(ctx, Key(roomID), s.ttl).Err(); err != nil {
			s.logger.Warn("room liveness marker not refreshed", "room", roomID, "err", err)
		}
	}
	return room, created
}

func (s *RoomStore) markLive(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, Key(roomID), "1", s.ttl).Err(); err != nil {
		s.logger.Warn("room liveness marker not written", "room", roomID, "err", err)
	}
}

func (s *RoomStore) clearLive(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Del(ctx, Key(roomID)).Err(); err != nil {
		s.logger.Warn("room liveness marker not removed", "room", roomID, "err", err)
	}
}

// Key is the Redis key marking roomID as live.
func Key(roomID string) string {
	return "quizroom:room:" + roomID
}
