package redis

import (
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quiz-room-service/internal/app"
)

func newRoom(id string) *app.Room {
	return app.NewRoom(id, app.DefaultRoomConfig())
}

func TestRoomStoreSetsAndClearsKeys(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRoomStore(client, time.Minute, nil)

	if _, created := store.GetOrCreate("room-1", newRoom); !created {
		t.Fatalf("expected room to be created")
	}
	if !mr.Exists("quizroom:room:room-1") {
		t.Fatalf("expected redis key to be set")
	}
	if ttl := mr.TTL("quizroom:room:room-1"); ttl != time.Minute {
		t.Fatalf("expected ttl of 1m, got %v", ttl)
	}

	if !store.DeleteIfEmpty("room-1") {
		t.Fatalf("expected empty room to be deleted")
	}
	if mr.Exists("quizroom:room:room-1") {
		t.Fatalf("expected redis key to be removed")
	}
}

func TestRoomStoreRefreshesTTLOnReuse(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRoomStore(client, time.Minute, nil)
	defer store.Close()

	first, _ := store.GetOrCreate("room-1", newRoom)
	mr.FastForward(40 * time.Second)

	second, created := store.GetOrCreate("room-1", newRoom)
	if created || second != first {
		t.Fatalf("expected existing room to be reused")
	}
	if ttl := mr.TTL("quizroom:room:room-1"); ttl != time.Minute {
		t.Fatalf("expected ttl refreshed to 1m, got %v", ttl)
	}
}

func TestRoomStoreSurvivesRedisOutage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := NewRoomStore(client, time.Minute, nil)
	mr.Close()

	room, created := store.GetOrCreate("room-1", newRoom)
	if room == nil || !created {
		t.Fatalf("expected room even when redis is down")
	}
	if !store.DeleteIfEmpty("room-1") {
		t.Fatalf("expected delete even when redis is down")
	}
}

func TestRoomStoreMarkerTracksConcurrentRecreate(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRoomStore(client, time.Minute, nil)
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				store.GetOrCreate("room-1", newRoom)
				store.DeleteIfEmpty("room-1")
			}
		}()
	}
	wg.Wait()

	_, live := store.Get("room-1")
	if live != mr.Exists("quizroom:room:room-1") {
		t.Fatalf("marker out of step with store: room live=%v key exists=%v", live, mr.Exists("quizroom:room:room-1"))
	}
}
