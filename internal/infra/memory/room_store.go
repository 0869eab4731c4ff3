package memory

import (
	"sync"

	"quiz-room-service/internal/app"
)

// RoomStore is an in-memory implementation of app.RoomStore.
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*app.Room

	onCreate func(roomID string)
	onDelete func(roomID string)
}

// RoomStoreOption configures a RoomStore.
type RoomStoreOption func(*RoomStore)

// WithLifecycleHooks registers callbacks run under the store lock when a room is
// created or deleted, so hooks for one roomID observe creations and deletions in order.
func WithLifecycleHooks(onCreate, onDelete func(roomID string)) RoomStoreOption {
	return func(s *RoomStore) {
		s.onCreate = onCreate
		s.onDelete = onDelete
	}
}

func NewRoomStore(opts ...RoomStoreOption) *RoomStore {
	s := &RoomStore{
		rooms: make(map[string]*app.Room),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the room for roomID, calling create under the store lock
// when it does not exist yet.
func (s *RoomStore) GetOrCreate(roomID string, create func(roomID string) *app.Room) (*app.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[roomID]; ok {
		return room, false
	}
	room := create(roomID)
	s.rooms[roomID] = room
	if s.onCreate != nil {
		s.onCreate(roomID)
	}
	return room, true
}

func (s *RoomStore) Get(roomID string) (*app.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	return room, ok
}

// DeleteIfEmpty removes and stops the room when it has no members and no queued work.
func (s *RoomStore) DeleteIfEmpty(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	if !room.Retire() {
		return false
	}
	delete(s.rooms, roomID)
	if s.onDelete != nil {
		s.onDelete(roomID)
	}
	return true
}

// Len reports how many rooms are held.
func (s *RoomStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Close stops every room worker.
func (s *RoomStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, room := range s.rooms {
		room.Shutdown()
		delete(s.rooms, id)
	}
}
