package memory

import (
	"context"
	"sync"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
)

// ResultStore keeps completed results in process when no database is configured.
// A later completion by the same user replaces the earlier one.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]map[string]domain.RoomResult
}

func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]map[string]domain.RoomResult)}
}

func (s *ResultStore) Notify(_ context.Context, n domain.Notification) error {
	result, ok := app.ResultFromNotification(n)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.results[result.RoomID]
	if !ok {
		room = make(map[string]domain.RoomResult)
		s.results[result.RoomID] = room
	}
	room[result.UserID] = result
	return nil
}

func (s *ResultStore) LoadResults(_ context.Context, roomID string) ([]domain.RoomResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RoomResult, 0, len(s.results[roomID]))
	for _, r := range s.results[roomID] {
		out = append(out, r)
	}
	app.SortResults(out)
	return out, nil
}
