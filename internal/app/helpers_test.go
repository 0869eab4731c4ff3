package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"quiz-room-service/internal/domain"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers synchronously.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	remaining := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t.f)
		default:
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type recordingSink struct {
	id string

	mu     sync.Mutex
	events []domain.Event
}

func newSink(id string) *recordingSink { return &recordingSink{id: id} }

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Send(ev domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) ofType(eventType string) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) count(eventType string) int { return len(s.ofType(eventType)) }

func (s *recordingSink) last(t *testing.T, eventType string) domain.Event {
	t.Helper()
	evs := s.ofType(eventType)
	if len(evs) == 0 {
		t.Fatalf("sink %s: no %s event", s.id, eventType)
	}
	return evs[len(evs)-1]
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// mapStore is a minimal RoomStore for package-internal tests.
type mapStore struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func newMapStore() *mapStore { return &mapStore{rooms: make(map[string]*Room)} }

func (s *mapStore) GetOrCreate(roomID string, create func(string) *Room) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r, false
	}
	r := create(roomID)
	s.rooms[roomID] = r
	return r, true
}

func (s *mapStore) Get(roomID string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

func (s *mapStore) DeleteIfEmpty(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !r.Retire() {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

type harness struct {
	t     *testing.T
	svc   *RoomService
	clock *fakeClock
	store *mapStore

	mu            sync.Mutex
	notifications []domain.Notification
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, clock: newFakeClock(), store: newMapStore()}
	base := []Option{
		WithClock(h.clock),
		WithNotify(func(n domain.Notification) {
			h.mu.Lock()
			h.notifications = append(h.notifications, n)
			h.mu.Unlock()
		}),
	}
	h.svc = NewRoomService(NewRegistry(), h.store, append(base, opts...)...)
	return h
}

func (h *harness) notified(notificationType string) []domain.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Notification
	for _, n := range h.notifications {
		if n.Type == notificationType {
			out = append(out, n)
		}
	}
	return out
}

// connect opens a connection already bound to userID.
func (h *harness) connect(connID, userID string) *recordingSink {
	h.t.Helper()
	sink := newSink(connID)
	if _, err := h.svc.Connect(sink, userID); err != nil {
		h.t.Fatalf("connect %s: %v", connID, err)
	}
	return sink
}

func (h *harness) join(sink *recordingSink, roomID, userID, username string) []domain.PresenceEntry {
	h.t.Helper()
	users, err := h.svc.Join(context.Background(), sink.ID(), roomID, userID, username)
	if err != nil {
		h.t.Fatalf("join %s as %s: %v", roomID, userID, err)
	}
	return users
}

func (h *harness) snapshot(roomID string) domain.RoomSnapshot {
	h.t.Helper()
	snap, err := h.svc.Snapshot(context.Background(), roomID)
	if err != nil {
		h.t.Fatalf("snapshot %s: %v", roomID, err)
	}
	return snap
}

func presenceOf(t *testing.T, ev domain.Event) []domain.PresenceEntry {
	t.Helper()
	users, ok := ev.Payload.([]domain.PresenceEntry)
	if !ok {
		t.Fatalf("expected presence payload, got %T", ev.Payload)
	}
	return users
}

func progressOf(t *testing.T, ev domain.Event) []domain.ProgressEntry {
	t.Helper()
	progress, ok := ev.Payload.([]domain.ProgressEntry)
	if !ok {
		t.Fatalf("expected progress payload, got %T", ev.Payload)
	}
	return progress
}

func userIDs(users []domain.PresenceEntry) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.UserID)
	}
	return out
}

func waitDone(t *testing.T, r *Room) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("room %s worker did not stop", r.ID())
	}
}
