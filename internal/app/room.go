package app

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"quiz-room-service/internal/domain"
	"quiz-room-service/internal/metrics"
)

// RoomStore abstracts how rooms are kept (in-memory, Redis-marked, etc).
// GetOrCreate must be atomic per roomID.
type RoomStore interface {
	GetOrCreate(roomID string, create func(roomID string) *Room) (*Room, bool)
	Get(roomID string) (*Room, bool)
	DeleteIfEmpty(roomID string) bool
}

// RoomConfig tunes a room worker.
type RoomConfig struct {
	GracePeriod  time.Duration
	JoinDebounce time.Duration
	InboxSize    int
	Clock        Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	// Notify receives notifications for external collaborators. It must not block.
	Notify func(domain.Notification)
	// OnEmpty is called from the room worker after a message leaves the room without members.
	OnEmpty func(roomID string)
}

// DefaultRoomConfig mirrors the production timings: 15s grace, 5s join debounce.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		GracePeriod:  15 * time.Second,
		JoinDebounce: 5 * time.Second,
		InboxSize:    64,
		Clock:        SystemClock(),
		Logger:       slog.Default(),
	}
}

// Room is a single-consumer worker owning all state of one quiz room.
// Every mutation runs on the worker goroutine in arrival order.
type Room struct {
	id    string
	inbox chan func(*roomState)
	quit  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	pending int

	members atomic.Int32
	state   *roomState
}

// NewRoom starts a worker for roomID.
func NewRoom(roomID string, cfg RoomConfig) *Room {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	r := &Room{
		id:    roomID,
		inbox: make(chan func(*roomState), cfg.InboxSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	r.state = newRoomState(r, cfg)
	go r.run()
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// IsEmpty reports whether the room has no members.
func (r *Room) IsEmpty() bool { return r.members.Load() == 0 }

// Done is closed once the worker has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.inbox:
			r.mu.Lock()
			r.pending--
			r.mu.Unlock()

			fn(r.state)
			if len(r.state.users) == 0 {
				r.state.resetVacant()
				if r.state.cfg.OnEmpty != nil {
					r.state.cfg.OnEmpty(r.id)
				}
			}
		case <-r.quit:
			r.state.evictions.stopAll()
			return
		}
	}
}

// submit enqueues fn for the worker. Once submit returns nil, fn is guaranteed to run.
func (r *Room) submit(ctx context.Context, fn func(*roomState)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrRoomClosed
	}
	r.pending++
	r.mu.Unlock()

	select {
	case r.inbox <- fn:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.pending--
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Retire stops the worker when nothing is queued and nobody is present.
// Stores call it under their own lock so lookups never see a retired room.
func (r *Room) Retire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pending > 0 || r.members.Load() != 0 {
		return false
	}
	r.closed = true
	close(r.quit)
	return true
}

// Shutdown stops the worker unconditionally.
func (r *Room) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.quit)
}

// call runs fn on the room worker and waits for its result.
func call[T any](ctx context.Context, r *Room, fn func(*roomState) T) (T, error) {
	reply := make(chan T, 1)
	if err := r.submit(ctx, func(s *roomState) { reply <- fn(s) }); err != nil {
		var zero T
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// roomState is only ever touched by the room worker goroutine.
type roomState struct {
	id     string
	room   *Room
	cfg    RoomConfig
	logger *slog.Logger

	users     map[string]*domain.UserEntry
	connOwner map[string]string
	sinks     map[string]Sink
	progress  map[string]*domain.ProgressRecord
	lastJoin  map[joinKey]time.Time
	seq       uint64

	textAnswers     map[int]map[string]string
	quorumMet       map[int]bool
	currentQuestion int
	skipped         map[int]struct{}

	evictions *evictionScheduler
}

func newRoomState(r *Room, cfg RoomConfig) *roomState {
	s := &roomState{
		id:          r.id,
		room:        r,
		cfg:         cfg,
		logger:      cfg.Logger.With("room", r.id),
		users:       make(map[string]*domain.UserEntry),
		connOwner:   make(map[string]string),
		sinks:       make(map[string]Sink),
		progress:    make(map[string]*domain.ProgressRecord),
		lastJoin:    make(map[joinKey]time.Time),
		textAnswers: make(map[int]map[string]string),
		quorumMet:   make(map[int]bool),
		skipped:     make(map[int]struct{}),
	}
	s.evictions = newEvictionScheduler(cfg.Clock, cfg.GracePeriod, func(connID string, gen uint64) {
		// Finalize runs as a normal message so it is ordered with joins and leaves.
		if err := r.submit(context.Background(), func(st *roomState) { st.finalizeEviction(connID, gen) }); err != nil {
			s.logger.Debug("eviction finalize skipped", "conn", connID, "err", err)
		}
	})
	return s
}

func (s *roomState) now() time.Time { return s.cfg.Clock.Now() }

func (s *roomState) syncMemberCount() {
	s.room.members.Store(int32(len(s.users)))
}

func (s *roomState) broadcast(eventType string, payload any) {
	ev := domain.Event{Type: eventType, RoomID: s.id, Payload: payload}
	for _, sink := range s.sinks {
		sink.Send(ev)
	}
	s.cfg.Metrics.Broadcast(eventType)
}

func (s *roomState) sendTo(sink Sink, eventType string, payload any) {
	if sink == nil {
		return
	}
	// Drops are counted by the transport that owns the buffer.
	sink.Send(domain.Event{Type: eventType, RoomID: s.id, Payload: payload})
}

func (s *roomState) notify(n domain.Notification) {
	if s.cfg.Notify == nil {
		return
	}
	n.RoomID = s.id
	n.OccurredAt = s.now()
	s.cfg.Notify(n)
}

// orderedUsers returns members sorted by join time.
func (s *roomState) orderedUsers() []*domain.UserEntry {
	out := make([]*domain.UserEntry, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinTime.Equal(out[j].JoinTime) {
			return out[i].JoinTime.Before(out[j].JoinTime)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (s *roomState) presenceSnapshot() []domain.PresenceEntry {
	users := s.orderedUsers()
	out := make([]domain.PresenceEntry, 0, len(users))
	for _, u := range users {
		out = append(out, domain.PresenceEntry{
			UserID:   u.UserID,
			Username: u.Username,
			JoinTime: u.JoinTime,
			IsOwner:  u.IsOwner,
		})
	}
	return out
}

// progressSnapshot lists current members only; retained records of departed users stay hidden.
func (s *roomState) progressSnapshot() []domain.ProgressEntry {
	users := s.orderedUsers()
	out := make([]domain.ProgressEntry, 0, len(users))
	for _, u := range users {
		rec := s.progressFor(u.UserID)
		out = append(out, domain.ProgressEntry{
			UserID:             u.UserID,
			Username:           u.Username,
			CurrentQuestion:    rec.CurrentQuestion,
			CompletedQuestions: rec.CompletedList(),
			Score:              rec.Score,
			Completed:          rec.Completed,
		})
	}
	return out
}

func (s *roomState) snapshot() domain.RoomSnapshot {
	skipped := make([]int, 0, len(s.skipped))
	for q := range s.skipped {
		skipped = append(skipped, q)
	}
	sort.Ints(skipped)
	return domain.RoomSnapshot{
		RoomID:           s.id,
		Users:            s.presenceSnapshot(),
		Progress:         s.progressSnapshot(),
		CurrentQuestion:  s.currentQuestion,
		SkippedQuestions: skipped,
	}
}
