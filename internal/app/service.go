package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"quiz-room-service/internal/domain"
	"quiz-room-service/internal/metrics"
)

const createAttempts = 3

// RoomService is the entry point transports call into. It resolves identities
// through the Registry and forwards each operation to the owning room worker.
type RoomService struct {
	registry *Registry
	rooms    RoomStore
	roomCfg  RoomConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	newID    func() string
}

// Option customizes a RoomService.
type Option func(*RoomService)

func WithClock(c Clock) Option {
	return func(s *RoomService) { s.roomCfg.Clock = c }
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *RoomService) { s.roomCfg.GracePeriod = d }
}

func WithJoinDebounce(d time.Duration) Option {
	return func(s *RoomService) { s.roomCfg.JoinDebounce = d }
}

func WithInboxSize(n int) Option {
	return func(s *RoomService) { s.roomCfg.InboxSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *RoomService) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *RoomService) { s.metrics = m }
}

// WithNotify installs a non-blocking notification hook, usually Dispatcher.Enqueue.
func WithNotify(fn func(domain.Notification)) Option {
	return func(s *RoomService) { s.roomCfg.Notify = fn }
}

// WithIDGenerator replaces the uuid generator used for server-assigned user ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *RoomService) { s.newID = fn }
}

func NewRoomService(registry *Registry, rooms RoomStore, opts ...Option) *RoomService {
	s := &RoomService{
		registry: registry,
		rooms:    rooms,
		roomCfg:  DefaultRoomConfig(),
		logger:   slog.Default(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.roomCfg.Logger = s.logger
	s.roomCfg.Metrics = s.metrics
	s.roomCfg.OnEmpty = s.dropIfEmpty
	return s
}

// Registry exposes the connection registry.
func (s *RoomService) Registry() *Registry { return s.registry }

func (s *RoomService) createRoom(roomID string) *Room {
	s.metrics.RoomOpened()
	s.logger.Info("room created", "room", roomID)
	return NewRoom(roomID, s.roomCfg)
}

func (s *RoomService) dropIfEmpty(roomID string) {
	if s.rooms.DeleteIfEmpty(roomID) {
		s.metrics.RoomClosed()
		s.logger.Info("room deleted", "room", roomID)
	}
}

// Connect registers a transport connection. A non-empty userID from the handshake
// is bound immediately so a reconnecting tab keeps its identity.
func (s *RoomService) Connect(sink Sink, userID string) (string, error) {
	connID := s.registry.OnConnect(sink)
	s.metrics.ConnectionOpened()
	if userID != "" {
		if err := s.registry.BindIdentity(connID, userID); err != nil {
			return connID, err
		}
	}
	sink.Send(domain.Event{Type: domain.EventSession, Payload: domain.SessionInfo{ConnectionID: connID, UserID: userID}})
	s.logger.Debug("connection opened", "conn", connID, "user", userID)
	return connID, nil
}

// Disconnect forgets the connection and starts the grace period in every room it joined.
func (s *RoomService) Disconnect(ctx context.Context, connID string) {
	conn, ok := s.registry.OnDisconnect(connID)
	if !ok {
		return
	}
	s.metrics.ConnectionClosed()
	for _, roomID := range conn.Rooms() {
		s.markDisconnected(ctx, roomID, connID)
	}
	s.logger.Debug("connection closed", "conn", connID, "user", conn.UserID())
}

func (s *RoomService) markDisconnected(ctx context.Context, roomID, connID string) {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return
	}
	if err := room.submit(ctx, func(st *roomState) { st.markDisconnected(connID) }); err != nil {
		s.logger.Debug("disconnect not delivered", "room", roomID, "conn", connID, "err", err)
	}
}

// resolveIdentity returns the user bound to connID, binding requested (or a fresh
// uuid) when the connection has none yet.
func (s *RoomService) resolveIdentity(conn *Connection, requested string) (string, error) {
	if bound := conn.UserID(); bound != "" {
		if requested != "" && requested != bound {
			return "", domain.ErrIdentityConflict
		}
		return bound, nil
	}
	userID := requested
	if userID == "" {
		userID = s.newID()
	}
	if err := s.registry.BindIdentity(conn.ID, userID); err != nil {
		return "", err
	}
	conn.Sink.Send(domain.Event{Type: domain.EventSession, Payload: domain.SessionInfo{ConnectionID: conn.ID, UserID: userID}})
	return userID, nil
}

// Join admits the connection's user into roomID, creating the room on first access.
func (s *RoomService) Join(ctx context.Context, connID, roomID, userID, username string) ([]domain.PresenceEntry, error) {
	if roomID == "" || username == "" {
		return nil, domain.ErrMalformedRequest
	}
	conn, ok := s.registry.Lookup(connID)
	if !ok {
		return nil, domain.ErrUnknownConnection
	}
	uid, err := s.resolveIdentity(conn, userID)
	if err != nil {
		return nil, err
	}
	conn.addRoom(roomID)

	for attempt := 0; attempt < createAttempts; attempt++ {
		room, created := s.rooms.GetOrCreate(roomID, s.createRoom)
		users, err := roomCall(ctx, room, func(st *roomState) ([]domain.PresenceEntry, error) {
			return st.join(connID, conn.Sink, uid, username)
		})
		if errors.Is(err, domain.ErrRoomClosed) {
			continue
		}
		if err != nil {
			if created {
				s.dropIfEmpty(roomID)
			}
			return nil, err
		}
		// The transport may have closed while the join was queued.
		if _, live := s.registry.Lookup(connID); !live {
			s.markDisconnected(context.Background(), roomID, connID)
		}
		return users, nil
	}
	return nil, domain.ErrRoomClosed
}

// Leave detaches the connection from roomID without a grace period.
func (s *RoomService) Leave(ctx context.Context, connID, roomID string) error {
	room, uid, err := s.memberRoom(connID, roomID)
	if err != nil {
		return err
	}
	_, err = roomCall(ctx, room, func(st *roomState) (struct{}, error) {
		return struct{}{}, st.leave(connID, uid)
	})
	if err != nil {
		return err
	}
	if conn, ok := s.registry.Lookup(connID); ok {
		conn.removeRoom(roomID)
	}
	return nil
}

func (s *RoomService) RecordAnswer(ctx context.Context, connID, roomID string, questionIndex int, correct bool) ([]domain.ProgressEntry, error) {
	room, uid, err := s.memberRoom(connID, roomID)
	if err != nil {
		return nil, err
	}
	return roomCall(ctx, room, func(st *roomState) ([]domain.ProgressEntry, error) {
		return st.recordAnswer(connID, uid, questionIndex, correct)
	})
}

func (s *RoomService) RecordCompletion(ctx context.Context, connID, roomID string, score, totalQuestions int) ([]domain.ProgressEntry, error) {
	room, uid, err := s.memberRoom(connID, roomID)
	if err != nil {
		return nil, err
	}
	return roomCall(ctx, room, func(st *roomState) ([]domain.ProgressEntry, error) {
		return st.recordCompletion(connID, uid, score, totalQuestions)
	})
}

func (s *RoomService) UpdateProgress(ctx context.Context, connID, roomID string, update domain.ProgressUpdate) ([]domain.ProgressEntry, error) {
	room, uid, err := s.memberRoom(connID, roomID)
	if err != nil {
		return nil, err
	}
	return roomCall(ctx, room, func(st *roomState) ([]domain.ProgressEntry, error) {
		return st.updateProgress(connID, uid, update)
	})
}

func (s *RoomService) SubmitTextAnswer(ctx context.Context, connID, roomID string, questionIndex int, answer string) (domain.QuorumStatus, error) {
	room, uid, err := s.memberRoom(connID, roomID)
	if err != nil {
		return domain.QuorumStatus{}, err
	}
	return roomCall(ctx, room, func(st *roomState) (domain.QuorumStatus, error) {
		return st.submitTextAnswer(connID, uid, questionIndex, answer)
	})
}

// SkipQuestion is owner-only; a nil index skips the room's current question.
// It returns the index that was skipped.
func (s *RoomService) SkipQuestion(ctx context.Context, connID, roomID string, questionIndex *int) (int, error) {
	room, uid, err := s.memberRoom(connID, roomID)
	if err != nil {
		return 0, err
	}
	return roomCall(ctx, room, func(st *roomState) (int, error) {
		return st.skipQuestion(connID, uid, questionIndex)
	})
}

// RoomUsers sends the presence snapshot to the requesting connection only.
func (s *RoomService) RoomUsers(ctx context.Context, connID, roomID string) ([]domain.PresenceEntry, error) {
	room, sink, err := s.requesterRoom(connID, roomID)
	if err != nil {
		return nil, err
	}
	return call(ctx, room, func(st *roomState) []domain.PresenceEntry { return st.sendUsers(sink) })
}

// RoomProgress sends the progress snapshot to the requesting connection only.
func (s *RoomService) RoomProgress(ctx context.Context, connID, roomID string) ([]domain.ProgressEntry, error) {
	room, sink, err := s.requesterRoom(connID, roomID)
	if err != nil {
		return nil, err
	}
	return call(ctx, room, func(st *roomState) []domain.ProgressEntry { return st.sendProgress(sink) })
}

// Snapshot returns the full read-only view of a room.
func (s *RoomService) Snapshot(ctx context.Context, roomID string) (domain.RoomSnapshot, error) {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return domain.RoomSnapshot{}, domain.ErrRoomNotFound
	}
	snap, err := call(ctx, room, func(st *roomState) domain.RoomSnapshot { return st.snapshot() })
	if errors.Is(err, domain.ErrRoomClosed) {
		return domain.RoomSnapshot{}, domain.ErrRoomNotFound
	}
	return snap, err
}

func (s *RoomService) memberRoom(connID, roomID string) (*Room, string, error) {
	if roomID == "" {
		return nil, "", domain.ErrMalformedRequest
	}
	conn, ok := s.registry.Lookup(connID)
	if !ok {
		return nil, "", domain.ErrUnknownConnection
	}
	uid := conn.UserID()
	if uid == "" {
		return nil, "", domain.ErrNoIdentity
	}
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, "", domain.ErrRoomNotFound
	}
	return room, uid, nil
}

func (s *RoomService) requesterRoom(connID, roomID string) (*Room, Sink, error) {
	if roomID == "" {
		return nil, nil, domain.ErrMalformedRequest
	}
	conn, ok := s.registry.Lookup(connID)
	if !ok {
		return nil, nil, domain.ErrUnknownConnection
	}
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, nil, domain.ErrRoomNotFound
	}
	return room, conn.Sink, nil
}

type outcome[T any] struct {
	val T
	err error
}

// roomCall runs a fallible operation on the room worker.
func roomCall[T any](ctx context.Context, room *Room, fn func(*roomState) (T, error)) (T, error) {
	res, err := call(ctx, room, func(st *roomState) outcome[T] {
		v, err := fn(st)
		return outcome[T]{val: v, err: err}
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.val, res.err
}
