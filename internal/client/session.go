package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"quiz-room-service/internal/domain"
)

var (
	// ErrJoinThrottled is returned when the same room was joined within Config.JoinThrottle.
	ErrJoinThrottled = errors.New("join throttled")
	// ErrNotConnected is returned while the session has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

type Config struct {
	URL          string
	UserID       string
	JoinThrottle time.Duration
	EmitDebounce time.Duration
	RejoinWindow time.Duration

	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	MaxReconnects uint64

	EventBuffer int
	Dialer      *websocket.Dialer
	Logger      *slog.Logger
	Now         func() time.Time
}

func DefaultConfig(wsURL string) Config {
	return Config{
		URL:           wsURL,
		JoinThrottle:  5 * time.Second,
		EmitDebounce:  300 * time.Millisecond,
		RejoinWindow:  5 * time.Minute,
		ReconnectMin:  2 * time.Second,
		ReconnectMax:  10 * time.Second,
		MaxReconnects: 10,
		EventBuffer:   64,
	}
}

// Event is one frame received from the server.
type Event struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type joinedRoom struct {
	username string
	joinedAt time.Time
}

// Session keeps one connection to the room service. After a drop it reconnects with
// the cached identity and rejoins recently joined rooms.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	userID    string
	rooms     map[string]joinedRoom
	lastJoin  map[string]time.Time
	debounced map[string]*time.Timer
	closed    bool
	err       error

	writeMu sync.Mutex
	events  chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Dial connects to cfg.URL and starts the receive loop.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	def := DefaultConfig(cfg.URL)
	if cfg.JoinThrottle <= 0 {
		cfg.JoinThrottle = def.JoinThrottle
	}
	if cfg.EmitDebounce <= 0 {
		cfg.EmitDebounce = def.EmitDebounce
	}
	if cfg.RejoinWindow <= 0 {
		cfg.RejoinWindow = def.RejoinWindow
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "session"),
		userID:    cfg.UserID,
		rooms:     make(map[string]joinedRoom),
		lastJoin:  make(map[string]time.Time),
		debounced: make(map[string]*time.Timer),
		events:    make(chan Event, cfg.EventBuffer),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	conn, err := s.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.conn = conn
	go s.run(conn)
	return s, nil
}

// Events delivers server frames. It is closed when the session ends.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended, if it ended on its own.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// UserID returns the identity cached from the server's session events.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if id := s.UserID(); id != "" {
		q := u.Query()
		q.Set("userId", id)
		u.RawQuery = q.Encode()
	}
	conn, _, err := s.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

func (s *Session) run(conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.events)
	for {
		s.readLoop(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.setConn(nil)
		s.logger.Info("connection lost, reconnecting")

		next, err := s.reconnect()
		if err != nil {
			s.mu.Lock()
			if s.err == nil && s.ctx.Err() == nil {
				s.err = err
			}
			s.mu.Unlock()
			s.logger.Warn("giving up reconnecting", "err", err)
			return
		}
		conn = next
		s.rejoin()
	}
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectMin
	b.MaxInterval = s.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.MaxReconnects), s.ctx)

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		c, err := s.dial(s.ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy, func(err error, wait time.Duration) {
		s.logger.Debug("reconnect failed", "err", err, "retry_in", wait)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// rejoin re-sends join_room for rooms joined within the rejoin window and forgets older ones.
func (s *Session) rejoin() {
	now := s.cfg.Now()
	type pending struct {
		roomID   string
		username string
	}
	var joins []pending

	s.mu.Lock()
	for roomID, room := range s.rooms {
		if now.Sub(room.joinedAt) >= s.cfg.RejoinWindow {
			delete(s.rooms, roomID)
			continue
		}
		room.joinedAt = now
		s.rooms[roomID] = room
		s.lastJoin[roomID] = now
		joins = append(joins, pending{roomID: roomID, username: room.username})
	}
	identity := s.userID
	s.mu.Unlock()

	for _, j := range joins {
		if err := s.send(domain.EventJoinRoom, joinPayload(j.roomID, j.username, identity)); err != nil {
			s.logger.Warn("rejoin failed", "room", j.roomID, "err", err)
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				continue
			}
			return
		}
		if ev.Type == domain.EventSession {
			var info domain.SessionInfo
			if err := json.Unmarshal(ev.Payload, &info); err == nil && info.UserID != "" {
				s.mu.Lock()
				s.userID = info.UserID
				s.mu.Unlock()
			}
		}
		select {
		case s.events <- ev:
		default:
			s.logger.Warn("event buffer full, dropping", "type", ev.Type)
		}
	}
}

func (s *Session) send(eventType string, payload any) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(map[string]any{"type": eventType, "payload": payload})
}

func joinPayload(roomID, username, userID string) map[string]any {
	p := map[string]any{"roomId": roomID, "username": username}
	if userID != "" {
		p["userId"] = userID
	}
	return p
}

// JoinRoom joins roomID at most once per JoinThrottle.
func (s *Session) JoinRoom(roomID, username string) error {
	now := s.cfg.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	// A session keeps one identity, so the room alone keys the throttle; this holds
	// while the server-assigned id is still in flight.
	if last, ok := s.lastJoin[roomID]; ok && now.Sub(last) < s.cfg.JoinThrottle {
		s.mu.Unlock()
		return ErrJoinThrottled
	}
	s.lastJoin[roomID] = now
	s.rooms[roomID] = joinedRoom{username: username, joinedAt: now}
	identity := s.userID
	s.mu.Unlock()

	return s.send(domain.EventJoinRoom, joinPayload(roomID, username, identity))
}

// LeaveRoom leaves roomID and stops rejoining it after reconnects.
func (s *Session) LeaveRoom(roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	return s.send(domain.EventLeaveRoom, map[string]any{"roomId": roomID})
}

// Rooms lists the rooms that would be rejoined after a reconnect.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// debounce sends the last call for key once EmitDebounce passes without another call.
func (s *Session) debounce(key, eventType string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.debounced[key]; ok {
		t.Stop()
	}
	s.debounced[key] = time.AfterFunc(s.cfg.EmitDebounce, func() {
		s.mu.Lock()
		delete(s.debounced, key)
		s.mu.Unlock()
		if err := s.send(eventType, payload); err != nil {
			s.logger.Debug("debounced emit failed", "type", eventType, "err", err)
		}
	})
}

func (s *Session) AnswerQuestion(roomID string, questionIndex int, correct bool) {
	s.debounce(domain.EventQuestionAnswered+":"+roomID, domain.EventQuestionAnswered, map[string]any{
		"roomId": roomID, "questionIndex": questionIndex, "isCorrect": correct,
	})
}

func (s *Session) CompleteQuiz(roomID string, score, totalQuestions int) {
	s.debounce(domain.EventQuizCompleted+":"+roomID, domain.EventQuizCompleted, map[string]any{
		"roomId": roomID, "score": score, "totalQuestions": totalQuestions,
	})
}

func (s *Session) UpdateProgress(roomID string, update domain.ProgressUpdate) {
	s.debounce(domain.EventUpdateProgress+":"+roomID, domain.EventUpdateProgress, map[string]any{
		"roomId":             roomID,
		"currentQuestion":    update.CurrentQuestion,
		"completedQuestions": update.CompletedQuestions,
		"score":              update.Score,
		"completed":          update.Completed,
	})
}

func (s *Session) SubmitTextAnswer(roomID string, questionIndex int, answer string) {
	s.debounce(fmt.Sprintf("%s:%s:%d", domain.EventSubmitTextAnswer, roomID, questionIndex), domain.EventSubmitTextAnswer, map[string]any{
		"roomId": roomID, "questionIndex": questionIndex, "answer": answer,
	})
}

// SkipQuestion skips questionIndex, or the room's current question when nil.
func (s *Session) SkipQuestion(roomID string, questionIndex *int) {
	payload := map[string]any{"roomId": roomID}
	if questionIndex != nil {
		payload["questionIndex"] = *questionIndex
	}
	s.debounce(domain.EventSkipQuestion+":"+roomID, domain.EventSkipQuestion, payload)
}

func (s *Session) RequestUsers(roomID string) error {
	return s.send(domain.EventGetRoomUsers, map[string]any{"roomId": roomID})
}

func (s *Session) RequestProgress(roomID string) error {
	return s.send(domain.EventGetRoomProgress, map[string]any{"roomId": roomID})
}

// Close ends the session without reconnecting. Pending debounced emits are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	for key, t := range s.debounced {
		t.Stop()
		delete(s.debounced, key)
	}
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	<-s.done
	return nil
}
