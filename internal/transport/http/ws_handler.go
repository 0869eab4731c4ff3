package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
	"quiz-room-service/internal/metrics"
	"quiz-room-service/internal/transport/outbox"
	"quiz-room-service/internal/transport/protocol"
)

// WSConfig tunes the websocket transport.
type WSConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageSize  int64
	AllowedOrigins  []string
	OutboxSize      int
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		MaxMessageSize:  16 << 10,
		OutboxSize:      32,
	}
}

type WSHandler struct {
	service    *app.RoomService
	dispatcher *protocol.Dispatcher
	cfg        WSConfig
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewWSHandler(service *app.RoomService, dispatcher *protocol.Dispatcher, cfg WSConfig, logger *slog.Logger, m *metrics.Metrics) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	h := &WSHandler{
		service:    service,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("transport", "websocket"),
		metrics:    m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 || slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// sink adapts an outbox to app.Sink and counts frames lost to a full buffer.
type sink struct {
	*outbox.Outbox
	metrics *metrics.Metrics
}

func (s sink) Send(ev domain.Event) bool {
	ok := s.Outbox.Send(ev)
	if !ok {
		s.metrics.FrameDropped()
	}
	return ok
}

// ServeWS upgrades the request and pumps frames between the socket and the room service.
// An optional userId query parameter re-binds a cached identity on reconnect.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	box := outbox.New(uuid.NewString(), h.cfg.OutboxSize)
	out := sink{Outbox: box, metrics: h.metrics}

	connID, err := h.service.Connect(out, r.URL.Query().Get("userId"))
	if err != nil {
		h.logger.Warn("ws connect rejected", "err", err)
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
		_ = conn.WriteJSON(domain.Event{Type: domain.EventError, Payload: domain.ErrorPayload{Message: err.Error()}})
		h.service.Disconnect(context.Background(), connID)
		return
	}
	logger := h.logger.With("conn", connID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := h.writeLoop(conn, box); err != nil {
			logger.Debug("ws write stopped", "err", err)
			// Unblock the reader.
			_ = conn.Close()
		}
	}()

	h.readLoop(r.Context(), conn, connID, out)

	h.service.Disconnect(context.Background(), connID)
	box.Close()
	<-writerDone
	logger.Debug("ws connection finished", "dropped", box.Dropped())
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, connID string, out sink) {
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("ws read error", "conn", connID, "err", err)
			}
			return
		}
		var inbound inboundMessage
		if err := json.Unmarshal(data, &inbound); err != nil || inbound.Type == "" {
			reply, _ := protocol.Reply(inbound.Type, fmt.Errorf("%w: invalid frame", domain.ErrMalformedRequest))
			out.Send(reply)
			continue
		}
		err = h.dispatcher.Dispatch(ctx, connID, inbound.Type, inbound.Payload)
		if reply, ok := protocol.Reply(inbound.Type, err); ok {
			out.Send(reply)
		}
	}
}

// writeLoop is the only goroutine writing to conn.
func (h *WSHandler) writeLoop(conn *websocket.Conn, box *outbox.Outbox) error {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()

	flush := func() error {
		for _, ev := range box.Drain() {
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-box.Ready():
			if err := flush(); err != nil {
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-box.Done():
			if err := flush(); err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
