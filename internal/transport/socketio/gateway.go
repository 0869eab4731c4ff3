package socketio

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
	"quiz-room-service/internal/metrics"
	"quiz-room-service/internal/transport/outbox"
	"quiz-room-service/internal/transport/protocol"
)

// Config tunes the Socket.IO gateway.
type Config struct {
	AllowedOrigins []string
	OutboxSize     int
	InboxSize      int
}

// Gateway serves the room protocol to socket.io clients. Each socket.io event name is
// a protocol event and its first argument is the payload.
type Gateway struct {
	service    *app.RoomService
	dispatcher *protocol.Dispatcher
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics

	opts   *socket.ServerOptions
	server *socket.Server
}

func NewGateway(service *app.RoomService, dispatcher *protocol.Dispatcher, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	opts := socket.DefaultServerOptions()
	origin := any("*")
	if len(cfg.AllowedOrigins) > 0 {
		allowed := make([]any, 0, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			allowed = append(allowed, o)
		}
		origin = allowed
	}
	opts.SetCors(&types.Cors{Origin: origin, Credentials: true})
	opts.SetAllowEIO3(true)

	g := &Gateway{
		service:    service,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("transport", "socketio"),
		metrics:    m,
		opts:       opts,
		server:     socket.NewServer(nil, opts),
	}
	g.server.On("connection", g.onConnection)
	return g
}

// Handler is mounted under /socket.io/.
func (g *Gateway) Handler() http.Handler {
	return g.server.ServeHandler(g.opts)
}

func (g *Gateway) Close() {
	g.server.Close(nil)
}

type inboundEvent struct {
	name    string
	payload json.RawMessage
}

func (g *Gateway) onConnection(clients ...any) {
	client, ok := clients[0].(*socket.Socket)
	if !ok {
		return
	}
	box := outbox.New(string(client.Id()), g.cfg.OutboxSize)
	out := sink{Outbox: box, metrics: g.metrics}

	var userID string
	if values := client.Handshake().Query["userId"]; len(values) > 0 {
		userID = values[0]
	}
	connID, err := g.service.Connect(out, userID)
	if err != nil {
		g.logger.Warn("socket.io connect rejected", "err", err)
		g.service.Disconnect(context.Background(), connID)
		client.Disconnect(true)
		return
	}
	logger := g.logger.With("conn", connID)

	// Events for one socket are handled in arrival order off the engine's read path.
	inbound := make(chan inboundEvent, g.cfg.InboxSize)
	ctx, cancel := context.WithCancel(context.Background())

	go g.pump(client, box)
	go g.consume(ctx, connID, inbound, out)

	client.OnAny(func(args ...any) {
		name, ok := args[0].(string)
		if !ok {
			return
		}
		ev := inboundEvent{name: name}
		if len(args) > 1 {
			if raw, err := json.Marshal(args[1]); err == nil {
				ev.payload = raw
			}
		}
		select {
		case inbound <- ev:
		case <-ctx.Done():
		}
	})

	_ = client.On("disconnect", func(args ...any) {
		cancel()
		g.service.Disconnect(context.Background(), connID)
		box.Close()
		logger.Debug("socket.io disconnected", "reason", args, "dropped", box.Dropped())
	})
}

// consume dispatches inbound events in order until the socket disconnects.
func (g *Gateway) consume(ctx context.Context, connID string, inbound <-chan inboundEvent, out sink) {
	for {
		select {
		case ev := <-inbound:
			err := g.dispatcher.Dispatch(ctx, connID, ev.name, ev.payload)
			if reply, ok := protocol.Reply(ev.name, err); ok {
				out.Send(reply)
			}
		case <-ctx.Done():
			return
		}
	}
}

// pump forwards queued events to the socket until the outbox closes.
func (g *Gateway) pump(client *socket.Socket, box *outbox.Outbox) {
	emit := func() {
		for _, ev := range box.Drain() {
			if err := client.Emit(ev.Type, ev.Payload); err != nil {
				g.logger.Debug("socket.io emit failed", "event", ev.Type, "err", err)
			}
		}
	}
	for {
		select {
		case <-box.Ready():
			emit()
		case <-box.Done():
			return
		}
	}
}

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
