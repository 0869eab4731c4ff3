package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/config"
	"quiz-room-service/internal/infra/amqp"
	"quiz-room-service/internal/infra/memory"
	mongostore "quiz-room-service/internal/infra/mongo"
	pgstore "quiz-room-service/internal/infra/postgres"
	redisstore "quiz-room-service/internal/infra/redis"
	"quiz-room-service/internal/metrics"
	transport "quiz-room-service/internal/transport/http"
	"quiz-room-service/internal/transport/protocol"
	"quiz-room-service/internal/transport/socketio"
)

const shutdownTimeout = 5 * time.Second

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz room server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

type roomStore interface {
	app.RoomStore
	Close()
}

// backends holds optional external connections and closes whatever was opened.
type backends struct {
	redis     *redis.Client
	pool      *pgxpool.Pool
	mongo     interface{ Disconnect(context.Context) error }
	publisher *amqp.Publisher
}

func (b *backends) close(logger *slog.Logger) {
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			logger.Warn("close rabbitmq publisher", "err", err)
		}
	}
	if b.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.mongo.Disconnect(ctx); err != nil {
			logger.Warn("disconnect mongo", "err", err)
		}
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Warn("close redis", "err", err)
		}
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var b backends
	defer b.close(logger)

	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	// Durable sinks come first so the result caches are invalidated after the write lands.
	var sinks app.MultiNotifier
	var loader app.ResultLoader
	if cfg.Postgres.URL != "" {
		b.pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		pg := pgstore.NewResultStore(b.pool)
		sinks = append(sinks, pg)
		loader = pg
	}
	if cfg.Mongo.URI != "" {
		client, err := mongostore.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			return err
		}
		b.mongo = client
		ms := mongostore.NewResultStore(client.Database(cfg.Mongo.Database), cfg.Mongo.Collection)
		sinks = append(sinks, ms)
		if loader == nil {
			loader = ms
		}
	}
	if loader == nil {
		mem := memory.NewResultStore()
		sinks = append(sinks, mem)
		loader = mem
	}
	if cfg.RabbitMQ.URL != "" {
		b.publisher, err = amqp.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, b.publisher)
	}

	resultsTTL := config.TTLDuration(cfg.Results.TTL, time.Minute)
	var results interface {
		app.ResultRepository
		app.Notifier
	}
	var rooms roomStore
	if b.redis != nil {
		results = redisstore.NewResultCache(b.redis, loader, resultsTTL)
		rooms = redisstore.NewRoomStore(b.redis, config.TTLDuration(cfg.Redis.TTL, 10*time.Minute), logger)
	} else {
		results = memory.NewResultCache(loader, resultsTTL)
		rooms = memory.NewRoomStore()
	}
	sinks = append(sinks, results)

	notifications := app.NewDispatcher(sinks, cfg.Notifications.QueueSize,
		config.TTLDuration(cfg.Notifications.Timeout, 5*time.Second), logger, m)

	service := app.NewRoomService(app.NewRegistry(), rooms,
		app.WithLogger(logger),
		app.WithMetrics(m),
		app.WithGracePeriod(config.TTLDuration(cfg.Rooms.GracePeriod, app.DefaultRoomConfig().GracePeriod)),
		app.WithJoinDebounce(config.TTLDuration(cfg.Rooms.JoinDebounce, app.DefaultRoomConfig().JoinDebounce)),
		app.WithInboxSize(cfg.Rooms.InboxSize),
		app.WithNotify(notifications.Enqueue),
	)
	inbound := protocol.NewDispatcher(service, logger, m)

	routes := transport.Routes{
		WS:    transport.NewWSHandler(service, inbound, wsConfig(cfg), logger, m),
		Rooms: transport.NewRoomsHandler(service, results, logger),
	}
	if cfg.SocketIO.Enabled {
		gateway := socketio.NewGateway(service, inbound, socketio.Config{
			AllowedOrigins: cfg.WebSocket.AllowedOrigins,
			OutboxSize:     cfg.Rooms.OutboxSize,
		}, logger, m)
		defer gateway.Close()
		routes.SocketIO = gateway.Handler()
	}
	if cfg.Metrics.Enabled {
		routes.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		routes.MetricsPath = cfg.Metrics.Path
	}

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     transport.NewRouter(routes),
		ReadTimeout: config.TTLDuration(cfg.Server.ReadTimeout, 15*time.Second),
		// Websocket writes manage their own deadlines after the upgrade.
		WriteTimeout: config.TTLDuration(cfg.Server.WriteTimeout, 15*time.Second),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting quiz room service", "port", finalPort, "socketio", cfg.SocketIO.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		rooms.Close()
		if derr := notifications.Close(shutdownCtx); derr != nil {
			logger.Warn("notifications not fully delivered", "err", derr)
		}
		return err
	})
	return g.Wait()
}

func wsConfig(cfg config.Config) transport.WSConfig {
	ws := transport.DefaultWSConfig()
	if cfg.WebSocket.ReadBufferSize > 0 {
		ws.ReadBufferSize = cfg.WebSocket.ReadBufferSize
	}
	if cfg.WebSocket.WriteBufferSize > 0 {
		ws.WriteBufferSize = cfg.WebSocket.WriteBufferSize
	}
	if cfg.WebSocket.MaxMessageSize > 0 {
		ws.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	}
	if cfg.Rooms.OutboxSize > 0 {
		ws.OutboxSize = cfg.Rooms.OutboxSize
	}
	ws.WriteWait = config.TTLDuration(cfg.WebSocket.WriteWait, ws.WriteWait)
	ws.PongWait = config.TTLDuration(cfg.WebSocket.PongWait, ws.PongWait)
	ws.PingPeriod = config.TTLDuration(cfg.WebSocket.PingPeriod, ws.PingPeriod)
	ws.AllowedOrigins = cfg.WebSocket.AllowedOrigins
	return ws
}
