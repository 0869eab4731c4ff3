package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
	mongostore "quiz-room-service/internal/infra/mongo"
	pgstore "quiz-room-service/internal/infra/postgres"
	pgmigrations "quiz-room-service/internal/infra/postgres/migrations"
	infraredis "quiz-room-service/internal/infra/redis"
	"quiz-room-service/internal/transport/outbox"
)

func TestRoomCompletionEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()
	mongoURI, mongoCleanup := startMongo(t, ctx)
	defer mongoCleanup()

	migrateResults(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()
	pg := pgstore.NewResultStore(pool)

	mongoClient, err := mongostore.Connect(ctx, mongoURI)
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	ms := mongostore.NewResultStore(mongoClient.Database("quizroom"), "room_results")

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()
	cache := infraredis.NewResultCache(redisClient, pg, 5*time.Minute)
	rooms := infraredis.NewRoomStore(redisClient, 5*time.Minute, nil)
	defer rooms.Close()

	notifications := app.NewDispatcher(app.MultiNotifier{pg, ms, cache}, 16, 5*time.Second, nil, nil)
	service := app.NewRoomService(app.NewRegistry(), rooms, app.WithNotify(notifications.Enqueue))

	alice := outbox.New("conn-alice", 64)
	bob := outbox.New("conn-bob", 64)
	for _, c := range []struct {
		box  *outbox.Outbox
		user string
		name string
	}{{alice, "u1", "Alice"}, {bob, "u2", "Bob"}} {
		if _, err := service.Connect(c.box, c.user); err != nil {
			t.Fatalf("connect %s: %v", c.user, err)
		}
		if _, err := service.Join(ctx, c.box.ID(), "R1", "", c.name); err != nil {
			t.Fatalf("join %s: %v", c.user, err)
		}
	}

	exists, err := redisClient.Exists(ctx, infraredis.Key("R1")).Result()
	if err != nil || exists != 1 {
		t.Fatalf("expected liveness key for R1, exists=%d err=%v", exists, err)
	}

	if _, err := service.RecordCompletion(ctx, alice.ID(), "R1", 3, 5); err != nil {
		t.Fatalf("alice completion: %v", err)
	}
	if _, err := service.RecordCompletion(ctx, bob.ID(), "R1", 4, 5); err != nil {
		t.Fatalf("bob completion: %v", err)
	}
	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := notifications.Close(drainCtx); err != nil {
		t.Fatalf("drain notifications: %v", err)
	}

	for name, loader := range map[string]app.ResultLoader{"postgres": pg, "mongo": ms} {
		results, err := loader.LoadResults(ctx, "R1")
		if err != nil {
			t.Fatalf("%s load: %v", name, err)
		}
		if len(results) != 2 || results[0].UserID != "u2" || results[0].Score != 4 {
			t.Fatalf("%s: expected bob first with 4, got %+v", name, results)
		}
	}

	results, err := cache.GetResults(ctx, "R1")
	if err != nil {
		t.Fatalf("cached results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 cached results, got %+v", results)
	}
	if n, _ := redisClient.Exists(ctx, infraredis.ResultsKey("R1")).Result(); n != 1 {
		t.Fatalf("results should be cached in redis")
	}

	if !hasEvent(alice.Drain(), domain.EventUserCompletedQuiz) {
		t.Fatalf("alice should see user_completed_quiz broadcasts")
	}

	if err := service.Leave(ctx, alice.ID(), "R1"); err != nil {
		t.Fatalf("alice leave: %v", err)
	}
	if err := service.Leave(ctx, bob.ID(), "R1"); err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := redisClient.Exists(ctx, infraredis.Key("R1")).Result()
		if err == nil && n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("liveness key should be removed once the room is empty")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := service.Snapshot(ctx, "R1"); err == nil {
		t.Fatalf("empty room should be gone")
	}
}

func hasEvent(events []domain.Event, eventType string) bool {
	for _, ev := range events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container := startContainer(t, ctx, req, "postgres")
	host, port := endpoint(t, ctx, container, "5432/tcp")
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port)
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container := startContainer(t, ctx, req, "redis")
	host, port := endpoint(t, ctx, container, "6379/tcp")
	return fmt.Sprintf("redis://%s:%s", host, port), func() {
		_ = container.Terminate(ctx)
	}
}

func startMongo(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
	}
	container := startContainer(t, ctx, req, "mongo")
	host, port := endpoint(t, ctx, container, "27017/tcp")
	return fmt.Sprintf("mongodb://%s:%s", host, port), func() {
		_ = container.Terminate(ctx)
	}
}

func startContainer(t *testing.T, ctx context.Context, req tc.ContainerRequest, name string) tc.Container {
	t.Helper()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start %s: %v", name, err)
	}
	return container
}

func endpoint(t *testing.T, ctx context.Context, container tc.Container, port string) (string, string) {
	t.Helper()
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return host, mapped.Port()
}

func migrateResults(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
