package http

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/infra/memory"
	"quiz-room-service/internal/metrics"
	"quiz-room-service/internal/transport/outbox"
)

func TestDroppedFramesCountedOncePerFrame(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := memory.NewRoomStore()
	defer store.Close()
	service := app.NewRoomService(app.NewRegistry(), store, app.WithMetrics(m))

	box := outbox.New("conn-1", 1)
	connID, err := service.Connect(sink{Outbox: box, metrics: m}, "u1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := service.Join(context.Background(), connID, "R1", "", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	dropped := box.Dropped()
	if dropped == 0 {
		t.Fatalf("a one-slot outbox should have dropped frames")
	}
	expected := fmt.Sprintf(`
# HELP quizroom_dropped_frames_total Outbound frames dropped because a connection buffer was full
# TYPE quizroom_dropped_frames_total counter
quizroom_dropped_frames_total %d
`, dropped)
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "quizroom_dropped_frames_total"); err != nil {
		t.Fatalf("dropped frame metric should match the outbox count: %v", err)
	}
}
