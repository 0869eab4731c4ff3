package socketio

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"strings"
	"testing"
	"time"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
	"quiz-room-service/internal/infra/memory"
	"quiz-room-service/internal/transport/outbox"
	"quiz-room-service/internal/transport/protocol"
)

func TestGatewayAnswersEngineHandshake(t *testing.T) {
	store := memory.NewRoomStore()
	defer store.Close()
	service := app.NewRoomService(app.NewRegistry(), store)
	gw := NewGateway(service, protocol.NewDispatcher(service, nil, nil), Config{AllowedOrigins: []string{"http://localhost:3000"}}, nil, nil)
	defer gw.Close()

	server := httptest.NewServer(gw.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/socket.io/?EIO=4&transport=polling")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "0{") || !strings.Contains(string(body), `"sid"`) {
		t.Fatalf("expected engine.io open packet, got %q", body)
	}
}

func TestSinkReportsDroppedFrames(t *testing.T) {
	s := sink{Outbox: outbox.New("c-1", 1)}
	if !s.Send(domain.Event{Type: domain.EventRoomUsersUpdated}) {
		t.Fatalf("first send should fit")
	}
	if s.Send(domain.Event{Type: domain.EventRoomProgressUpdated}) {
		t.Fatalf("overflow should report a drop")
	}
	evs := s.Drain()
	if len(evs) != 1 || evs[0].Type != domain.EventRoomProgressUpdated {
		t.Fatalf("expected newest event kept, got %+v", evs)
	}
}

// pollingClient speaks the engine.io v4 long-polling transport with socket.io packets on top.
type pollingClient struct {
	t    *testing.T
	base string
	http *http.Client
	sid  string

	// packets received but not yet consumed
	pending []string
}

func openPolling(t *testing.T, base, userID string) *pollingClient {
	t.Helper()
	c := &pollingClient{
		t:    t,
		base: base + "/socket.io/",
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
	q := url.Values{"EIO": {"4"}, "transport": {"polling"}}
	if userID != "" {
		q.Set("userId", userID)
	}
	packets := c.get(q)
	if len(packets) == 0 || !strings.HasPrefix(packets[0], "0") {
		t.Fatalf("expected open packet, got %q", packets)
	}
	var open struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal([]byte(packets[0][1:]), &open); err != nil {
		t.Fatalf("decode open packet: %v", err)
	}
	c.sid = open.SID
	return c
}

func (c *pollingClient) query() url.Values {
	return url.Values{"EIO": {"4"}, "transport": {"polling"}, "sid": {c.sid}}
}

func (c *pollingClient) get(q url.Values) []string {
	c.t.Helper()
	resp, err := c.http.Get(c.base + "?" + q.Encode())
	if err != nil {
		c.t.Fatalf("poll: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("poll status %d: %s", resp.StatusCode, body)
	}
	return strings.Split(string(body), "\x1e")
}

func (c *pollingClient) post(packets ...string) {
	c.t.Helper()
	resp, err := c.http.Post(c.base+"?"+c.query().Encode(), "text/plain;charset=UTF-8", strings.NewReader(strings.Join(packets, "\x1e")))
	if err != nil {
		c.t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.t.Fatalf("post status %d: %s", resp.StatusCode, body)
	}
}

func (c *pollingClient) connect() {
	c.t.Helper()
	c.post("40")
	c.until(func(p string) bool { return strings.HasPrefix(p, "40") })
}

func (c *pollingClient) emit(event string, payload any) {
	c.t.Helper()
	raw, err := json.Marshal([]any{event, payload})
	if err != nil {
		c.t.Fatalf("encode %s: %v", event, err)
	}
	c.post("42" + string(raw))
}

// until polls until a packet matches and returns it.
func (c *pollingClient) until(match func(string) bool) string {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		if len(c.pending) == 0 {
			c.pending = c.get(c.query())
		}
		for len(c.pending) > 0 {
			p := c.pending[0]
			c.pending = c.pending[1:]
			if p == "2" {
				c.post("3")
				continue
			}
			if match(p) {
				return p
			}
		}
	}
	c.t.Fatalf("expected packet not received")
	return ""
}

// event waits for a socket.io EVENT packet named name and returns its payload.
func (c *pollingClient) event(name string) json.RawMessage {
	c.t.Helper()
	var args []json.RawMessage
	c.until(func(p string) bool {
		if !strings.HasPrefix(p, "42") {
			return false
		}
		args = nil
		if err := json.Unmarshal([]byte(p[2:]), &args); err != nil || len(args) == 0 {
			return false
		}
		var got string
		return json.Unmarshal(args[0], &got) == nil && got == name
	})
	if len(args) < 2 {
		return nil
	}
	return args[1]
}

func (c *pollingClient) close() {
	c.t.Helper()
	c.post("41", "1")
}

func newGatewayServer(t *testing.T) (*httptest.Server, *app.RoomService) {
	t.Helper()
	store := memory.NewRoomStore()
	service := app.NewRoomService(app.NewRegistry(), store)
	gw := NewGateway(service, protocol.NewDispatcher(service, nil, nil), Config{}, nil, nil)
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		server.Close()
		gw.Close()
		store.Close()
	})
	return server, service
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGatewayJoinBroadcastsAndDisconnectCleansUp(t *testing.T) {
	server, service := newGatewayServer(t)

	c := openPolling(t, server.URL, "u1")
	c.connect()

	var session domain.SessionInfo
	if err := json.Unmarshal(c.event(domain.EventSession), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.UserID != "u1" || session.ConnectionID == "" {
		t.Fatalf("unexpected session %+v", session)
	}

	c.emit(domain.EventJoinRoom, map[string]any{"roomId": "R1", "username": "Alice"})
	var users []domain.PresenceEntry
	if err := json.Unmarshal(c.event(domain.EventRoomUsersUpdated), &users); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	if len(users) != 1 || users[0].UserID != "u1" {
		t.Fatalf("expected u1 in room, got %+v", users)
	}
	if service.Registry().Len() != 1 {
		t.Fatalf("expected one registered connection, got %d", service.Registry().Len())
	}

	c.close()
	waitFor(t, "registry to empty", func() bool { return service.Registry().Len() == 0 })
}

func TestGatewayMalformedEventRepliesToSender(t *testing.T) {
	server, _ := newGatewayServer(t)

	c := openPolling(t, server.URL, "")
	c.connect()
	c.emit(domain.EventJoinRoom, map[string]any{"username": "Alice"})
	if payload := c.event(domain.EventError); len(payload) == 0 {
		t.Fatalf("expected an error payload")
	}
	c.close()
}

func TestGatewayReleasesSocketGoroutines(t *testing.T) {
	server, service := newGatewayServer(t)

	cycle := func(i int) {
		c := openPolling(t, server.URL, fmt.Sprintf("u%d", i))
		c.connect()
		c.event(domain.EventSession)
		c.close()
		waitFor(t, "socket to disconnect", func() bool { return service.Registry().Len() == 0 })
	}
	cycle(0)
	before := runtime.NumGoroutine()

	const cycles = 10
	for i := 1; i <= cycles; i++ {
		cycle(i)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		after := runtime.NumGoroutine()
		if after <= before+2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("goroutines before=%d after %d cycles=%d", before, cycles, after)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
