package app

import (
	"hash/fnv"
	"sort"
	"sync"

	"quiz-room-service/internal/domain"
)

const registryShards = 16

// Sink receives outbound events for one transport connection. Send must not block.
type Sink interface {
	ID() string
	Send(ev domain.Event) bool
}

// Connection is the registry's record of one live transport session.
type Connection struct {
	ID   string
	Sink Sink

	mu     sync.Mutex
	userID string
	rooms  map[string]struct{}
}

// UserID returns the bound identity, or "" when none is bound yet.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Rooms returns the ids of rooms this connection has joined, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Connection) addRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// Registry maps transport connections to logical user identities.
// Connections are spread across shards so unrelated connects don't contend.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]*Connection)
	}
	return r
}

func (r *Registry) shard(connID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return &r.shards[h.Sum32()%registryShards]
}

// OnConnect records a new connection and returns its id.
func (r *Registry) OnConnect(sink Sink) string {
	conn := &Connection{
		ID:    sink.ID(),
		Sink:  sink,
		rooms: make(map[string]struct{}),
	}
	sh := r.shard(conn.ID)
	sh.mu.Lock()
	sh.conns[conn.ID] = conn
	sh.mu.Unlock()
	return conn.ID
}

// OnDisconnect forgets the connection and returns its last known state.
func (r *Registry) OnDisconnect(connID string) (*Connection, bool) {
	sh := r.shard(connID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	conn, ok := sh.conns[connID]
	if ok {
		delete(sh.conns, connID)
	}
	return conn, ok
}

// Lookup returns the live connection for connID.
func (r *Registry) Lookup(connID string) (*Connection, bool) {
	sh := r.shard(connID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	conn, ok := sh.conns[connID]
	return conn, ok
}

// IdentityFor returns the user bound to connID, if any.
func (r *Registry) IdentityFor(connID string) (string, bool) {
	conn, ok := r.Lookup(connID)
	if !ok {
		return "", false
	}
	userID := conn.UserID()
	return userID, userID != ""
}

// BindIdentity associates connID with userID. Rebinding to the same user is a no-op;
// rebinding to a different user fails with ErrIdentityConflict.
func (r *Registry) BindIdentity(connID, userID string) error {
	conn, ok := r.Lookup(connID)
	if !ok {
		return domain.ErrUnknownConnection
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	switch conn.userID {
	case "":
		conn.userID = userID
		return nil
	case userID:
		return nil
	default:
		return domain.ErrIdentityConflict
	}
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.conns)
		sh.mu.RUnlock()
	}
	return n
}
