package app

import "time"

type evictionEntry struct {
	timer Timer
	gen   uint64
}

// evictionScheduler tracks grace timers for disconnected connections of one room.
// It is owned by the room worker; only the timer callback runs elsewhere, and that
// callback does nothing but enqueue a finalize message.
type evictionScheduler struct {
	clock   Clock
	grace   time.Duration
	fire    func(connID string, gen uint64)
	pending map[string]evictionEntry
	gen     uint64
}

func newEvictionScheduler(clock Clock, grace time.Duration, fire func(connID string, gen uint64)) *evictionScheduler {
	return &evictionScheduler{
		clock:   clock,
		grace:   grace,
		fire:    fire,
		pending: make(map[string]evictionEntry),
	}
}

func (e *evictionScheduler) schedule(connID string) {
	e.cancel(connID)
	e.gen++
	gen := e.gen
	e.pending[connID] = evictionEntry{
		gen:   gen,
		timer: e.clock.AfterFunc(e.grace, func() { e.fire(connID, gen) }),
	}
}

// cancel drops a pending eviction; a finalize already queued will find nothing to claim.
func (e *evictionScheduler) cancel(connID string) bool {
	entry, ok := e.pending[connID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(e.pending, connID)
	return true
}

// claim consumes the pending eviction if gen is still current.
func (e *evictionScheduler) claim(connID string, gen uint64) bool {
	entry, ok := e.pending[connID]
	if !ok || entry.gen != gen {
		return false
	}
	delete(e.pending, connID)
	return true
}

func (e *evictionScheduler) isPending(connID string) bool {
	_, ok := e.pending[connID]
	return ok
}

func (e *evictionScheduler) len() int { return len(e.pending) }

func (e *evictionScheduler) stopAll() {
	for connID, entry := range e.pending {
		entry.timer.Stop()
		delete(e.pending, connID)
	}
}
