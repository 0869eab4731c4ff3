package outbox

import (
	"sync"

	"quiz-room-service/internal/domain"
)

// Outbox is a bounded per-connection queue of outbound events. Send never blocks:
// when the queue is full the oldest event is discarded to make room.
type Outbox struct {
	id  string
	max int

	mu      sync.Mutex
	buf     []domain.Event
	closed  bool
	dropped uint64

	ready chan struct{}
	done  chan struct{}
}

func New(id string, size int) *Outbox {
	if size <= 0 {
		size = 32
	}
	return &Outbox{
		id:    id,
		max:   size,
		buf:   make([]domain.Event, 0, size),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (o *Outbox) ID() string { return o.id }

// Send enqueues ev. It reports false when the outbox is closed or an older event had to be dropped.
func (o *Outbox) Send(ev domain.Event) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	ok := true
	if len(o.buf) >= o.max {
		copy(o.buf, o.buf[1:])
		o.buf = o.buf[:len(o.buf)-1]
		o.dropped++
		ok = false
	}
	o.buf = append(o.buf, ev)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return ok
}

// Ready is signalled whenever events are waiting.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Done is closed by Close.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Drain removes and returns every queued event in order.
func (o *Outbox) Drain() []domain.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buf) == 0 {
		return nil
	}
	out := make([]domain.Event, len(o.buf))
	copy(out, o.buf)
	o.buf = o.buf[:0]
	return out
}

// Dropped counts events discarded because the queue was full.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Close stops accepting events. Already queued events can still be drained.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}
