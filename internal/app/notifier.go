package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quiz-room-service/internal/domain"
	"quiz-room-service/internal/metrics"
)

// Notifier reports room outcomes to an external collaborator (score store, analytics, broker).
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n domain.Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n domain.Notification) error { return f(ctx, n) }

// MultiNotifier fans a notification out to every sink and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher delivers notifications on its own goroutine so room workers never wait on I/O.
// When the queue is full new notifications are dropped.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Notification
	done   chan struct{}
}

// NewDispatcher starts the delivery loop.
func NewDispatcher(notifier Notifier, size int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		notifier: notifier,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
		queue:    make(chan domain.Notification, size),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue never blocks.
func (d *Dispatcher) Enqueue(n domain.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.Notification("dropped")
		return
	}
	select {
	case d.queue <- n:
	default:
		d.metrics.Notification("dropped")
		d.logger.Warn("notification queue full, dropping", "type", n.Type, "room", n.RoomID)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.notifier.Notify(ctx, n)
		cancel()
		if err != nil {
			d.metrics.Notification("failed")
			d.logger.Warn("notification failed", "type", n.Type, "room", n.RoomID, "err", err)
			continue
		}
		d.metrics.Notification("sent")
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain notifications: %w", ctx.Err())
	}
}
