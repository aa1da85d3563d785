package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultOutboxSize is the per-connection queue length used when none is configured.
const DefaultOutboxSize = 256

// Outbox is a bounded per-member frame queue. Push never blocks; when the
// queue is full the oldest frame is discarded.
type Outbox struct {
	owner  string
	queue  chan []byte
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewOutbox creates an outbox holding at most size frames.
func NewOutbox(owner string, size int, logger *slog.Logger) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		owner:  owner,
		queue:  make(chan []byte, size),
		logger: logger,
	}
}

// Push queues data and reports whether the outbox is still open.
func (o *Outbox) Push(data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	for {
		select {
		case o.queue <- data:
			return true
		default:
		}
		// Full: drop the oldest frame. The reader may have drained it
		// concurrently, in which case the next send succeeds.
		select {
		case <-o.queue:
			n := o.dropped.Add(1)
			o.logger.Warn("outbox full, dropped oldest frame",
				slog.String("connection_id", o.owner),
				slog.Uint64("dropped_total", n))
		default:
		}
	}
}

// C returns the channel the writer drains. It is closed by Close.
func (o *Outbox) C() <-chan []byte {
	return o.queue
}

// Close stops accepting frames. Frames already queued stay readable.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.queue)
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Dropped returns how many frames were discarded on overflow.
func (o *Outbox) Dropped() uint64 {
	return o.dropped.Load()
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	return len(o.queue)
}
