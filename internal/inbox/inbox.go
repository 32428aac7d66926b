// Package inbox is a typed, instrumented channel used for single-writer
// message passing between goroutines.
package inbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Inbox provides a generic typed interface for message channels with timeout support
// T is the message type that will be sent through the inbox
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *zap.Logger
	stats   *Stats

	closeOnce sync.Once
	depthMu   sync.Mutex
}

// Stats tracks inbox usage and performance metrics
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates a new inbox with the specified buffer size. A zero timeout makes
// Send wait until the message is accepted or the context ends.
func New[T any](bufferSize int, timeout time.Duration, logger *zap.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
		stats:   &Stats{},
	}
}

// Send delivers msg, returning false if the timeout elapsed or ctx ended first
func (ib *Inbox[T]) Send(ctx context.Context, msg T) bool {
	var timeout <-chan time.Time
	if ib.timeout > 0 {
		timer := time.NewTimer(ib.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ib.ch <- msg:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		ib.updateDepth()
		return true
	case <-timeout:
		atomic.AddInt64(&ib.stats.TimeoutCount, 1)
		ib.logger.Warn("inbox send timeout",
			zap.Duration("timeout", ib.timeout),
			zap.Int("current_depth", len(ib.ch)))
		return false
	case <-ctx.Done():
		return false
	}
}

// TryReceive attempts to receive a message without blocking
// Returns the message and true if available, zero value and false otherwise
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if ok {
			atomic.AddInt64(&ib.stats.TotalReceived, 1)
		}
		return msg, ok
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message is available. ok is false once the inbox is
// closed and drained.
func (ib *Inbox[T]) Receive() (T, bool) {
	msg, ok := <-ib.ch
	if ok {
		atomic.AddInt64(&ib.stats.TotalReceived, 1)
	}
	return msg, ok
}

func (ib *Inbox[T]) updateDepth() {
	depth := len(ib.ch)
	ib.depthMu.Lock()
	ib.stats.CurrentDepth = depth
	if depth > ib.stats.MaxDepthSeen {
		ib.stats.MaxDepthSeen = depth
	}
	ib.depthMu.Unlock()
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	ib.depthMu.Lock()
	defer ib.depthMu.Unlock()
	return Stats{
		TotalSent:     atomic.LoadInt64(&ib.stats.TotalSent),
		TotalReceived: atomic.LoadInt64(&ib.stats.TotalReceived),
		TimeoutCount:  atomic.LoadInt64(&ib.stats.TimeoutCount),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  ib.stats.MaxDepthSeen,
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close closes the inbox channel. Senders must have stopped.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() { close(ib.ch) })
}
