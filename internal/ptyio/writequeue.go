package ptyio

import (
	"sync"
	"time"

	"github.com/superset-sh/termkeep/internal/limits"
)

// WriteQueue buffers input bound for a PTY and drains it in small chunks
// so a large paste cannot block on a full kernel-side buffer. The queue is
// capped; Write reports false when a payload would overflow it, signaling
// backpressure to the caller. Rejected writes never partially enqueue.
//
// Once the sink fails (process gone) the queue clears itself and drops
// subsequent writes silently until a fresh session replaces it.
type WriteQueue struct {
	mu       sync.Mutex
	buf      []byte
	sink     func([]byte) error
	broken   bool
	disposed bool

	wake chan struct{}
	done chan struct{}
}

// NewWriteQueue starts a queue draining into sink.
func NewWriteQueue(sink func([]byte) error) *WriteQueue {
	q := &WriteQueue{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.drainLoop()
	return q
}

// Write enqueues data for the PTY. It returns false when the queue is full.
func (q *WriteQueue) Write(data []byte) bool {
	if q == nil || len(data) == 0 {
		return true
	}
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return false
	}
	if q.broken {
		q.mu.Unlock()
		return true
	}
	if len(q.buf)+len(data) > limits.WriteQueueMaxBytes {
		q.mu.Unlock()
		return false
	}
	q.buf = append(q.buf, data...)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued bytes.
func (q *WriteQueue) Pending() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dispose stops draining and discards pending bytes.
func (q *WriteQueue) Dispose() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	q.buf = nil
	q.mu.Unlock()
	close(q.done)
}

func (q *WriteQueue) drainLoop() {
	ticker := time.NewTicker(limits.WriteQueueDrainInterval)
	defer ticker.Stop()
	for {
		chunk, ok := q.popChunk()
		if !ok {
			select {
			case <-q.done:
				return
			case <-q.wake:
				continue
			}
		}
		if err := q.sink(chunk); err != nil {
			q.mu.Lock()
			q.buf = nil
			q.broken = true
			q.mu.Unlock()
		}
		// Yield between chunks so other sessions' I/O is not starved.
		select {
		case <-q.done:
			return
		case <-ticker.C:
		}
	}
}

func (q *WriteQueue) popChunk() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed || len(q.buf) == 0 {
		return nil, false
	}
	n := limits.WriteQueueChunkBytes
	if n > len(q.buf) {
		n = len(q.buf)
	}
	chunk := q.buf[:n:n]
	q.buf = append([]byte(nil), q.buf[n:]...)
	return chunk, true
}
