package ptyio

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/superset-sh/termkeep/internal/limits"
)

type sinkRecorder struct {
	mu   sync.Mutex
	data []byte
	fail bool
}

func (s *sinkRecorder) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("pty closed")
	}
	s.data = append(s.data, p...)
	return nil
}

func (s *sinkRecorder) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func TestWriteQueueDeliversAllAcceptedBytes(t *testing.T) {
	sink := &sinkRecorder{}
	q := NewWriteQueue(sink.write)
	defer q.Dispose()

	var want []byte
	for i := 0; i < 8; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 300)
		if !q.Write(chunk) {
			t.Fatalf("write %d rejected below cap", i)
		}
		want = append(want, chunk...)
	}
	waitFor(t, func() bool { return q.Pending() == 0 && len(sink.bytes()) == len(want) })
	if got := sink.bytes(); !bytes.Equal(got, want) {
		t.Fatalf("delivered %d bytes out of order or short (want %d)", len(got), len(want))
	}
}

func TestWriteQueueRejectsOverflowWithoutPartialEnqueue(t *testing.T) {
	blocked := make(chan struct{})
	q := NewWriteQueue(func(p []byte) error {
		<-blocked
		return nil
	})
	defer q.Dispose()
	defer close(blocked)

	fill := bytes.Repeat([]byte("x"), limits.WriteQueueMaxBytes)
	if !q.Write(fill) {
		t.Fatal("fill write rejected")
	}
	// One chunk drains into the blocked sink, then the queue holds steady.
	waitFor(t, func() bool { return q.Pending() == limits.WriteQueueMaxBytes-limits.WriteQueueChunkBytes })
	before := q.Pending()
	if q.Write(bytes.Repeat([]byte("y"), 2*limits.WriteQueueChunkBytes)) {
		t.Fatal("expected overflow rejection")
	}
	if after := q.Pending(); after != before {
		t.Fatalf("rejected write changed pending: %d -> %d", before, after)
	}
}

func TestWriteQueueClearsOnSinkError(t *testing.T) {
	sink := &sinkRecorder{fail: true}
	q := NewWriteQueue(sink.write)
	defer q.Dispose()

	q.Write([]byte("doomed"))
	waitFor(t, func() bool { return q.Pending() == 0 })

	// Subsequent writes are dropped silently, not rejected as backpressure.
	if !q.Write([]byte("after failure")) {
		t.Fatal("write after sink failure should be silently dropped")
	}
	if q.Pending() != 0 {
		t.Fatal("dropped write was enqueued")
	}
}

func TestWriteQueueDisposeDiscardsPending(t *testing.T) {
	blocked := make(chan struct{})
	q := NewWriteQueue(func(p []byte) error {
		<-blocked
		return nil
	})
	q.Write(bytes.Repeat([]byte("y"), 1024))
	q.Dispose()
	close(blocked)
	if q.Pending() != 0 {
		t.Fatal("Dispose left pending bytes")
	}
	if q.Write([]byte("z")) {
		t.Fatal("write after Dispose should be rejected")
	}
}
