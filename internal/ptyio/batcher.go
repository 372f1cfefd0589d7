package ptyio

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/superset-sh/termkeep/internal/limits"
)

// Batcher coalesces PTY output for delivery to clients. Output is flushed
// after a quiescence window or once the buffer crosses a size ceiling,
// whichever comes first. Flushes never split a multi-byte UTF-8 sequence;
// the incomplete tail rides along to the next flush. Only Dispose forces
// trailing incomplete bytes out.
//
// The concatenation of all flushed slices equals the exact byte sequence
// written, regardless of timer interleaving.
type Batcher struct {
	mu       sync.Mutex
	buf      []byte
	timer    *time.Timer
	flush    func([]byte)
	interval time.Duration
	maxBytes int
	disposed bool
}

// NewBatcher creates a batcher delivering coalesced output to flush. The
// callback runs on the batcher's timer goroutine and must not call back
// into the batcher.
func NewBatcher(flush func([]byte)) *Batcher {
	return &Batcher{
		flush:    flush,
		interval: limits.BatchFlushInterval,
		maxBytes: limits.BatchMaxBytes,
	}
}

// Write appends PTY output to the pending batch.
func (b *Batcher) Write(p []byte) {
	if b == nil || len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.buf = append(b.buf, p...)
	if len(b.buf) >= b.maxBytes {
		b.flushLocked(false)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.onTimer)
	} else {
		b.timer.Reset(b.interval)
	}
}

// Dispose flushes everything pending, including an incomplete trailing
// UTF-8 sequence, and stops the timer.
func (b *Batcher) Dispose() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.flushLocked(true)
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.flushLocked(false)
}

func (b *Batcher) flushLocked(final bool) {
	if len(b.buf) == 0 {
		return
	}
	cut := len(b.buf)
	if !final {
		cut = completePrefixLen(b.buf)
		if cut == 0 {
			return
		}
	}
	out := b.buf[:cut:cut]
	b.buf = append([]byte(nil), b.buf[cut:]...)
	if b.flush != nil {
		b.flush(out)
	}
}

// completePrefixLen returns the length of the longest prefix that does not
// end inside a multi-byte UTF-8 sequence. Invalid encodings pass through
// untouched so the stream stays byte-exact.
func completePrefixLen(p []byte) int {
	end := len(p)
	for back := 1; back <= utf8.UTFMax && back <= end; back++ {
		c := p[end-back]
		if c < utf8.RuneSelf {
			return end
		}
		if c&0xc0 == 0x80 {
			continue
		}
		if back < runeLenFromStart(c) {
			return end - back
		}
		return end
	}
	return end
}

func runeLenFromStart(c byte) int {
	switch {
	case c&0xe0 == 0xc0:
		return 2
	case c&0xf0 == 0xe0:
		return 3
	case c&0xf8 == 0xf0:
		return 4
	default:
		return 1
	}
}
