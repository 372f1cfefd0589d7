// Package limits centralizes the byte and time budgets that bound daemon
// memory and latency. Every cap lives here so stress behavior is auditable
// in one place.
package limits

import "time"

const (
	// WriteQueueMaxBytes bounds pending input per session. Writes beyond
	// this are rejected (backpressure) instead of buffered.
	WriteQueueMaxBytes = 1 << 20

	// WriteQueueChunkBytes is the slice size drained per tick. Kernel PTY
	// buffers are only a few KiB; small chunks keep one paste from
	// stalling other sessions.
	WriteQueueChunkBytes = 256

	// WriteQueueDrainInterval is the pause between drained chunks.
	WriteQueueDrainInterval = 5 * time.Millisecond

	// BatchFlushInterval matches a 60 Hz UI refresh; output quiescent for
	// this long is flushed to clients.
	BatchFlushInterval = 16 * time.Millisecond

	// BatchMaxBytes forces a flush regardless of the timer.
	BatchMaxBytes = 200 * 1024

	// ScrollbackReadMaxBytes bounds the transcript tail replayed on
	// recovery. Oldest bytes are trimmed first.
	ScrollbackReadMaxBytes = 2 << 20

	// CaptureMaxBytes bounds a multiplexer capture-pane tail.
	CaptureMaxBytes = 4 << 20

	// CaptureTimeout bounds a capture-pane invocation. On expiry the
	// partial tail captured so far is returned.
	CaptureTimeout = 3 * time.Second

	// ExitGraceDelay keeps a dead session in the table briefly so late
	// reads after exit still find its scrollback.
	ExitGraceDelay = 5 * time.Second

	// CrashLoopWindow is how quickly after spawn an abnormal exit counts
	// as a crash loop and triggers the fallback shell.
	CrashLoopWindow = 5 * time.Second

	// KillTermWait and KillForceWait pace the SIGTERM -> SIGKILL -> force
	// clear escalation when tearing sessions down.
	KillTermWait  = 2 * time.Second
	KillForceWait = 500 * time.Millisecond
)
