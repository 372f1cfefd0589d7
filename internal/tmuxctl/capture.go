package tmuxctl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/superset-sh/termkeep/internal/limits"
)

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.buf
	// Drop continuation bytes left over from a mid-rune trim.
	for len(out) > 0 && out[0]&0xc0 == 0x80 {
		out = out[1:]
	}
	return append([]byte(nil), out...)
}

// CaptureScrollback dumps the session's full backend scrollback, escape
// sequences included, capped to the last few MiB. A capture that exceeds
// its deadline returns whatever was collected rather than failing: a huge
// partial transcript beats none during crash recovery.
func (c *Client) CaptureScrollback(ctx context.Context, name string) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, limits.CaptureTimeout)
	defer cancel()

	out := &tailBuffer{max: limits.CaptureMaxBytes}
	cmd := c.command(ctx, "capture-pane", "-p", "-e", "-S", "-", "-t", "="+name)
	cmd.Stdout = out
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out.bytes(), nil
		}
		return nil, c.Classify(fmt.Errorf("tmuxctl: capture-pane: %w", err), "")
	}
	return out.bytes(), nil
}
