// Package ptyio contains the byte-stream plumbing between a PTY and the
// rest of the daemon: the query-response escape filter applied to the
// storage path, the output batcher feeding clients, and the backpressure
// write queue guarding the PTY's kernel buffer.
package ptyio

import (
	"bytes"

	"github.com/charmbracelet/x/ansi"
)

// maxPendingBytes caps the withheld tail while waiting for a terminator.
// A candidate that grows past this is flushed through unchanged.
const maxPendingBytes = 4096

// Filter strips terminal query responses (CPR, DA1/DA2/DA3, DECRPM, OSC
// color replies, XTVERSION) from a byte stream before it is persisted.
// The live rendering path never goes through the filter.
//
// Sequences split across chunk boundaries are withheld until enough bytes
// arrive to classify them; tails that turn out not to be a known response
// family pass through unchanged.
type Filter struct {
	pending []byte
}

// NewFilter returns a filter with no withheld state.
func NewFilter() *Filter {
	return &Filter{}
}

// Filter removes complete query-response sequences from chunk and returns
// the cleaned bytes. An ambiguous tail is withheld for the next call.
func (f *Filter) Filter(chunk []byte) []byte {
	if f == nil {
		return chunk
	}
	buf := chunk
	if len(f.pending) > 0 {
		buf = append(f.pending, chunk...)
		f.pending = nil
	}
	var out []byte
	for len(buf) > 0 {
		idx := bytes.IndexByte(buf, ansi.ESC)
		if idx < 0 {
			out = append(out, buf...)
			break
		}
		out = append(out, buf[:idx]...)
		buf = buf[idx:]
		consumed, strip, incomplete := classifyEscape(buf)
		if incomplete {
			if len(buf) > maxPendingBytes {
				// Never a known response at this length; stop waiting.
				out = append(out, buf...)
				break
			}
			f.pending = append(f.pending, buf...)
			break
		}
		if !strip {
			out = append(out, buf[:consumed]...)
		}
		buf = buf[consumed:]
	}
	return out
}

// Flush drains any withheld tail at stream end. A tail that never became a
// complete response sequence is returned unchanged.
func (f *Filter) Flush() []byte {
	if f == nil || len(f.pending) == 0 {
		return nil
	}
	out := f.pending
	f.pending = nil
	return out
}

// classifyEscape inspects a buffer starting with ESC. It reports how many
// bytes the sequence spans, whether those bytes are a query response to
// strip, and whether the buffer ended before classification was possible.
// When the sequence is not a candidate family at all, consumed covers only
// the prefix known to be safe to emit.
func classifyEscape(buf []byte) (consumed int, strip bool, incomplete bool) {
	if len(buf) < 2 {
		return 0, false, true
	}
	switch buf[1] {
	case '[':
		return classifyCSI(buf)
	case ']':
		return classifyOSC(buf)
	case 'P':
		return classifyDCS(buf)
	default:
		// Some other escape sequence; emit the ESC and rescan after it.
		return 1, false, false
	}
}

// classifyCSI handles CSI-framed responses: CPR (final 'R'), DA1 (`?...c`),
// DA2 (`>...c`) and DECRPM (`$y` with or without the private `?` prefix).
func classifyCSI(buf []byte) (int, bool, bool) {
	i := 2
	private := byte(0)
	if i < len(buf) && (buf[i] == '?' || buf[i] == '>') {
		private = buf[i]
		i++
	}
	paramsStart := i
	for i < len(buf) && (buf[i] == ';' || (buf[i] >= '0' && buf[i] <= '9')) {
		i++
	}
	hasDollar := false
	if i < len(buf) && buf[i] == '$' {
		hasDollar = true
		i++
	}
	if i >= len(buf) {
		return 0, false, true
	}
	final := buf[i]
	if final < 0x40 || final > 0x7e {
		// Malformed or an intermediate we do not track; pass through up
		// to this point and rescan.
		return i, false, false
	}
	end := i + 1
	switch {
	case hasDollar && final == 'y':
		return end, true, false
	case final == 'R' && (private == '?' || private == 0) && i > paramsStart:
		return end, true, false
	case final == 'c' && (private == '?' || private == '>'):
		return end, true, false
	default:
		return end, false, false
	}
}

// oscResponseCodes are the OSC numbers whose replies are stripped: color
// palette (4) and default foreground/background/cursor (10, 11, 12).
var oscResponseCodes = map[string]bool{"4": true, "10": true, "11": true, "12": true}

func classifyOSC(buf []byte) (int, bool, bool) {
	i := 2
	digitsStart := i
	for i < len(buf) && buf[i] >= '0' && buf[i] <= '9' {
		i++
	}
	if i >= len(buf) {
		return 0, false, true
	}
	if buf[i] != ';' || i == digitsStart {
		// Not an OSC shape we scrub; emit the introducer and rescan.
		return 2, false, false
	}
	if !oscResponseCodes[string(buf[digitsStart:i])] {
		return 2, false, false
	}
	// Scan for BEL or ST termination.
	for j := i + 1; j < len(buf); j++ {
		switch buf[j] {
		case ansi.BEL:
			return j + 1, true, false
		case ansi.ESC:
			if j+1 < len(buf) {
				if buf[j+1] == '\\' {
					return j + 2, true, false
				}
				// An unterminated reply interrupted by another sequence;
				// drop what we saw of it and rescan at the ESC.
				return j, true, false
			}
			return 0, false, true
		}
	}
	return 0, false, true
}

// classifyDCS handles DCS-framed responses: DA3 (`ESC P ! | ... ST`) and
// XTVERSION (`ESC P > | ... ST`).
func classifyDCS(buf []byte) (int, bool, bool) {
	if len(buf) < 3 {
		return 0, false, true
	}
	if buf[2] != '!' && buf[2] != '>' {
		return 2, false, false
	}
	if len(buf) < 4 {
		return 0, false, true
	}
	if buf[3] != '|' {
		return 2, false, false
	}
	for j := 4; j < len(buf); j++ {
		if buf[j] != ansi.ESC {
			continue
		}
		if j+1 >= len(buf) {
			return 0, false, true
		}
		if buf[j+1] == '\\' {
			return j + 2, true, false
		}
		return j, true, false
	}
	return 0, false, true
}
