package ptyio

import (
	"bytes"
	"testing"
)

func filterAll(t *testing.T, input []byte, chunkSize int) []byte {
	t.Helper()
	f := NewFilter()
	var out []byte
	for start := 0; start < len(input); start += chunkSize {
		end := start + chunkSize
		if end > len(input) {
			end = len(input)
		}
		out = append(out, f.Filter(input[start:end])...)
	}
	out = append(out, f.Flush()...)
	return out
}

func TestFilterRemovesQueryResponses(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"cpr", "abc\x1b[12;45Rdef", "abcdef"},
		{"cpr extended", "abc\x1b[?12;45;1Rdef", "abcdef"},
		{"da1", "x\x1b[?62;22;52cy", "xy"},
		{"da2", "x\x1b[>1;10;0cy", "xy"},
		{"da3", "x\x1bP!|00000000\x1b\\y", "xy"},
		{"xtversion", "x\x1bP>|tmux 3.4\x1b\\y", "xy"},
		{"decrpm private", "x\x1b[?2026;2$yy", "xy"},
		{"decrpm ansi", "x\x1b[4;1$yy", "xy"},
		{"osc bg bell", "x\x1b]11;rgb:1e1e/2a2a/3b3b\x07y", "xy"},
		{"osc fg st", "x\x1b]10;rgb:ffff/ffff/ffff\x1b\\y", "xy"},
		{"osc palette", "x\x1b]4;1;rgb:aaaa/bbbb/cccc\x07y", "xy"},
		{"back to back", "\x1b[1;1R\x1b[?62c", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := filterAll(t, []byte(tc.input), len(tc.input))
			if string(got) != tc.want {
				t.Fatalf("filtered = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFilterPreservesOrdinaryOutput(t *testing.T) {
	cases := []string{
		"plain text with no escapes",
		"color \x1b[31mred\x1b[0m done",
		"title \x1b]0;my shell\x07 set",
		"cursor \x1b[10;20H moved",
		"da1 query \x1b[c and cpr query \x1b[6n pass",
		"alt screen \x1b[?1049h\x1b[?1049l",
		"lone esc \x1b at large",
		"sgr mouse \x1b[<0;10;20M",
	}
	for _, input := range cases {
		got := filterAll(t, []byte(input), len(input))
		if string(got) != input {
			t.Errorf("input %q changed to %q", input, got)
		}
	}
}

// Chunking must never change the result: filter+flush over any chunk size
// equals filtering the unchunked input.
func TestFilterChunkingInvariant(t *testing.T) {
	input := []byte("start\x1b[31mred\x1b[0m\x1b[42;7R middle \x1b]11;rgb:0000/0000/0000\x1b\\" +
		"\x1bP>|term 1.2\x1b\\ end \x1b[?64;21c tail\x1b[?2027;1$y!")
	want := filterAll(t, input, len(input))
	if bytes.Contains(want, []byte("\x1b[42;7R")) {
		t.Fatal("baseline still contains a CPR response")
	}
	for size := 1; size <= len(input); size++ {
		got := filterAll(t, input, size)
		if !bytes.Equal(got, want) {
			t.Fatalf("chunk size %d: got %q, want %q", size, got, want)
		}
	}
}

func TestFlushReturnsUnfinishedTailUnchanged(t *testing.T) {
	f := NewFilter()
	out := f.Filter([]byte("abc\x1b[12"))
	if string(out) != "abc" {
		t.Fatalf("Filter() = %q, want %q", out, "abc")
	}
	tail := f.Flush()
	if string(tail) != "\x1b[12" {
		t.Fatalf("Flush() = %q, want %q", tail, "\x1b[12")
	}
	if extra := f.Flush(); len(extra) != 0 {
		t.Fatalf("second Flush() = %q, want empty", extra)
	}
}

func TestFilterHeldTailResolvesNextChunk(t *testing.T) {
	f := NewFilter()
	var out []byte
	out = append(out, f.Filter([]byte("a\x1b[12;"))...)
	out = append(out, f.Filter([]byte("40Rb"))...)
	out = append(out, f.Flush()...)
	if string(out) != "ab" {
		t.Fatalf("got %q, want %q", out, "ab")
	}

	f = NewFilter()
	out = nil
	out = append(out, f.Filter([]byte("a\x1b[3"))...)
	out = append(out, f.Filter([]byte("1mb"))...)
	out = append(out, f.Flush()...)
	if string(out) != "a\x1b[31mb" {
		t.Fatalf("got %q, want %q", out, "a\x1b[31mb")
	}
}

func TestLastClearIndex(t *testing.T) {
	if idx := LastClearIndex([]byte("no clear here")); idx != -1 {
		t.Fatalf("LastClearIndex = %d, want -1", idx)
	}
	chunk := []byte("old\x1b[3Jfresh\x1b[3Jnewest")
	idx := LastClearIndex(chunk)
	if idx < 0 || string(chunk[idx:]) != "newest" {
		t.Fatalf("LastClearIndex = %d, tail %q", idx, chunk[idx:])
	}
}
