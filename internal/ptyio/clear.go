package ptyio

import (
	"bytes"

	"github.com/charmbracelet/x/ansi"
)

// eraseScrollback is the ED(3) control sequence terminals use to clear
// saved lines. Seeing it means the transcript so far is stale.
var eraseScrollback = []byte{ansi.ESC, '[', '3', 'J'}

// LastClearIndex returns the offset just past the last clear-scrollback
// sequence in chunk, or -1 when none is present. This is a hard reset
// signal, so unlike the response filter it does not buffer partial
// sequences across chunks.
func LastClearIndex(chunk []byte) int {
	idx := bytes.LastIndex(chunk, eraseScrollback)
	if idx < 0 {
		return -1
	}
	return idx + len(eraseScrollback)
}
