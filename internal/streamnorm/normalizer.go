// Package streamnorm implements the Stream Normalizer (C3): an
// ANSI-aware incremental state machine that turns a raw PTY byte stream
// into a lazy sequence of logical lines suitable for protocol parsing.
//
// Rather than hand-rolling a CSI/OSC/SS3 interpreter, raw bytes are fed
// into an off-screen vt10x virtual terminal with a tall, periodically
// recycled grid and completed rows are read back out as they fall behind
// the cursor. This
// lets a battle-tested emulator own cursor motion, line erasure, and
// color-code handling.
package streamnorm

import (
	"bytes"
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// DefaultCols is the virtual terminal's column width. Agents rendering
// wider output will wrap, which is acceptable for line-oriented protocol
// parsing (the fenced wire format never spans meaningfully past this).
const DefaultCols = 220

// DefaultRows is the virtual terminal's height. The grid is recycled with
// the partial tail carried over well before the cursor can reach the
// bottom, so this bounds memory per session rather than total output.
const DefaultRows = 512

// Normalizer converts a raw byte stream into logical lines.
type Normalizer struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int

	// nextRow is the first row not yet emitted as a completed line.
	nextRow int

	// overflowed records that the grid filled up and was recycled, so
	// some output may never have been surfaced as lines.
	overflowed bool
}

// New constructs a Normalizer with the given virtual terminal dimensions.
func New(cols, rows int) *Normalizer {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &Normalizer{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds raw bytes (including ANSI control sequences) into the
// emulator and returns any logical lines that became stable as a result,
// in order. A partial trailing line remains queued for a future Write or
// a subsequent Reset.
func (n *Normalizer) Write(data []byte) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	// vt10x treats a bare LF as a pure line feed that keeps the cursor
	// column; a lone "\n" is a line boundary here, so pair it with a CR.
	_, _ = n.term.Write(bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n")))
	cursor := n.term.Cursor()
	if cursor.Y >= n.rows-1 {
		// A single write ran the grid to the bottom: the emulator has
		// started scrolling, so rows may have been lost before they
		// could be drained.
		n.overflowed = true
	}
	lines := n.drainStableLinesLocked()

	if cursor.Y >= n.rows-recycleSlack(n.rows) {
		// Recycle the grid before the cursor can reach the bottom,
		// carrying the partial tail row into the fresh emulator.
		tail := n.readRowLocked(cursor.Y)
		n.term = vt10x.New(vt10x.WithSize(n.cols, n.rows))
		n.nextRow = 0
		if tail != "" {
			_, _ = n.term.Write([]byte(tail))
		}
	}
	return lines
}

// recycleSlack is the number of rows kept free at the bottom of the grid;
// a single PTY read never produces more lines than this unless the output
// is a torrent of near-empty lines, which is the overflow case.
func recycleSlack(rows int) int {
	if rows/2 < 64 {
		return rows / 2
	}
	return 64
}

// TakeOverflow reports whether output was dropped since the last call,
// clearing the flag.
func (n *Normalizer) TakeOverflow() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.overflowed
	n.overflowed = false
	return v
}

// drainStableLinesLocked emits every row strictly above the cursor's
// current row that has not yet been emitted. Rows at or below the cursor
// are still being written to and are never emitted until the cursor
// advances past them.
func (n *Normalizer) drainStableLinesLocked() []string {
	cursor := n.term.Cursor()
	var lines []string
	for n.nextRow < cursor.Y && n.nextRow < n.rows {
		lines = append(lines, n.readRowLocked(n.nextRow))
		n.nextRow++
	}
	return lines
}

func (n *Normalizer) readRowLocked(row int) string {
	chars := make([]rune, n.cols)
	for col := 0; col < n.cols; col++ {
		g := n.term.Cell(col, row)
		if g.Char == 0 {
			chars[col] = ' '
		} else {
			chars[col] = g.Char
		}
	}
	return strings.TrimRight(string(chars), " ")
}

// Flush forces the emulator's current (not-yet-newline-terminated) row to
// be returned as a logical line, useful when a caller needs every byte
// accounted for before tearing the session down. It does not advance
// nextRow past the cursor row permanently — a subsequent Reset is still
// expected.
func (n *Normalizer) Flush() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	cursor := n.term.Cursor()
	if n.nextRow > cursor.Y {
		return ""
	}
	return n.readRowLocked(cursor.Y)
}

// Reset re-creates the emulator state cheaply. Used after injecting a
// message into the session's input to avoid confusing in-band parsing
// with echoed injection bytes.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.term = vt10x.New(vt10x.WithSize(n.cols, n.rows))
	n.nextRow = 0
	n.overflowed = false
}

// Resize updates the virtual terminal dimensions to track a PTY resize.
func (n *Normalizer) Resize(cols, rows int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rows < n.rows {
		// never shrink below what we might still need to drain
		rows = n.rows
	}
	n.term.Resize(cols, rows)
	n.cols = cols
	n.rows = rows
}
