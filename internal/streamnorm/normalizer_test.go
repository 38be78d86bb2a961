package streamnorm

import "testing"

func TestWriteEmitsCompletedLines(t *testing.T) {
	n := New(40, 10)
	lines := n.Write([]byte("hello\nworld\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 completed lines, got %d: %v", len(lines), lines)
	}
	if lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestPartialLineRetainedAcrossWrites(t *testing.T) {
	n := New(40, 10)
	lines := n.Write([]byte("partial"))
	if len(lines) != 0 {
		t.Fatalf("expected no completed lines for partial write, got %v", lines)
	}
	lines = n.Write([]byte(" line\n"))
	if len(lines) != 1 || lines[0] != "partial line" {
		t.Fatalf("expected completed 'partial line', got %v", lines)
	}
}

func TestSplitInvariant(t *testing.T) {
	whole := New(40, 10)
	wholeLines := whole.Write([]byte("one\ntwo\nthree\n"))

	split := New(40, 10)
	var splitLines []string
	splitLines = append(splitLines, split.Write([]byte("one\ntw"))...)
	splitLines = append(splitLines, split.Write([]byte("o\nthr"))...)
	splitLines = append(splitLines, split.Write([]byte("ee\n"))...)

	if len(wholeLines) != len(splitLines) {
		t.Fatalf("split invariant violated: whole=%v split=%v", wholeLines, splitLines)
	}
	for i := range wholeLines {
		if wholeLines[i] != splitLines[i] {
			t.Fatalf("split invariant violated at %d: whole=%q split=%q", i, wholeLines[i], splitLines[i])
		}
	}
}

func TestOverflowSignaledWhenSingleWriteScrolls(t *testing.T) {
	n := New(40, 4)
	n.Write([]byte("a\nb\nc\nd\ne\nf\n"))
	if !n.TakeOverflow() {
		t.Fatal("expected overflow after a write that scrolls the grid")
	}
	if n.TakeOverflow() {
		t.Fatal("expected overflow flag cleared after take")
	}
}

func TestNoOverflowAcrossManySmallWrites(t *testing.T) {
	n := New(40, 8)
	var got int
	for i := 0; i < 100; i++ {
		got += len(n.Write([]byte("line\n")))
	}
	if n.TakeOverflow() {
		t.Fatal("grid recycling must not report overflow for paced output")
	}
	if got != 100 {
		t.Fatalf("expected all 100 lines emitted, got %d", got)
	}
}

func TestResetClearsState(t *testing.T) {
	n := New(40, 10)
	n.Write([]byte("before\n"))
	n.Reset()
	lines := n.Write([]byte("after\n"))
	if len(lines) != 1 || lines[0] != "after" {
		t.Fatalf("expected only post-reset line, got %v", lines)
	}
}
