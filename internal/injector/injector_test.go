package injector

import (
	"errors"
	"strings"
	"testing"
)

type recordingWriter struct {
	written []byte
	err     error
}

func (w *recordingWriter) Write(data []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.written = append(w.written, data...)
	return len(data), nil
}

func TestRenderWrapsWithProvenance(t *testing.T) {
	out := Render("Alice", "d1", "", "hello", false)
	if !strings.HasPrefix(out, envelopeOpen) {
		t.Fatalf("expected envelope open prefix, got %q", out)
	}
	if !strings.Contains(out, "Relay message from Alice [d1]: hello") {
		t.Fatalf("missing provenance header: %q", out)
	}
	if !strings.HasSuffix(out, envelopeClose+"\n") {
		t.Fatalf("expected trailing newline after envelope close, got %q", out)
	}
}

func TestRenderChannelVariant(t *testing.T) {
	out := Render("Alice", "d1", "team", "go", false)
	if !strings.Contains(out, "[d1] [#team]:") {
		t.Fatalf("expected channel tag in header: %q", out)
	}
}

func TestRenderDoubleWrapGuard(t *testing.T) {
	already := envelopeOpen + "\nalready wrapped\n" + envelopeClose
	out := Render("Alice", "d1", "", already, false)
	if out != already {
		t.Fatalf("expected passthrough for already-wrapped body, got %q", out)
	}
}

func TestInjectSuccess(t *testing.T) {
	w := &recordingWriter{}
	result := Inject(w, "Alice", "d1", "", "hello", false, nil)
	if !result.Injected {
		t.Fatalf("expected injected, got %+v", result)
	}
	if len(w.written) == 0 {
		t.Fatal("expected bytes written")
	}
}

func TestInjectCancelled(t *testing.T) {
	w := &recordingWriter{}
	cancelled := make(chan struct{})
	close(cancelled)
	result := Inject(w, "Alice", "d1", "", "hello", false, cancelled)
	if result.Injected || result.Reason != "cancelled" {
		t.Fatalf("expected cancelled result, got %+v", result)
	}
	if len(w.written) != 0 {
		t.Fatal("expected no write on cancellation")
	}
}

func TestInjectWriteFailure(t *testing.T) {
	w := &recordingWriter{err: errors.New("boom")}
	result := Inject(w, "Alice", "d1", "", "hello", false, nil)
	if result.Injected {
		t.Fatal("expected failure result")
	}
}
