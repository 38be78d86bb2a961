package ptysession

import (
	"testing"
	"time"
)

func TestOpenWriteReadClose(t *testing.T) {
	sess, err := Open("/bin/cat", nil, nil, "", Size{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	if _, err := sess.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 64)
	_ = sess.Resize(100, 30)

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) && len(got) < len("hello\r\n") {
		n, err := sess.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	if len(got) == 0 {
		t.Fatal("expected echoed output, got none")
	}
}

func TestOpenSpawnFailure(t *testing.T) {
	_, err := Open("/no/such/binary-xyz", nil, nil, "", Size{Cols: 80, Rows: 24})
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	var spawnErr *SpawnFailedError
	if !asSpawnFailed(err, &spawnErr) {
		t.Fatalf("expected SpawnFailedError, got %T: %v", err, err)
	}
}

func asSpawnFailed(err error, target **SpawnFailedError) bool {
	if e, ok := err.(*SpawnFailedError); ok {
		*target = e
		return true
	}
	return false
}

func TestCloseIdempotent(t *testing.T) {
	sess, err := Open("/bin/cat", nil, nil, "", Size{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}
