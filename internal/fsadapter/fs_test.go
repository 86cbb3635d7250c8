package fsadapter

import (
	"context"
	"syscall"
	"testing"

	"it9910fs/internal/config"
	"it9910fs/internal/stream"
)

// newTestWorker builds a *stream.Worker backed by a channel the test
// controls directly, without going through stream.Start's USB plumbing.
func newTestWorker(data chan []byte) *stream.Worker {
	return stream.NewWorkerForTest(data)
}

func TestOpenRejectsSecondConcurrentOpen(t *testing.T) {
	data := make(chan []byte, 4)
	calls := 0
	root := &Root{
		cfg: config.Default(),
		start: func(ctx context.Context, cfg config.Capture) (*stream.Worker, error) {
			calls++
			return newTestWorker(data), nil
		},
	}

	file := &streamFile{root: root}

	_, _, errno := file.Open(context.Background(), 0)
	if errno != 0 {
		t.Fatalf("first open errno = %v, want 0", errno)
	}
	if calls != 1 {
		t.Fatalf("start called %d times, want 1", calls)
	}

	_, _, errno = file.Open(context.Background(), 0)
	if errno != syscall.EIO {
		t.Fatalf("second open errno = %v, want EIO", errno)
	}
	if calls != 1 {
		t.Fatalf("start called %d times after rejected open, want still 1", calls)
	}
}

func TestReadEnforcesSequentialOffset(t *testing.T) {
	data := make(chan []byte, 4)
	data <- []byte("0123456789")
	h := &streamHandle{root: &Root{}, worker: newTestWorker(data)}

	buf := make([]byte, 5)
	res, errno := h.Read(context.Background(), buf, 0)
	if errno != 0 {
		t.Fatalf("Read errno = %v, want 0", errno)
	}
	out, _ := res.Bytes(nil)
	if string(out) != "01234" {
		t.Fatalf("Read got %q, want %q", out, "01234")
	}
	if h.position != 5 {
		t.Fatalf("position = %d, want 5", h.position)
	}

	// Wrong offset: rejected, nothing consumed.
	_, errno = h.Read(context.Background(), buf, 0)
	if errno != syscall.ENOENT {
		t.Fatalf("stale-offset read errno = %v, want ENOENT", errno)
	}
	if h.position != 5 {
		t.Fatalf("position changed after rejected read: %d", h.position)
	}

	// Correct next offset continues consuming the carried remainder.
	res, errno = h.Read(context.Background(), buf, 5)
	if errno != 0 {
		t.Fatalf("Read errno = %v, want 0", errno)
	}
	out, _ = res.Bytes(nil)
	if string(out) != "56789" {
		t.Fatalf("Read got %q, want %q", out, "56789")
	}
}

func TestReadRejectsOversizedRequest(t *testing.T) {
	data := make(chan []byte, 1)
	h := &streamHandle{root: &Root{}, worker: newTestWorker(data)}

	buf := make([]byte, maxReadSize+1)
	_, errno := h.Read(context.Background(), buf, 0)
	if errno != syscall.ENOENT {
		t.Fatalf("oversized read errno = %v, want ENOENT", errno)
	}
}

func TestReadSpansMultiplePackets(t *testing.T) {
	data := make(chan []byte, 4)
	data <- []byte("abc")
	data <- []byte("defgh")
	h := &streamHandle{root: &Root{}, worker: newTestWorker(data)}

	buf := make([]byte, 6)
	res, errno := h.Read(context.Background(), buf, 0)
	if errno != 0 {
		t.Fatalf("Read errno = %v, want 0", errno)
	}
	out, _ := res.Bytes(nil)
	if string(out) != "abcdef" {
		t.Fatalf("Read got %q, want %q", out, "abcdef")
	}
	if h.carryPos != 3 || string(h.carry) != "defgh" {
		t.Fatalf("carry state = pos %d, buf %q", h.carryPos, h.carry)
	}
}

func TestReadReturnsEIOWhenWorkerEnds(t *testing.T) {
	// The worker signals "nothing left, ever" by closing Data itself,
	// after draining every packet it published — not via a separate
	// completion channel, which would race against still-buffered
	// packets (§5 ordering).
	data := make(chan []byte)
	close(data)
	w := newTestWorker(data)

	h := &streamHandle{root: &Root{}, worker: w}
	buf := make([]byte, 4)
	_, errno := h.Read(context.Background(), buf, 0)
	if errno != syscall.EIO {
		t.Fatalf("Read errno = %v, want EIO", errno)
	}
	if !h.closed {
		t.Error("expected handle to be marked closed after worker ended")
	}
}

func TestReadDrainsBufferedPacketsBeforeEOF(t *testing.T) {
	// Even though the worker has already ended (Data is closed), packets
	// still sitting in the buffer are delivered to the reads they fill
	// before Read reports EIO. A read that the closed channel cuts short
	// reports EIO and does not return the bytes it had copied.
	data := make(chan []byte, 2)
	data <- []byte("abc")
	data <- []byte("def")
	close(data)
	h := &streamHandle{root: &Root{}, worker: newTestWorker(data)}

	buf := make([]byte, 6)
	res, errno := h.Read(context.Background(), buf, 0)
	if errno != 0 {
		t.Fatalf("Read errno = %v, want 0", errno)
	}
	out, _ := res.Bytes(nil)
	if string(out) != "abcdef" {
		t.Fatalf("Read got %q, want %q", out, "abcdef")
	}

	_, errno = h.Read(context.Background(), buf, 6)
	if errno != syscall.EIO {
		t.Fatalf("Read errno = %v, want EIO once buffered packets are drained", errno)
	}
}

func TestAcquireReleaseCycleReturnsToIdle(t *testing.T) {
	data := make(chan []byte, 1)
	root := &Root{
		cfg: config.Default(),
		start: func(ctx context.Context, cfg config.Capture) (*stream.Worker, error) {
			return newTestWorker(data), nil
		},
	}

	w, err := root.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if root.state != stateStreaming {
		t.Fatalf("state = %v, want streaming", root.state)
	}

	w.SetEndedForTest()
	root.release()

	if root.state != stateIdle {
		t.Fatalf("state after release = %v, want idle", root.state)
	}
	if root.worker != nil {
		t.Fatal("expected worker to be cleared after release")
	}
}
