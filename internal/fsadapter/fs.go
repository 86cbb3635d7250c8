// Package fsadapter exposes the HDMI capture stream as a read-only FUSE
// filesystem: a single directory holding one file, hdmi_stream.ts, whose
// reads are serviced by the device streaming worker (§4.E).
package fsadapter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"it9910fs/internal/config"
	"it9910fs/internal/stream"
)

// fileName is the sole entry the mounted directory exposes.
const fileName = "hdmi_stream.ts"

// declaredSize is reported in stat(2) for the stream file. The device
// never ends its own stream, so there is no real size; a large constant
// keeps general-purpose readers from truncating at EOF heuristics.
const declaredSize = 512 << 30 // 512 GiB

// maxReadSize bounds a single Read; a caller asking for more gets ENOENT
// rather than a short read (§4.E).
const maxReadSize = 1 << 20

// fsState is the single-client state machine guarding the stream file:
// only one open is ever live at a time.
type fsState int

const (
	stateIdle fsState = iota
	stateStarting
	stateStreaming
	stateStopping
)

func (s fsState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateStreaming:
		return "streaming"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// starter is the subset of stream.Start needed here, narrowed so tests
// can substitute a fake worker without a real USB device.
type starter func(ctx context.Context, cfg config.Capture) (*stream.Worker, error)

// Root is the filesystem root. It owns the single-client state machine
// and the capture configuration every Start() handshake uses.
type Root struct {
	fs.Inode

	cfg   config.Capture
	start starter

	mu     sync.Mutex
	state  fsState
	worker *stream.Worker
}

// NewRoot builds the filesystem root for the given capture configuration.
func NewRoot(cfg config.Capture) *Root {
	return &Root{cfg: cfg, start: stream.Start}
}

var _ fs.NodeOnAdder = (*Root)(nil)

// OnAdd wires the single stream file into the static tree at mount time.
func (r *Root) OnAdd(ctx context.Context) {
	child := r.NewPersistentInode(ctx, &streamFile{root: r}, fs.StableAttr{Mode: fuse.S_IFREG})
	r.AddChild(fileName, child, false)
}

var _ fs.NodeGetattrer = (*Root)(nil)

func (r *Root) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0755
	return 0
}

// acquire transitions idle->starting, runs the device start handshake,
// and on success transitions to streaming. Any other current state, or
// a handshake failure, is rejected: the caller maps this to EIO.
func (r *Root) acquire(ctx context.Context) (*stream.Worker, error) {
	r.mu.Lock()
	if r.state != stateIdle {
		state := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("fsadapter: stream busy (state=%s)", state)
	}
	r.state = stateStarting
	r.mu.Unlock()

	w, err := r.start(ctx, r.cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = stateIdle
		return nil, err
	}
	r.state = stateStreaming
	r.worker = w
	return w, nil
}

// CurrentStats returns the counters for whichever worker currently backs
// the stream file, or nil if nothing has it open. Safe to poll from the
// diagnostics server or TUI dashboard while the stream is opened and
// released by clients.
func (r *Root) CurrentStats() *stream.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.worker == nil {
		return nil
	}
	return r.worker.Stats
}

// release tears the current worker down and returns the state machine to
// idle, regardless of how the handle got here (clean release or a
// channel error mid-read).
func (r *Root) release() {
	r.mu.Lock()
	w := r.worker
	r.state = stateStopping
	r.worker = nil
	r.mu.Unlock()

	if w != nil {
		w.Terminate()
		w.Wait()
	}

	r.mu.Lock()
	r.state = stateIdle
	r.mu.Unlock()
}

// streamFile is the inode for hdmi_stream.ts. It holds no per-read state
// itself — that lives on the streamHandle returned from Open, since the
// single-client rule still allows sequential open/release/open cycles.
type streamFile struct {
	fs.Inode
	root *Root
}

var (
	_ fs.NodeGetattrer = (*streamFile)(nil)
	_ fs.NodeOpener    = (*streamFile)(nil)
)

func (f *streamFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFREG | 0644
	out.Size = declaredSize
	return 0
}

// Open starts the device if idle, rejecting a second concurrent open
// with EIO. FOPEN_DIRECT_IO disables the kernel page cache and
// readahead: reads must reach streamHandle.Read in the exact sequential
// order the device produces them, and the declared size bears no
// relation to an actual EOF.
func (f *streamFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	w, err := f.root.acquire(ctx)
	if err != nil {
		log.Printf("fsadapter: open rejected: %v", err)
		return nil, 0, syscall.EIO
	}
	return &streamHandle{root: f.root, worker: w}, fuse.FOPEN_DIRECT_IO, 0
}

// streamHandle is the per-open file handle. It tracks the byte offset
// the next Read must match and carries the unconsumed tail of the last
// packet pulled off the worker's data channel.
type streamHandle struct {
	root   *Root
	worker *stream.Worker

	mu       sync.Mutex
	position int64
	carry    []byte
	carryPos int
	closed   bool
}

var (
	_ fs.FileReader   = (*streamHandle)(nil)
	_ fs.FileReleaser = (*streamHandle)(nil)
)

// Read enforces strictly sequential access: any offset other than the
// handle's current position is rejected with ENOENT and consumes
// nothing, as is any request larger than maxReadSize. Otherwise it fills
// dest from the carried packet remainder and, once that runs dry, the
// worker's data channel — until dest is full or the worker ends, which
// is reported as EIO and evicts the handle from further use.
func (h *streamHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, syscall.EIO
	}
	if off != h.position {
		return nil, syscall.ENOENT
	}
	if len(dest) > maxReadSize {
		return nil, syscall.ENOENT
	}

	n := 0
	for n < len(dest) {
		if h.carryPos >= len(h.carry) {
			select {
			case p, ok := <-h.worker.Data:
				if !ok {
					// The worker closes Data after its last send, and a
					// closed channel reports !ok only once every packet
					// buffered in it has been received here, so reaching
					// here means there is truly nothing left — not a race
					// against the worker merely having stopped (§5
					// ordering).
					h.closed = true
					return nil, syscall.EIO
				}
				h.carry = p
				h.carryPos = 0
			case <-ctx.Done():
				return nil, syscall.EIO
			}
		}
		copied := copy(dest[n:], h.carry[h.carryPos:])
		n += copied
		h.carryPos += copied
	}

	h.position += int64(n)
	return fuse.ReadResultData(dest[:n]), 0
}

// Release terminates the worker and discards the handle's carry state,
// returning the filesystem to idle for the next open.
func (h *streamHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	h.closed = true
	h.carry = nil
	h.mu.Unlock()

	h.root.release()
	return 0
}
