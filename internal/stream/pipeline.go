// Package stream runs the streaming worker: a dedicated goroutine that
// owns one USB session for the lifetime of a mounted file handle, drives
// the device controller's start/stop handshakes, and hands bulk-read
// packets to the filesystem over a bounded channel.
package stream

import (
	"context"
	"fmt"
	"hash"
	"log"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"it9910fs/internal/config"
	"it9910fs/internal/devicectl"
	"it9910fs/internal/protocol"
	"it9910fs/internal/usbsession"
)

// packetSize is the fixed-size buffer each data-endpoint bulk read fills;
// a read returning fewer bytes than this ends the current inner burst
// (§4.D step 3a).
const packetSize = 16 * 1024

// queueCapacity bounds the packet channel: ~1 MiB of buffered data. When
// full, the worker blocks on send — the device stalls its own encoder
// output, which is the intended backpressure (§4.D).
const queueCapacity = 64

// checksumEvery controls how often the worker logs the rolling
// diagnostic blake2b digest (SPEC_FULL.md §4.D diagnostics).
const checksumEvery = 256

// controller is the subset of *devicectl.Controller the worker loop
// needs, narrowed for testability against a fake device.
type controller interface {
	Start(ctx context.Context, cfg config.Capture) error
	Stop(ctx context.Context) error
	ReadChunk(ctx context.Context, buf []byte) (int, error)
}

// Stats are the atomically-updated counters the diagnostics server and
// TUI dashboard read without touching the hot streaming path.
type Stats struct {
	Packets    atomic.Uint64
	Bytes      atomic.Uint64
	lastDigest atomic.Pointer[string]
}

// LastDigestHex returns the most recently logged rolling blake2b-256
// digest as hex, or "" if none has been computed yet.
func (s *Stats) LastDigestHex() string {
	if p := s.lastDigest.Load(); p != nil {
		return *p
	}
	return ""
}

// Worker represents one running streaming session: a data channel, a
// termination trigger, and a completion signal.
type Worker struct {
	Data      <-chan []byte
	terminate chan struct{}
	ended     chan struct{}
	Stats     *Stats
}

// Terminate requests the worker stop. It never blocks; a call made while
// an earlier request is still pending does nothing.
func (w *Worker) Terminate() {
	select {
	case w.terminate <- struct{}{}:
	default:
	}
}

// Wait blocks until the worker has run stop() and exited.
func (w *Worker) Wait() {
	<-w.ended
}

// NewWorkerForTest builds a Worker around an externally-controlled data
// channel, for use by other packages' tests (fsadapter in particular)
// that need a Worker without driving a real USB session.
func NewWorkerForTest(data chan []byte) *Worker {
	return &Worker{
		Data:      data,
		terminate: make(chan struct{}, 1),
		ended:     make(chan struct{}),
		Stats:     &Stats{},
	}
}

// SetEndedForTest closes the worker's ended channel, simulating the
// worker goroutine having already exited. For use by other packages'
// tests.
func (w *Worker) SetEndedForTest() {
	select {
	case <-w.ended:
	default:
		close(w.ended)
	}
}

// Start opens a fresh USB session, runs the device controller's start
// handshake synchronously, and — only once that succeeds — spawns the
// background worker goroutine. A failure during the handshake closes the
// session and returns the error without starting anything, matching
// §4.D's "construct controller, run start(config)" ordering.
func Start(ctx context.Context, cfg config.Capture) (*Worker, error) {
	sess, err := usbsession.Open()
	if err != nil {
		return nil, fmt.Errorf("stream: open usb session: %w", err)
	}

	codec := protocol.NewCodec(sess.Endpoints.CmdWrite, sess.Endpoints.CmdRead)
	ctrl := devicectl.New(codec, sess.Endpoints.DataRead)

	if err := ctrl.Start(ctx, cfg); err != nil {
		sess.Close()
		return nil, fmt.Errorf("stream: device start handshake: %w", err)
	}

	w := &Worker{
		terminate: make(chan struct{}, 1),
		ended:     make(chan struct{}),
		Stats:     &Stats{},
	}
	data := make(chan []byte, queueCapacity)
	w.Data = data

	go run(ctrl, sess.Close, data, w.terminate, w.ended, w.Stats)

	return w, nil
}

// run is the worker's main loop (§4.D step 3): it repeatedly reads
// packets off the data endpoint and publishes them, checking for
// termination only between inner bursts — and, since a blocked packet
// send and a termination request can race, also while waiting to publish
// a packet — then always runs stop() and signals ended before returning.
//
// data is closed once the loop exits, after the last successful send, so
// a consumer draining it via the "ok" flag always sees every packet the
// worker actually published before observing the channel's end — closing
// ended alone would let a consumer racing Data against Done discard
// buffered, already-produced packets (§5 ordering).
func run(ctrl controller, closeSession func(), data chan<- []byte, terminate <-chan struct{}, ended chan<- struct{}, stats *Stats) {
	defer func() {
		if err := ctrl.Stop(context.Background()); err != nil {
			log.Printf("stream: stop handshake failed: %v", err)
		}
		closeSession()
		close(data)
		close(ended)
	}()

	ctx := context.Background()
	checksum, _ := blake2b.New256(nil)

outer:
	for {
		for {
			buf := make([]byte, packetSize)
			n, err := ctrl.ReadChunk(ctx, buf)
			if err != nil {
				log.Printf("stream: read_chunk failed, ending stream: %v", err)
				break outer
			}
			packet := buf[:n]

			select {
			case data <- packet:
			case <-terminate:
				break outer
			}

			count := stats.Packets.Add(1)
			stats.Bytes.Add(uint64(n))
			logChecksum(checksum, packet, count, stats)

			if n < packetSize {
				break
			}
		}

		select {
		case <-terminate:
			break outer
		default:
		}
	}
}

// logChecksum folds packet into the running diagnostic digest and, every
// checksumEvery packets, logs it. Never on the hot path in a way that
// could block: hashing happens after the packet has already been handed
// to the consumer.
func logChecksum(h hash.Hash, packet []byte, packetCount uint64, stats *Stats) {
	h.Write(packet)
	if packetCount%checksumEvery != 0 {
		return
	}
	digest := fmt.Sprintf("%x", h.Sum(nil))
	stats.lastDigest.Store(&digest)
	log.Printf("stream: rolling blake2b-256 after %d packets: %s", packetCount, digest)
}
