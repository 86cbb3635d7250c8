// Package protocol implements the framed little-endian command/response
// protocol the IT9910 grabber speaks over its two command bulk endpoints:
// header layout, the monotonic correlation counter, and the bulk
// write/read round trip with timeouts.
package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// HeaderSize is the fixed 16-byte header every request and response
	// frame carries ahead of its payload.
	HeaderSize = 16

	// CorrelationPrefix is OR'd with the session counter to build the
	// correlation tag embedded in every request.
	CorrelationPrefix = 0x99100000

	// maxResponseSize bounds the bulk read performed for a command
	// response.
	maxResponseSize = 512

	writeTimeout = 5 * time.Second
	readTimeout  = 5 * time.Second
)

// BulkEndpoint is the subset of gousb's InEndpoint/OutEndpoint this
// package needs, narrowed so the codec can be tested against a fake
// transport without touching real USB hardware.
type BulkEndpoint interface {
	WriteContext(ctx context.Context, data []byte) (int, error)
}

// BulkInEndpoint is the read side of the command channel.
type BulkInEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// DeviceError wraps a negative result code returned in a response header,
// per §4.B step 5.
type DeviceError struct {
	Code int32
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("protocol: device returned error code %d", e.Code)
}

// Codec frames requests and parses responses over a pair of bulk
// endpoints, maintaining the monotonic correlation counter described in
// §3. A Codec is not safe for concurrent use — the device controller
// serializes all command traffic through a single codec instance.
type Codec struct {
	write   BulkEndpoint
	read    BulkInEndpoint
	counter uint32
}

// NewCodec builds a Codec over the given command bulk endpoints. The
// counter always starts at 0, per §3.
func NewCodec(write BulkEndpoint, read BulkInEndpoint) *Codec {
	return &Codec{write: write, read: read}
}

// Counter reports the next correlation tag's low 32 bits that will be
// used, i.e. the number of successful sends so far.
func (c *Codec) Counter() uint32 {
	return c.counter
}

// SendCommand frames buf as a request (stamping bytes 0..16 with length,
// commandID, subcommandID, and the correlation tag), bulk-writes it,
// bulk-reads the response, and validates the response's result code.
//
// buf must already have its payload (bytes 16..) filled in by the caller;
// SendCommand only ever writes to bytes 0..16.
func (c *Codec) SendCommand(ctx context.Context, buf []byte, commandID, subcommandID uint32) ([]byte, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("protocol: frame too small: %d bytes", len(buf))
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], commandID)
	binary.LittleEndian.PutUint32(buf[8:12], subcommandID)
	binary.LittleEndian.PutUint32(buf[12:16], CorrelationPrefix|c.counter)

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := c.write.WriteContext(writeCtx, buf); err != nil {
		return nil, fmt.Errorf("protocol: bulk write: %w", err)
	}
	c.counter++

	resp := make([]byte, maxResponseSize)
	readCtx, cancel2 := context.WithTimeout(ctx, readTimeout)
	defer cancel2()
	n, err := c.read.ReadContext(readCtx, resp)
	if err != nil {
		return nil, fmt.Errorf("protocol: bulk read: %w", err)
	}
	resp = resp[:n]

	if len(resp) < HeaderSize {
		return nil, fmt.Errorf("protocol: response too short: %d bytes", len(resp))
	}
	result := int32(binary.LittleEndian.Uint32(resp[12:16]))
	if result < 0 {
		return nil, &DeviceError{Code: result}
	}

	return resp, nil
}

// ReadLE32 reads a little-endian uint32 at off in buf. A convenience used
// throughout the device controller to pick fields out of response
// payloads.
func ReadLE32(buf []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(buf[off : off+4])
}

// ReadLE32Signed reads a little-endian int32 at off in buf.
func ReadLE32Signed(buf []byte, off int) int32 {
	return int32(ReadLE32(buf, off))
}

// WriteLE32 writes v as little-endian into buf at off.
func WriteLE32(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], v)
}

// WriteLE32Signed writes v as little-endian into buf at off.
func WriteLE32Signed(buf []byte, off int, v int32) {
	WriteLE32(buf, off, uint32(v))
}
