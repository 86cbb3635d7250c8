// Package devicectl sequences the IT9910 grabber's startup and teardown
// handshakes over a protocol.Codec, and performs the plain bulk reads that
// pull encoded MPEG-TS data off the device once streaming.
package devicectl

import (
	"context"
	"fmt"
	"time"

	"it9910fs/internal/config"
	"it9910fs/internal/protocol"
)

// Command ids and payload magic constants from §6. 0x9910F001 (debug query
// time) is part of the device's command catalog but has no role in the
// start/stop handshakes this controller sequences, so it is not declared
// here.
const (
	cmdHWGrabber  = 0x9910F002
	cmdSetState   = 0x99100002
	cmdSource     = 0x99100003
	cmdBrightness = 0x99100101
	cmdContrast   = 0x99100102
	cmdHue        = 0x99100103
	cmdSaturation = 0x99100104
	cmdPCGrabber  = 0x9910E001

	pcGrabberKey     = 0x38384001
	pcGrabberSlotKey = 0x38382008

	subGet = 1
	subSet = 2
)

// numSlots is the number of capture configuration rows the device
// requires before it will transition to the streaming state (§4.C step 5).
// Treated as load-bearing, not configurable.
const numSlots = 35

const pollInterval = 500 * time.Millisecond

// dataReadTimeout bounds each bulk read on the data endpoint (§4.C
// read_chunk).
const dataReadTimeout = 10 * time.Second

// DataEndpoint is the subset of gousb.InEndpoint read_chunk needs.
type DataEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// Controller sequences the start/stop handshakes and performs data reads.
// Not safe for concurrent use; the streaming pipeline owns one Controller
// exclusively for the lifetime of a single worker run.
type Controller struct {
	codec    *protocol.Codec
	data     DataEndpoint
	deviceModel int32
}

// New builds a Controller over an already-established command codec and
// data endpoint.
func New(codec *protocol.Codec, data DataEndpoint) *Controller {
	return &Controller{codec: codec, data: data}
}

// DeviceModel reports the model derived during Start's hardware
// identification step. Only meaningful after a successful Start.
func (c *Controller) DeviceModel() int32 {
	return c.deviceModel
}

// Start runs the full startup handshake in the strict order §4.C
// requires: every step must succeed or Start aborts immediately, issuing
// no further commands.
func (c *Controller) Start(ctx context.Context, cfg config.Capture) error {
	if err := c.setPCGrabber(ctx, 1); err != nil {
		return fmt.Errorf("devicectl: enable pc grabber: %w", err)
	}

	for {
		ready, err := c.getPCGrabber(ctx)
		if err != nil {
			return fmt.Errorf("devicectl: poll pc grabber: %w", err)
		}
		if ready > 0 {
			break
		}
		time.Sleep(pollInterval)
	}

	model, err := c.getHWGrabber(ctx)
	if err != nil {
		return fmt.Errorf("devicectl: identify hardware: %w", err)
	}
	c.deviceModel = model

	if model == 2 {
		if err := c.setSource(ctx, cfg.AudioSrc, cfg.VideoSrc); err != nil {
			return fmt.Errorf("devicectl: set source: %w", err)
		}
	}

	for i := uint32(0); i < numSlots; i++ {
		if err := c.setPCGrabberSlot(ctx, model, i, cfg); err != nil {
			return fmt.Errorf("devicectl: configure slot %d: %w", i, err)
		}
	}

	if err := c.setPicture(ctx, cmdBrightness, cfg.Brightness); err != nil {
		return fmt.Errorf("devicectl: set brightness: %w", err)
	}
	if err := c.setPicture(ctx, cmdContrast, cfg.Contrast); err != nil {
		return fmt.Errorf("devicectl: set contrast: %w", err)
	}
	if err := c.setPicture(ctx, cmdHue, cfg.Hue); err != nil {
		return fmt.Errorf("devicectl: set hue: %w", err)
	}
	if err := c.setPicture(ctx, cmdSaturation, cfg.Saturation); err != nil {
		return fmt.Errorf("devicectl: set saturation: %w", err)
	}

	if err := c.setState(ctx, 2); err != nil {
		return fmt.Errorf("devicectl: enter streaming state: %w", err)
	}

	return nil
}

// Stop runs the teardown handshake (§4.C stop sequence). Best-effort in
// the sense that the caller typically runs it unconditionally on the way
// out, but each step's error is still surfaced so the caller can log it.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.setState(ctx, 0); err != nil {
		return fmt.Errorf("devicectl: set state idle: %w", err)
	}
	if err := c.setPCGrabber(ctx, 0); err != nil {
		return fmt.Errorf("devicectl: disable pc grabber: %w", err)
	}
	for {
		v, err := c.getPCGrabber(ctx)
		if err != nil {
			return fmt.Errorf("devicectl: poll pc grabber idle: %w", err)
		}
		if v == 0 {
			break
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// ReadChunk performs one bulk read on the data endpoint into buf with a
// 10-second timeout and returns the number of bytes read. No decoding, no
// internal buffering — the caller owns framing the result into packets.
func (c *Controller) ReadChunk(ctx context.Context, buf []byte) (int, error) {
	readCtx, cancel := context.WithTimeout(ctx, dataReadTimeout)
	defer cancel()
	n, err := c.data.ReadContext(readCtx, buf)
	if err != nil {
		return 0, fmt.Errorf("devicectl: read data chunk: %w", err)
	}
	return n, nil
}

func (c *Controller) setPCGrabber(ctx context.Context, start int32) error {
	buf := make([]byte, 16+4*3)
	protocol.WriteLE32(buf, 16, pcGrabberKey)
	protocol.WriteLE32Signed(buf, 24, start)
	_, err := c.codec.SendCommand(ctx, buf, cmdPCGrabber, subSet)
	return err
}

func (c *Controller) getPCGrabber(ctx context.Context) (int32, error) {
	buf := make([]byte, 16+4*3)
	protocol.WriteLE32(buf, 16, pcGrabberKey)
	resp, err := c.codec.SendCommand(ctx, buf, cmdPCGrabber, subGet)
	if err != nil {
		return 0, err
	}
	return protocol.ReadLE32Signed(resp, 24), nil
}

func (c *Controller) getHWGrabber(ctx context.Context) (int32, error) {
	buf := make([]byte, 16+4*35+2)
	protocol.WriteLE32(buf, 16, 8)
	resp, err := c.codec.SendCommand(ctx, buf, cmdHWGrabber, subGet)
	if err != nil {
		return 0, err
	}
	return deviceModelFromByte(resp[31]), nil
}

// deviceModelFromByte derives the device model from byte 31 of the
// hardware-identification response, per §3: 0x17->0, 0x27->1, 0x37->2,
// 0x00->2, anything else->2.
func deviceModelFromByte(b byte) int32 {
	switch b {
	case 0x17:
		return 0
	case 0x27:
		return 1
	case 0x37:
		return 2
	case 0x00:
		return 2
	default:
		return 2
	}
}

func (c *Controller) setSource(ctx context.Context, audioSrc, videoSrc uint32) error {
	buf := make([]byte, 16+4*2)
	protocol.WriteLE32(buf, 16, audioSrc)
	protocol.WriteLE32(buf, 20, videoSrc)
	_, err := c.codec.SendCommand(ctx, buf, cmdSource, subSet)
	return err
}

func (c *Controller) setPCGrabberSlot(ctx context.Context, model int32, slot uint32, cfg config.Capture) error {
	buf := make([]byte, 16+4*15)
	protocol.WriteLE32(buf, 16, pcGrabberSlotKey)
	if model == 2 {
		protocol.WriteLE32(buf, 24, 4)
	} else {
		protocol.WriteLE32(buf, 24, 5)
	}
	protocol.WriteLE32(buf, 28, slot)
	protocol.WriteLE32(buf, 32, 15)
	protocol.WriteLE32(buf, 36, cfg.Width)
	protocol.WriteLE32(buf, 40, cfg.Height)
	protocol.WriteLE32(buf, 44, cfg.BitrateKbps)
	protocol.WriteLE32(buf, 56, cfg.FPS)
	_, err := c.codec.SendCommand(ctx, buf, cmdPCGrabber, subSet)
	return err
}

func (c *Controller) setPicture(ctx context.Context, commandID uint32, value int32) error {
	buf := make([]byte, 16+4*2)
	protocol.WriteLE32Signed(buf, 16, 0)
	protocol.WriteLE32Signed(buf, 20, value)
	_, err := c.codec.SendCommand(ctx, buf, commandID, subSet)
	return err
}

func (c *Controller) setState(ctx context.Context, state uint32) error {
	buf := make([]byte, 16+4)
	protocol.WriteLE32(buf, 16, state)
	_, err := c.codec.SendCommand(ctx, buf, cmdSetState, subSet)
	return err
}
