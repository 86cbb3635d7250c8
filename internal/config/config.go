// Package config holds the capture parameters supplied once at startup and
// shared, read-only, by the device controller and streaming pipeline.
package config

import "fmt"

// Capture describes the encoder parameters the device controller pushes
// into the hardware during the start handshake. Immutable once constructed.
type Capture struct {
	Width       uint32
	Height      uint32
	FPS         uint32
	BitrateKbps uint32
	AudioSrc    uint32
	VideoSrc    uint32
	Brightness  int32
	Contrast    int32
	Hue         int32
	Saturation  int32
}

// Default mirrors the CLI defaults (§6).
func Default() Capture {
	return Capture{
		Width:       1920,
		Height:      1080,
		FPS:         25,
		BitrateKbps: 20000,
		AudioSrc:    2,
		VideoSrc:    4,
		Brightness:  0,
		Contrast:    100,
		Hue:         0,
		Saturation:  100,
	}
}

// Validate checks the ranges in §6. It does not second-guess
// width/height/fps against the set of values a particular device model
// actually supports — the device itself is the authority there and will
// reject an unsupported combination during the handshake.
func (c Capture) Validate() error {
	if c.BitrateKbps < 2000 || c.BitrateKbps > 52000 {
		return fmt.Errorf("bitrate %d kbps out of range [2000,52000]", c.BitrateKbps)
	}
	if c.Brightness < -100 || c.Brightness > 100 {
		return fmt.Errorf("brightness %d out of range [-100,100]", c.Brightness)
	}
	if c.Contrast < 0 || c.Contrast > 1000 {
		return fmt.Errorf("contrast %d out of range [0,1000]", c.Contrast)
	}
	if c.Hue < 0 || c.Hue > 360 {
		return fmt.Errorf("hue %d out of range [0,360]", c.Hue)
	}
	if c.Saturation < 0 || c.Saturation > 1000 {
		return fmt.Errorf("saturation %d out of range [0,1000]", c.Saturation)
	}
	return nil
}
