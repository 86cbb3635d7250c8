// Package usbsession owns the gousb device handle for the IT9910 grabber:
// opening it, claiming its single interface, discovering the three bulk
// endpoints the command/data protocol needs, and tearing everything back
// down in the right order.
package usbsession

import (
	"fmt"

	"github.com/google/gousb"
)

const (
	// VendorID and ProductID identify the IT9910-based HDMI grabber.
	VendorID  = 0x048D
	ProductID = 0x9910
)

// Endpoints holds the three bulk endpoint addresses the command codec and
// streaming pipeline talk to, discovered in interface-descriptor order:
// the first is the command-response IN endpoint, the second the
// command-request OUT endpoint, the third the data IN endpoint.
type Endpoints struct {
	CmdRead  *gousb.InEndpoint
	CmdWrite *gousb.OutEndpoint
	DataRead *gousb.InEndpoint
}

// Session owns every USB resource acquired for one open/close lifecycle of
// the grabber. Fields are declared in acquire order so Close can release
// them in reverse without guesswork.
type Session struct {
	ctx    *gousb.Context
	device *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface

	Endpoints Endpoints

	interfaceNumber int
	hadKernelDriver bool
}

// Open enumerates USB devices for VendorID/ProductID, claims the first
// interface of the first configuration, and discovers the three bulk
// endpoints in descriptor order. If a kernel driver is attached it is
// detached first and the fact remembered so Close can restore it.
func Open() (*Session, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbsession: open device: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbsession: device not found (VID:0x%04x PID:0x%04x)", VendorID, ProductID)
	}

	// gousb folds detach/reattach of the kernel driver into libusb's
	// auto-detach behavior instead of exposing it as a separate
	// had_kernel_driver flag the caller must track (the shape §3 and
	// §4.A describe for a raw libusb binding like the original Rust
	// driver). Enabling it here is the gousb-idiomatic equivalent of
	// "detach if attached, remember to reattach at close" — best-effort
	// per §7, so a failure does not fail Open. hadKernelDriver records
	// only whether auto-detach was enabled, not whether a kernel driver
	// was attached.
	hadKernelDriver := device.SetAutoDetach(true) == nil

	cfg, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbsession: set config: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbsession: claim interface: %w", err)
	}

	endpoints, err := discoverEndpoints(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		device.Close()
		ctx.Close()
		return nil, err
	}

	return &Session{
		ctx:             ctx,
		device:          device,
		cfg:             cfg,
		intf:            intf,
		Endpoints:       endpoints,
		interfaceNumber: 0,
		hadKernelDriver: hadKernelDriver,
	}, nil
}

// discoverEndpoints walks the claimed interface's endpoints in the order
// the USB descriptor reports them and assigns the first three bulk
// endpoints to cmd_read, cmd_write, data_read — the order is a device
// contract, not something to re-derive by sorting addresses (see
// SPEC_FULL.md's SUPPLEMENTED FEATURES section on endpoint discovery
// order).
func discoverEndpoints(intf *gousb.Interface) (Endpoints, error) {
	setting := intf.Setting

	type bulkEP struct {
		desc gousb.EndpointDesc
	}
	var bulk []bulkEP
	for _, ep := range setting.Endpoints {
		if ep.TransferType == gousb.TransferTypeBulk {
			bulk = append(bulk, bulkEP{desc: ep})
		}
	}
	if len(bulk) < 3 {
		return Endpoints{}, fmt.Errorf("usbsession: expected 3 bulk endpoints, found %d", len(bulk))
	}

	var (
		cmdReadDesc, cmdWriteDesc, dataReadDesc *gousb.EndpointDesc
		assigned                                int
	)
	for i := range bulk {
		d := bulk[i].desc
		switch assigned {
		case 0:
			cmdReadDesc = &d
		case 1:
			cmdWriteDesc = &d
		case 2:
			dataReadDesc = &d
		}
		assigned++
		if assigned == 3 {
			break
		}
	}

	cmdRead, err := intf.InEndpoint(cmdReadDesc.Number)
	if err != nil {
		return Endpoints{}, fmt.Errorf("usbsession: open cmd_read endpoint: %w", err)
	}
	cmdWrite, err := intf.OutEndpoint(cmdWriteDesc.Number)
	if err != nil {
		return Endpoints{}, fmt.Errorf("usbsession: open cmd_write endpoint: %w", err)
	}
	dataRead, err := intf.InEndpoint(dataReadDesc.Number)
	if err != nil {
		return Endpoints{}, fmt.Errorf("usbsession: open data_read endpoint: %w", err)
	}

	return Endpoints{CmdRead: cmdRead, CmdWrite: cmdWrite, DataRead: dataRead}, nil
}

// Close releases the claimed interface and configuration and reattaches
// the kernel driver if this session detached one. Every step's error is
// tolerated per §4.A — teardown always proceeds to completion.
func (s *Session) Close() {
	if s.intf != nil {
		s.intf.Close()
	}
	if s.cfg != nil {
		s.cfg.Close()
	}
	if s.device != nil {
		// With auto-detach enabled, gousb reattaches the kernel driver
		// as part of releasing the interface above; Device.Close just
		// lets libusb finish tearing the handle down.
		s.device.Close()
	}
	if s.ctx != nil {
		s.ctx.Close()
	}
}
