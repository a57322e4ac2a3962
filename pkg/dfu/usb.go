package dfu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

// USBTransport implements Transport on top of libusb via gousb.
type USBTransport struct {
	vid uint16
	pid uint16

	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	disconnected chan struct{}
	gone         sync.Once
}

// NewUSBTransport creates a transport for the device matching vid:pid.
// No USB traffic happens until Open.
func NewUSBTransport(vid, pid uint16) *USBTransport {
	return &USBTransport{
		vid:          vid,
		pid:          pid,
		disconnected: make(chan struct{}),
	}
}

func (t *USBTransport) Open() error {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(t.vid), gousb.ID(t.pid))
	if err != nil {
		ctx.Close()
		return fmt.Errorf("USB error: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return fmt.Errorf("device not found (VID:0x%04X PID:0x%04X)", t.vid, t.pid)
	}

	// Detach kernel drivers on Linux; not fatal elsewhere
	_ = dev.SetAutoDetach(true)

	t.ctx = ctx
	t.dev = dev
	return nil
}

func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}

func (t *USBTransport) SelectConfiguration(value int) error {
	if t.dev == nil {
		return fmt.Errorf("transport not open")
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	cfg, err := t.dev.Config(value)
	if err != nil {
		return t.mapError(fmt.Errorf("select configuration %d: %w", value, err))
	}
	t.cfg = cfg
	return nil
}

func (t *USBTransport) ClaimInterface(number int) error {
	return t.SelectAlternateInterface(number, 0)
}

func (t *USBTransport) SelectAlternateInterface(number, alt int) error {
	if t.cfg == nil {
		return fmt.Errorf("no configuration selected")
	}
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	intf, err := t.cfg.Interface(number, alt)
	if err != nil {
		return t.mapError(fmt.Errorf("claim interface %d alt %d: %w", number, alt, err))
	}
	t.intf = intf
	return nil
}

func (t *USBTransport) ControlIn(s Setup, length int) ([]byte, error) {
	if t.dev == nil {
		return nil, fmt.Errorf("transport not open")
	}
	buf := make([]byte, length)
	n, err := t.dev.Control(s.bmRequestType(true), s.Request, s.Value, s.Index, buf)
	if err != nil {
		return nil, t.mapError(err)
	}
	return buf[:n], nil
}

func (t *USBTransport) ControlOut(s Setup, data []byte) (int, error) {
	if t.dev == nil {
		return 0, fmt.Errorf("transport not open")
	}
	n, err := t.dev.Control(s.bmRequestType(false), s.Request, s.Value, s.Index, data)
	if err != nil {
		return n, t.mapError(err)
	}
	return n, nil
}

func (t *USBTransport) Reset() error {
	if t.dev == nil {
		return fmt.Errorf("transport not open")
	}
	if err := t.dev.Reset(); err != nil {
		return t.mapError(err)
	}
	return nil
}

func (t *USBTransport) Disconnected() <-chan struct{} {
	return t.disconnected
}

// mapError rewrites libusb disconnect errors into ErrDisconnected and
// trips the disconnect latch.
func (t *USBTransport) mapError(err error) error {
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.ErrorNotFound) {
		t.gone.Do(func() { close(t.disconnected) })
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}
