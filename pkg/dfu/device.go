package dfu

import (
	"bytes"
	"fmt"
	"time"
)

// Firmware is implemented by both the plain DFU device and the DfuSe
// variant: the two transfer algorithms are selected at construction
// time via NewFirmwareDevice, based on whether the alternate setting's
// name parses as a DfuSe memory descriptor.
type Firmware interface {
	Download(xferSize int, data []byte, manifestationTolerant bool) error
	Upload(xferSize, maxSize int) ([]byte, error)
}

// Device drives one claimed DFU interface. All operations are strictly
// sequential: the DFU protocol has no frame multiplexing, and issuing
// overlapping transfers on one interface is undefined at the USB
// level. Callers must not invoke concurrent operations on one Device;
// distinct physical devices may be driven in parallel freely.
type Device struct {
	// Log overrides the telemetry sink. Nil means the process-wide
	// default logger.
	Log Logger

	transport Transport
	settings  InterfaceSettings
	props     *Properties
}

// NewDevice wraps a transport and a previously discovered alternate
// setting. It performs no I/O; call Open before anything else.
func NewDevice(t Transport, settings InterfaceSettings) *Device {
	return &Device{transport: t, settings: settings}
}

// Settings returns the alternate setting the device was built for.
func (d *Device) Settings() InterfaceSettings { return d.settings }

// Transport exposes the underlying transport, mainly so callers can
// trigger a raw reset or wait on the disconnect latch.
func (d *Device) Transport() Transport { return d.transport }

// Open opens the transport, selects the configuration, and claims the
// interface and alternate setting.
func (d *Device) Open() error {
	if err := d.transport.Open(); err != nil {
		return fmt.Errorf("dfu: open: %w", err)
	}
	if err := d.transport.SelectConfiguration(d.settings.Configuration); err != nil {
		return fmt.Errorf("dfu: select configuration %d: %w", d.settings.Configuration, err)
	}
	if err := d.transport.ClaimInterface(d.settings.Interface); err != nil {
		return fmt.Errorf("dfu: claim interface %d: %w", d.settings.Interface, err)
	}
	if err := d.transport.SelectAlternateInterface(d.settings.Interface, d.settings.AlternateSetting); err != nil {
		return fmt.Errorf("dfu: select alt setting %d: %w", d.settings.AlternateSetting, err)
	}
	return nil
}

// Close releases the transport.
func (d *Device) Close() error { return d.transport.Close() }

// Disconnected reports whether the device has left the bus.
func (d *Device) Disconnected() bool {
	select {
	case <-d.transport.Disconnected():
		return true
	default:
		return false
	}
}

// WaitDisconnected blocks until the OS reports device removal, bounded
// by timeout. It is the recovery step after Detach: a device that
// honors WillDetach drops off the bus by itself. A timeout with the
// device already gone counts as success, not a race error.
func (d *Device) WaitDisconnected(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-d.transport.Disconnected():
		return nil
	case <-t.C:
		if d.Disconnected() {
			return nil
		}
		return fmt.Errorf("dfu: device still connected after %s", timeout)
	}
}

// Properties returns the interface's capability flags, reading and
// caching the DFU functional descriptor on first use.
func (d *Device) Properties() (Properties, error) {
	if d.props != nil {
		return *d.props, nil
	}
	cfg, err := d.readConfiguration()
	if err != nil {
		return Properties{}, err
	}
	for _, intf := range cfg.Interfaces {
		if int(intf.InterfaceNumber) != d.settings.Interface ||
			int(intf.AlternateSetting) != d.settings.AlternateSetting {
			continue
		}
		if len(intf.Functional) == 0 {
			break
		}
		props := PropertiesFromFunctional(intf.Functional[0])
		d.props = &props
		return props, nil
	}
	return Properties{}, fmt.Errorf("dfu: no DFU functional descriptor for %s", d.settings)
}

// Download writes data to the device in xferSize chunks and drives the
// device through manifestation.
//
// Status polls are throttled adaptively: a device that is always ready
// immediately earns a longer check interval, while any busy state
// drops the cadence back to checking nearly every chunk. The final
// chunk is always checked. After the trailing end-of-transfer block
// the device is reset; the device vanishing at that point is the
// normal signature of it rebooting into the new firmware.
func (d *Device) Download(xferSize int, data []byte, manifestationTolerant bool) error {
	if xferSize <= 0 {
		return fmt.Errorf("dfu: invalid transfer size %d", xferSize)
	}

	expected := len(data)
	sent := 0
	block := uint16(0)
	cadence := newDownloadCadence()
	progress := newProgressTracker(d, expected)

	d.logInfof("copying %d bytes to device", expected)
	progress.update(0)

	for sent < expected {
		chunk := expected - sent
		if chunk > xferSize {
			chunk = xferSize
		}
		n, err := d.dnload(block, data[sent:sent+chunk])
		if err != nil {
			return fmt.Errorf("dfu: download block %d: %w", block, err)
		}
		d.logDebugf("wrote %d bytes as block %d", n, block)
		sent += n
		block++

		if cadence.shouldCheck(sent >= expected) {
			st, err := d.GetStatus()
			if err != nil {
				return fmt.Errorf("dfu: download block %d: %w", block-1, err)
			}
			switch st.State {
			case StateDfuDnloadIdle:
				cadence.observeIdle()
			case StateDfuDnbusy, StateDfuDnloadSync:
				cadence.observeBusy()
				if st, err = d.PollUntilIdle(StateDfuDnloadIdle); err != nil {
					return fmt.Errorf("dfu: download block %d: %w", block-1, err)
				}
			}
			if st.Status != StatusOK {
				return fmt.Errorf("dfu: download block %d: %w", block-1,
					&StatusError{State: st.State, Status: st.Status})
			}
		}
		progress.update(sent)
	}

	// Zero-length block signals end of transfer
	if _, err := d.dnload(block, nil); err != nil {
		return fmt.Errorf("dfu: end-of-transfer block: %w", err)
	}

	if manifestationTolerant {
		st, err := d.PollUntil(func(s State) bool {
			return s == StateDfuIdle || s == StateDfuManifestWaitReset
		})
		switch {
		case err != nil && isDisconnectError(err):
			// The device may vanish to apply the new image
			d.logDebugf("device disconnected during manifestation: %v", err)
		case err != nil:
			return fmt.Errorf("dfu: manifestation: %w", err)
		case st.Status != StatusOK:
			return fmt.Errorf("dfu: manifestation: %w", &StatusError{State: st.State, Status: st.Status})
		}
	} else if _, err := d.GetStatus(); err != nil {
		// Best effort: manifestation-intolerant devices often stall here
		d.logDebugf("post-manifest status check failed: %v", err)
	}

	d.logInfof("wrote %d bytes, resetting device", sent)
	if err := d.transport.Reset(); err != nil {
		if isDisconnectError(err) {
			d.logDebugf("device disconnected during reset, new firmware is live: %v", err)
		} else {
			d.logWarnf("device reset failed: %v", err)
		}
	}
	return nil
}

// Upload reads back up to maxSize bytes of the device's firmware in
// xferSize chunks. maxSize <= 0 reads until the device signals end of
// data with a short block.
func (d *Device) Upload(xferSize, maxSize int) ([]byte, error) {
	return d.uploadFrom(xferSize, maxSize, 0)
}

// uploadFrom is the shared upload loop. Plain DFU starts at block 0;
// DfuSe starts at block 2 because blocks 0 and 1 are reserved for
// vendor commands.
func (d *Device) uploadFrom(xferSize, maxSize int, firstBlock uint16) ([]byte, error) {
	if xferSize <= 0 {
		return nil, fmt.Errorf("dfu: invalid transfer size %d", xferSize)
	}

	var out bytes.Buffer
	block := firstBlock
	progress := newProgressTracker(d, maxSize)

	d.logInfof("reading firmware from device")
	for {
		want := xferSize
		if maxSize > 0 && maxSize-out.Len() < want {
			want = maxSize - out.Len()
		}
		data, err := d.upload(block, want)
		if err != nil {
			return nil, fmt.Errorf("dfu: upload block %d: %w", block, err)
		}
		out.Write(data)
		block++
		progress.update(out.Len())

		if len(data) < want {
			// Short read: the device is out of data
			break
		}
		if maxSize > 0 && out.Len() >= maxSize {
			// The device does not know the caller's size limit and is
			// still mid-upload; abort it back to idle.
			if err := d.AbortToIdle(); err != nil {
				return nil, err
			}
			break
		}
	}

	d.logInfof("read %d bytes", out.Len())
	return out.Bytes(), nil
}

// Status-check cadence thresholds. These exact values match observed
// hardware timing and are part of the engine's compatibility surface;
// see downloadCadence.
const (
	idleStreakToGrow  = 10
	maxCheckInterval  = 8
	busyResetInterval = 2
)

// downloadCadence decides which download chunks get a GETSTATUS check.
// It starts by checking every chunk; after idleStreakToGrow checks in
// a row where the device was already idle, the interval doubles, up to
// maxCheckInterval. Any busy observation resets it to
// busyResetInterval.
type downloadCadence struct {
	interval   int
	idleStreak int
	sinceCheck int
}

func newDownloadCadence() *downloadCadence {
	return &downloadCadence{interval: 1}
}

// shouldCheck consumes one sent chunk and reports whether its status
// must be checked. The final chunk is always checked.
func (c *downloadCadence) shouldCheck(final bool) bool {
	c.sinceCheck++
	if final || c.sinceCheck >= c.interval {
		c.sinceCheck = 0
		return true
	}
	return false
}

// observeIdle records a check that found the device already idle.
func (c *downloadCadence) observeIdle() {
	c.idleStreak++
	if c.idleStreak >= idleStreakToGrow {
		c.idleStreak = 0
		c.interval *= 2
		if c.interval > maxCheckInterval {
			c.interval = maxCheckInterval
		}
	}
}

// observeBusy records a check that found the device busy.
func (c *downloadCadence) observeBusy() {
	c.interval = busyResetInterval
	c.idleStreak = 0
}
