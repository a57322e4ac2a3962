package dfu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
)

// DfuSe vendor command opcodes (ST AN3156)
const (
	DfuSeGetCommands = 0x00
	DfuSeSetAddress  = 0x21
	DfuSeEraseSector = 0x41
)

func dfuseCommandName(op byte) string {
	switch op {
	case DfuSeGetCommands:
		return "GET_COMMANDS"
	case DfuSeSetAddress:
		return "SET_ADDRESS"
	case DfuSeEraseSector:
		return "ERASE_SECTOR"
	}
	return fmt.Sprintf("command 0x%02X", op)
}

// DfuSeDevice drives an ST DfuSe bootloader interface. It reuses the
// plain device's primitives but replaces the chunk addressing scheme:
// transfers target explicit flash addresses, with DNLOAD block numbers
// 0 and 1 reserved for vendor commands and data fixed at block 2.
type DfuSeDevice struct {
	*Device

	// Memory is the flash layout parsed from the alternate-setting
	// name, cached for the device's lifetime.
	Memory *memmap.MemoryInfo

	startAddress uint32
	startSet     bool
}

// NewDfuSeDevice builds a DfuSe device from an alternate setting whose
// name carries a memory descriptor. Names that are not DfuSe
// descriptors at all fail with memmap.ErrNotDfuSe so callers can fall
// back to plain DFU.
func NewDfuSeDevice(t Transport, settings InterfaceSettings) (*DfuSeDevice, error) {
	mem, err := memmap.Parse(settings.Name)
	if err != nil {
		return nil, err
	}
	return &DfuSeDevice{Device: NewDevice(t, settings), Memory: mem}, nil
}

// NewFirmwareDevice selects the transfer algorithm for an alternate
// setting: DfuSe when its name parses as a memory descriptor, plain
// DFU otherwise.
func NewFirmwareDevice(t Transport, settings InterfaceSettings) (Firmware, error) {
	dev, err := NewDfuSeDevice(t, settings)
	if err == nil {
		return dev, nil
	}
	if errors.Is(err, memmap.ErrNotDfuSe) {
		return NewDevice(t, settings), nil
	}
	return nil, err
}

// SetStartAddress sets the target flash address for the next transfer.
// When unset, transfers start at the first writable segment.
func (d *DfuSeDevice) SetStartAddress(addr uint32) {
	d.startAddress = addr
	d.startSet = true
}

// Command issues a DfuSe vendor command: a one-byte opcode plus a
// little-endian parameter of paramLen bytes (1 or 4), written as
// DNLOAD block 0, then polled to completion.
func (d *DfuSeDevice) Command(op byte, param uint32, paramLen int) error {
	var payload []byte
	switch paramLen {
	case 1:
		payload = []byte{op, byte(param)}
	case 4:
		payload = make([]byte, 5)
		payload[0] = op
		binary.LittleEndian.PutUint32(payload[1:], param)
	default:
		return fmt.Errorf("dfu: %s: unsupported parameter length %d", dfuseCommandName(op), paramLen)
	}

	if _, err := d.dnload(0, payload); err != nil {
		return fmt.Errorf("dfu: %s: %w", dfuseCommandName(op), err)
	}
	st, err := d.PollUntil(func(s State) bool { return s != StateDfuDnbusy })
	if err != nil {
		return fmt.Errorf("dfu: %s: %w", dfuseCommandName(op), err)
	}
	if st.Status != StatusOK {
		return fmt.Errorf("dfu: %s: %w", dfuseCommandName(op), &StatusError{State: st.State, Status: st.Status})
	}
	return nil
}

// Erase erases every erasable sector intersecting [start, start+length).
// Sectors inside non-erasable segments are skipped but still advanced
// past, and the walk re-resolves its segment whenever the cursor
// crosses a segment boundary.
func (d *DfuSeDevice) Erase(start, length uint32) error {
	if length == 0 {
		return nil
	}
	segment := d.Memory.SegmentFor(start)
	if segment == nil {
		return fmt.Errorf("dfu: erase start address 0x%08X outside memory map", start)
	}
	addr := segment.SectorStart(start)

	endSegment := d.Memory.SegmentFor(start + length - 1)
	if endSegment == nil {
		return fmt.Errorf("dfu: erase end address 0x%08X outside memory map", start+length-1)
	}
	end := endSegment.SectorEnd(start + length - 1)

	erased, toErase := 0, int(end-addr)
	progress := newProgressTracker(d.Device, toErase)

	for addr < end {
		if segment.End <= addr {
			if segment = d.Memory.SegmentFor(addr); segment == nil {
				return fmt.Errorf("dfu: erase crossed out of memory map at 0x%08X", addr)
			}
		}
		if !segment.Erasable {
			// Skip over the non-erasable section
			erased += int(segment.End - addr)
			if erased > toErase {
				erased = toErase
			}
			addr = segment.End
			progress.update(erased)
			continue
		}
		sector := segment.SectorStart(addr)
		d.logDebugf("erasing %d bytes at 0x%08X", segment.SectorSize, sector)
		if err := d.Command(DfuSeEraseSector, sector, 4); err != nil {
			return err
		}
		addr = sector + segment.SectorSize
		erased += int(segment.SectorSize)
		progress.update(erased)
	}
	return nil
}

// Download erases the target range, then writes data chunk by chunk,
// pairing every chunk with a SET_ADDRESS command. Unlike plain DFU the
// status is checked after every chunk: DfuSe writes are flash-bound
// and the device is effectively always busy.
func (d *DfuSeDevice) Download(xferSize int, data []byte, manifestationTolerant bool) error {
	if xferSize <= 0 {
		return fmt.Errorf("dfu: invalid transfer size %d", xferSize)
	}

	start := d.startAddress
	if !d.startSet {
		seg := d.Memory.FirstWritableSegment()
		if seg == nil {
			return fmt.Errorf("dfu: memory map %q has no writable segment", d.Memory.Name)
		}
		start = seg.Start
		d.logWarnf("no start address set, using 0x%08X", start)
	} else if d.Memory.SegmentFor(start) == nil {
		return fmt.Errorf("dfu: start address 0x%08X outside memory map", start)
	}

	expected := len(data)

	if expected > 0 {
		d.logInfof("erasing device memory")
		if err := d.Erase(start, uint32(expected)); err != nil {
			return err
		}
	}

	d.logInfof("copying %d bytes to device", expected)
	address := start
	sent := 0
	progress := newProgressTracker(d.Device, expected)
	progress.update(0)

	for sent < expected {
		chunk := expected - sent
		if chunk > xferSize {
			chunk = xferSize
		}
		if err := d.Command(DfuSeSetAddress, address, 4); err != nil {
			return err
		}
		d.logDebugf("set address 0x%08X", address)

		n, err := d.dnload(2, data[sent:sent+chunk])
		if err != nil {
			return fmt.Errorf("dfu: download at 0x%08X: %w", address, err)
		}
		st, err := d.PollUntilIdle(StateDfuDnloadIdle)
		if err != nil {
			return fmt.Errorf("dfu: download at 0x%08X: %w", address, err)
		}
		if st.Status != StatusOK {
			return fmt.Errorf("dfu: download at 0x%08X: %w", address,
				&StatusError{State: st.State, Status: st.Status})
		}
		address += uint32(n)
		sent += n
		progress.update(sent)
	}
	d.logInfof("wrote %d bytes", sent)

	d.logInfof("manifesting new firmware")
	if err := d.Command(DfuSeSetAddress, start, 4); err != nil {
		return fmt.Errorf("dfu: manifestation: %w", err)
	}
	if _, err := d.dnload(0, nil); err != nil {
		return fmt.Errorf("dfu: manifestation: %w", err)
	}
	if _, err := d.PollUntil(func(s State) bool { return s == StateDfuManifest }); err != nil {
		// DfuSe bootloaders commonly stall or drop off here
		d.logErrorf("manifestation poll failed: %v", err)
	}
	return nil
}

// Upload reads firmware starting at the configured address. maxSize is
// clamped to the readable span of the memory map; zero reads all of it.
func (d *DfuSeDevice) Upload(xferSize, maxSize int) ([]byte, error) {
	start := d.startAddress
	if !d.startSet {
		seg := d.Memory.FirstWritableSegment()
		if seg == nil {
			return nil, fmt.Errorf("dfu: memory map %q has no writable segment", d.Memory.Name)
		}
		start = seg.Start
		d.logWarnf("no start address set, reading from 0x%08X", start)
	} else if d.Memory.SegmentFor(start) == nil {
		return nil, fmt.Errorf("dfu: start address 0x%08X outside memory map", start)
	}

	readable := int(d.Memory.MaxReadSize(start))
	if readable == 0 {
		return nil, fmt.Errorf("dfu: memory at 0x%08X is not readable", start)
	}
	if maxSize <= 0 || maxSize > readable {
		maxSize = readable
	}

	state, err := d.GetState()
	if err != nil {
		return nil, err
	}
	if state != StateDfuIdle {
		if err := d.AbortToIdle(); err != nil {
			return nil, err
		}
	}

	// The address pointer takes effect on the upload sequence that
	// follows the next abort.
	if err := d.Command(DfuSeSetAddress, start, 4); err != nil {
		return nil, err
	}
	if err := d.AbortToIdle(); err != nil {
		return nil, err
	}

	return d.uploadFrom(xferSize, maxSize, 2)
}
