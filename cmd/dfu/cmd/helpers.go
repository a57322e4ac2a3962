package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfu"
)

func parseID(s string) (uint16, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid USB ID %q: %w", s, err)
	}
	return uint16(id), nil
}

func parseAddress(s string) (uint32, error) {
	addr, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(addr), nil
}

func newTransport() (dfu.Transport, error) {
	if simulator {
		return dfu.NewSTM32Simulator(), nil
	}
	vid, err := parseID(vidFlag)
	if err != nil {
		return nil, err
	}
	pid, err := parseID(pidFlag)
	if err != nil {
		return nil, err
	}
	return dfu.NewUSBTransport(vid, pid), nil
}

// baseDevice unwraps the shared device handle from either transfer
// algorithm.
func baseDevice(fw dfu.Firmware) *dfu.Device {
	switch d := fw.(type) {
	case *dfu.DfuSeDevice:
		return d.Device
	case *dfu.Device:
		return d
	}
	return nil
}

// openTarget opens the device, discovers its DFU interfaces, and
// claims the alternate setting selected by --alt. The caller closes
// the returned device.
func openTarget() (dfu.Firmware, *dfu.Device, error) {
	transport, err := newTransport()
	if err != nil {
		return nil, nil, err
	}

	probe := dfu.NewDevice(transport, dfu.InterfaceSettings{Configuration: 1})
	if err := probe.Open(); err != nil {
		return nil, nil, err
	}
	found, err := probe.DfuInterfaces()
	if err != nil {
		probe.Close()
		return nil, nil, err
	}

	var chosen *dfu.InterfaceSettings
	for i := range found {
		if found[i].AlternateSetting == altFlag {
			chosen = &found[i]
			break
		}
	}
	if chosen == nil {
		probe.Close()
		return nil, nil, fmt.Errorf("no DFU interface with alternate setting %d (device has %d)", altFlag, len(found))
	}

	var fw dfu.Firmware
	if forcePlain {
		fw = dfu.NewDevice(transport, *chosen)
	} else if fw, err = dfu.NewFirmwareDevice(transport, *chosen); err != nil {
		probe.Close()
		return nil, nil, err
	}
	dev := baseDevice(fw)

	if err := transport.ClaimInterface(chosen.Interface); err != nil {
		probe.Close()
		return nil, nil, err
	}
	if err := transport.SelectAlternateInterface(chosen.Interface, chosen.AlternateSetting); err != nil {
		probe.Close()
		return nil, nil, err
	}
	return fw, dev, nil
}

// transferSize picks the chunk size: the flag when given, else the
// device's advertised wTransferSize, else a safe default.
func transferSize(dev *dfu.Device, flag int) int {
	if flag > 0 {
		return flag
	}
	if props, err := dev.Properties(); err == nil && props.TransferSize > 0 {
		return int(props.TransferSize)
	}
	return 1024
}
