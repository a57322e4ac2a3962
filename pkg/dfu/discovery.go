package dfu

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// readDescriptor issues a standard GET_DESCRIPTOR to the device.
func (d *Device) readDescriptor(descType uint8, index uint8, langID uint16, length int) ([]byte, error) {
	data, err := d.transport.ControlIn(Setup{
		RequestType: RequestTypeStandard,
		Recipient:   RecipientDevice,
		Request:     requestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
	}, length)
	if err != nil {
		return nil, &RequestError{Request: "GET_DESCRIPTOR", Value: uint16(descType)<<8 | uint16(index), Err: err}
	}
	return data, nil
}

// ReadDeviceDescriptor reads and parses the 18-byte device descriptor.
func (d *Device) ReadDeviceDescriptor() (*DeviceDescriptor, error) {
	raw, err := d.readDescriptor(descriptorTypeDevice, 0, 0, 18)
	if err != nil {
		return nil, err
	}
	return ParseDeviceDescriptor(raw)
}

// readConfigurationRaw reads the full configuration descriptor at the
// given index in two phases: the 9-byte header first to learn
// wTotalLength, then the whole thing.
func (d *Device) readConfigurationRaw(index uint8) ([]byte, error) {
	header, err := d.readDescriptor(descriptorTypeConfiguration, index, 0, 9)
	if err != nil {
		return nil, err
	}
	if len(header) < 4 {
		return nil, fmt.Errorf("dfu: configuration descriptor header is %d bytes", len(header))
	}
	total := binary.LittleEndian.Uint16(header[2:4])
	if total < 9 {
		return nil, fmt.Errorf("dfu: configuration descriptor claims wTotalLength %d", total)
	}
	full, err := d.readDescriptor(descriptorTypeConfiguration, index, 0, int(total))
	if err != nil {
		return nil, err
	}
	if len(full) < int(total) {
		return nil, fmt.Errorf("dfu: configuration descriptor read returned %d of %d bytes", len(full), total)
	}
	return full, nil
}

// readConfiguration reads and parses the configuration the device was
// constructed for, located by its bConfigurationValue.
func (d *Device) readConfiguration() (*ConfigurationDescriptor, error) {
	dev, err := d.ReadDeviceDescriptor()
	if err != nil {
		return nil, err
	}
	for index := uint8(0); index < dev.NumConfigurations; index++ {
		raw, err := d.readConfigurationRaw(index)
		if err != nil {
			return nil, err
		}
		cfg, err := ParseConfigurationDescriptor(raw)
		if err != nil {
			return nil, err
		}
		if int(cfg.ConfigurationValue) == d.settings.Configuration {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("dfu: device has no configuration %d", d.settings.Configuration)
}

// ReadLanguageIDs returns the language IDs the device supports, read
// from string descriptor zero.
func (d *Device) ReadLanguageIDs() ([]uint16, error) {
	raw, err := d.readStringRaw(0, 0)
	if err != nil {
		return nil, err
	}
	var ids []uint16
	for pos := 2; pos+1 < len(raw); pos += 2 {
		ids = append(ids, binary.LittleEndian.Uint16(raw[pos:pos+2]))
	}
	return ids, nil
}

// ReadStringDescriptor reads and decodes the UTF-16LE string
// descriptor at index. langID zero asks for the device's first
// supported language.
func (d *Device) ReadStringDescriptor(index uint8, langID uint16) (string, error) {
	if langID == 0 {
		ids, err := d.ReadLanguageIDs()
		if err != nil {
			return "", err
		}
		if len(ids) == 0 {
			return "", fmt.Errorf("dfu: device reports no string languages")
		}
		langID = ids[0]
	}
	raw, err := d.readStringRaw(index, langID)
	if err != nil {
		return "", err
	}
	units := make([]uint16, 0, (len(raw)-2)/2)
	for pos := 2; pos+1 < len(raw); pos += 2 {
		units = append(units, binary.LittleEndian.Uint16(raw[pos:pos+2]))
	}
	return string(utf16.Decode(units)), nil
}

// readStringRaw fetches a string descriptor in two phases, because its
// length is unknown in advance: one byte to learn bLength, then the
// full descriptor.
func (d *Device) readStringRaw(index uint8, langID uint16) ([]byte, error) {
	head, err := d.readDescriptor(descriptorTypeString, index, langID, 1)
	if err != nil {
		return nil, err
	}
	if len(head) < 1 || head[0] < 2 {
		return nil, fmt.Errorf("dfu: string descriptor %d has no length byte", index)
	}
	full, err := d.readDescriptor(descriptorTypeString, index, langID, int(head[0]))
	if err != nil {
		return nil, err
	}
	return full, nil
}

// DfuInterfaces discovers every DFU-capable alternate setting the
// device exposes, with names resolved from their iInterface string
// descriptors. A device with no DFU interface at all is a hard
// configuration error.
func (d *Device) DfuInterfaces() ([]InterfaceSettings, error) {
	dev, err := d.ReadDeviceDescriptor()
	if err != nil {
		return nil, err
	}

	var found []InterfaceSettings
	for index := uint8(0); index < dev.NumConfigurations; index++ {
		raw, err := d.readConfigurationRaw(index)
		if err != nil {
			return nil, err
		}
		cfg, err := ParseConfigurationDescriptor(raw)
		if err != nil {
			return nil, err
		}
		for _, intf := range cfg.Interfaces {
			if !intf.IsDFU() {
				continue
			}
			settings := InterfaceSettings{
				Configuration:    int(cfg.ConfigurationValue),
				Interface:        int(intf.InterfaceNumber),
				AlternateSetting: int(intf.AlternateSetting),
			}
			if intf.InterfaceIndex != 0 {
				name, err := d.ReadStringDescriptor(intf.InterfaceIndex, 0)
				if err != nil {
					d.logWarnf("could not read name of %s: %v", settings, err)
				} else {
					settings.Name = name
				}
			}
			found = append(found, settings)
		}
	}

	if len(found) == 0 {
		return nil, fmt.Errorf("dfu: device exposes no DFU interface")
	}
	return found, nil
}
