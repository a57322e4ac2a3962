package dfu

import (
	"encoding/binary"
	"fmt"
)

// USB descriptor types (USB 2.0, table 9-5) plus the DFU functional
// descriptor type from the DFU 1.1 class spec.
const (
	descriptorTypeDevice        = 0x01
	descriptorTypeConfiguration = 0x02
	descriptorTypeString        = 0x03
	descriptorTypeInterface     = 0x04
	descriptorTypeDFUFunctional = 0x21
)

// The class/subclass triple that advertises DFU capability on an
// alternate setting. Protocol 1 is run-time DFU, protocol 2 is DFU
// mode proper.
const (
	InterfaceClassAppSpecific = 0xFE
	InterfaceSubclassDFU      = 0x01
	InterfaceProtocolRuntime  = 0x01
	InterfaceProtocolDFUMode  = 0x02
)

const requestGetDescriptor = 0x06

// InterfaceSettings identifies exactly one alternate setting that
// advertises the DFU class triple. It is immutable once discovered and
// passed into a Device on construction.
type InterfaceSettings struct {
	Configuration    int
	Interface        int
	AlternateSetting int
	Name             string
}

func (s InterfaceSettings) String() string {
	return fmt.Sprintf("config %d interface %d alt %d (%q)",
		s.Configuration, s.Interface, s.AlternateSetting, s.Name)
}

// DeviceDescriptor mirrors the 18-byte USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubclass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ConfigurationDescriptor is the 9-byte configuration header plus the
// ordered sub-descriptor sequence that trails it on the wire.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	// Descriptors is the flat, ordered sub-descriptor walk.
	// Interfaces holds just the interface descriptors for traversal.
	Descriptors []Descriptor
	Interfaces  []*InterfaceDescriptor
}

// InterfaceDescriptor mirrors the 9-byte interface descriptor.
// Functional and generic descriptors that follow it in the byte stream
// are attached positionally: a descriptor belongs to the most recently
// seen interface.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubclass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Functional  []*FunctionalDescriptor
	Descriptors []*GenericDescriptor
}

// IsDFU reports whether this alternate setting advertises the DFU
// class triple.
func (i *InterfaceDescriptor) IsDFU() bool {
	return i.InterfaceClass == InterfaceClassAppSpecific &&
		i.InterfaceSubclass == InterfaceSubclassDFU &&
		(i.InterfaceProtocol == InterfaceProtocolRuntime || i.InterfaceProtocol == InterfaceProtocolDFUMode)
}

// FunctionalDescriptor mirrors the DFU functional descriptor. The
// version field is absent from 7-byte DFU 1.0 descriptors and left
// zero there.
type FunctionalDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Attributes     uint8
	DetachTimeout  uint16
	TransferSize   uint16
	DFUVersion     uint16
}

// Functional descriptor bmAttributes bits (DFU 1.1, table 4.2)
const (
	attrCanDnload             = 0x01
	attrCanUpload             = 0x02
	attrManifestationTolerant = 0x04
	attrWillDetach            = 0x08
)

// GenericDescriptor is any sub-descriptor the walker does not model:
// endpoints, class-specific blobs, and functional descriptors found
// outside a DFU interface context.
type GenericDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Data           []byte
}

// Descriptor is one entry of a flat sub-descriptor walk.
type Descriptor interface {
	descriptor()
}

func (*InterfaceDescriptor) descriptor()  {}
func (*FunctionalDescriptor) descriptor() {}
func (*GenericDescriptor) descriptor()    {}

// HasDFUInterface reports whether any configuration exposes at least
// one DFU-capable alternate setting.
func HasDFUInterface(configs []*ConfigurationDescriptor) bool {
	return len(FindDfuInterfaces(configs)) > 0
}

// Properties are a DFU interface's capability flags, parsed once from
// its functional descriptor and read-only for the Device's lifetime.
type Properties struct {
	WillDetach            bool
	ManifestationTolerant bool
	CanUpload             bool
	CanDnload             bool
	TransferSize          uint16
	DetachTimeout         uint16
	DFUVersion            uint16
}

// PropertiesFromFunctional derives the capability flags from a parsed
// functional descriptor.
func PropertiesFromFunctional(fd *FunctionalDescriptor) Properties {
	return Properties{
		WillDetach:            fd.Attributes&attrWillDetach != 0,
		ManifestationTolerant: fd.Attributes&attrManifestationTolerant != 0,
		CanUpload:             fd.Attributes&attrCanUpload != 0,
		CanDnload:             fd.Attributes&attrCanDnload != 0,
		TransferSize:          fd.TransferSize,
		DetachTimeout:         fd.DetachTimeout,
		DFUVersion:            fd.DFUVersion,
	}
}

// ParseDeviceDescriptor decodes the 18-byte device descriptor.
func ParseDeviceDescriptor(b []byte) (*DeviceDescriptor, error) {
	if len(b) < 18 {
		return nil, fmt.Errorf("dfu: device descriptor is %d bytes, need 18", len(b))
	}
	d := &DeviceDescriptor{
		Length:            b[0],
		DescriptorType:    b[1],
		USBVersion:        binary.LittleEndian.Uint16(b[2:4]),
		DeviceClass:       b[4],
		DeviceSubclass:    b[5],
		DeviceProtocol:    b[6],
		MaxPacketSize:     b[7],
		VendorID:          binary.LittleEndian.Uint16(b[8:10]),
		ProductID:         binary.LittleEndian.Uint16(b[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(b[12:14]),
		ManufacturerIndex: b[14],
		ProductIndex:      b[15],
		SerialNumberIndex: b[16],
		NumConfigurations: b[17],
	}
	if d.DescriptorType != descriptorTypeDevice {
		return nil, fmt.Errorf("dfu: descriptor type 0x%02X is not a device descriptor", d.DescriptorType)
	}
	return d, nil
}

// ParseConfigurationDescriptor decodes a configuration descriptor and
// walks its trailing sub-descriptors. The buffer must be at least as
// long as the descriptor's own wTotalLength claims; a buffer shorter
// than the advertised length is a hard error, not a partial parse.
func ParseConfigurationDescriptor(b []byte) (*ConfigurationDescriptor, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("dfu: configuration descriptor is %d bytes, need at least 9", len(b))
	}
	c := &ConfigurationDescriptor{
		Length:             b[0],
		DescriptorType:     b[1],
		TotalLength:        binary.LittleEndian.Uint16(b[2:4]),
		NumInterfaces:      b[4],
		ConfigurationValue: b[5],
		ConfigurationIndex: b[6],
		Attributes:         b[7],
		MaxPower:           b[8],
	}
	if c.DescriptorType != descriptorTypeConfiguration {
		return nil, fmt.Errorf("dfu: descriptor type 0x%02X is not a configuration descriptor", c.DescriptorType)
	}
	if c.Length < 9 {
		return nil, fmt.Errorf("dfu: configuration descriptor claims bLength %d", c.Length)
	}
	if int(c.TotalLength) < int(c.Length) {
		return nil, fmt.Errorf("dfu: configuration descriptor claims wTotalLength %d, less than its own bLength %d", c.TotalLength, c.Length)
	}
	if int(c.TotalLength) > len(b) {
		return nil, fmt.Errorf("dfu: configuration descriptor claims %d bytes, buffer has %d", c.TotalLength, len(b))
	}

	descs, err := ParseSubDescriptors(b[c.Length:c.TotalLength])
	if err != nil {
		return nil, err
	}
	c.Descriptors = descs
	for _, d := range descs {
		if intf, ok := d.(*InterfaceDescriptor); ok {
			c.Interfaces = append(c.Interfaces, intf)
		}
	}
	return c, nil
}

// ParseInterfaceDescriptor decodes the 9-byte interface descriptor.
func ParseInterfaceDescriptor(b []byte) (*InterfaceDescriptor, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("dfu: interface descriptor is %d bytes, need 9", len(b))
	}
	i := &InterfaceDescriptor{
		Length:            b[0],
		DescriptorType:    b[1],
		InterfaceNumber:   b[2],
		AlternateSetting:  b[3],
		NumEndpoints:      b[4],
		InterfaceClass:    b[5],
		InterfaceSubclass: b[6],
		InterfaceProtocol: b[7],
		InterfaceIndex:    b[8],
	}
	if i.DescriptorType != descriptorTypeInterface {
		return nil, fmt.Errorf("dfu: descriptor type 0x%02X is not an interface descriptor", i.DescriptorType)
	}
	return i, nil
}

// ParseFunctionalDescriptor decodes a DFU functional descriptor.
// DFU 1.0 devices emit 7 bytes (no version field), DFU 1.1 emits 9.
func ParseFunctionalDescriptor(b []byte) (*FunctionalDescriptor, error) {
	if len(b) < 7 {
		return nil, fmt.Errorf("dfu: functional descriptor is %d bytes, need at least 7", len(b))
	}
	f := &FunctionalDescriptor{
		Length:         b[0],
		DescriptorType: b[1],
		Attributes:     b[2],
		DetachTimeout:  binary.LittleEndian.Uint16(b[3:5]),
		TransferSize:   binary.LittleEndian.Uint16(b[5:7]),
	}
	if f.DescriptorType != descriptorTypeDFUFunctional {
		return nil, fmt.Errorf("dfu: descriptor type 0x%02X is not a DFU functional descriptor", f.DescriptorType)
	}
	if f.Length >= 9 && len(b) >= 9 {
		f.DFUVersion = binary.LittleEndian.Uint16(b[7:9])
	}
	return f, nil
}

// ParseGenericDescriptor decodes any length-prefixed descriptor the
// walker does not model further.
func ParseGenericDescriptor(b []byte) (*GenericDescriptor, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("dfu: descriptor is %d bytes, need at least 2", len(b))
	}
	return &GenericDescriptor{
		Length:         b[0],
		DescriptorType: b[1],
		Data:           append([]byte(nil), b[2:]...),
	}, nil
}

// ParseSubDescriptors walks a flat, length-prefixed descriptor stream.
// A descriptor of type 4 opens a new interface context; a functional
// descriptor seen while the current context is a DFU interface is
// attached to it. All other descriptors are recorded as generic and,
// purely for traversal convenience, also attached to the current
// interface context when one exists. A functional descriptor outside
// a DFU interface context stays in the flat list only, as a generic
// descriptor.
func ParseSubDescriptors(b []byte) ([]Descriptor, error) {
	var (
		out     []Descriptor
		current *InterfaceDescriptor
	)
	for pos := 0; pos < len(b); {
		rest := b[pos:]
		if len(rest) < 2 {
			return nil, fmt.Errorf("dfu: truncated descriptor header at offset %d", pos)
		}
		length := int(rest[0])
		if length < 2 || length > len(rest) {
			return nil, fmt.Errorf("dfu: descriptor at offset %d claims bLength %d, %d bytes remain", pos, length, len(rest))
		}
		raw := rest[:length]

		switch raw[1] {
		case descriptorTypeInterface:
			intf, err := ParseInterfaceDescriptor(raw)
			if err != nil {
				return nil, err
			}
			current = intf
			out = append(out, intf)

		case descriptorTypeDFUFunctional:
			if current != nil && current.IsDFU() {
				fd, err := ParseFunctionalDescriptor(raw)
				if err != nil {
					return nil, err
				}
				current.Functional = append(current.Functional, fd)
				out = append(out, fd)
				break
			}
			// Functional descriptor with no DFU interface to own it
			g, err := ParseGenericDescriptor(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, g)

		default:
			g, err := ParseGenericDescriptor(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
			if current != nil {
				current.Descriptors = append(current.Descriptors, g)
			}
		}

		pos += length
	}
	return out, nil
}

// FindDfuInterfaces returns every alternate setting in the given
// configurations that advertises the DFU class triple. Names are left
// empty; resolving the iInterface string indexes requires device I/O
// and is done by (*Device).DfuInterfaces.
func FindDfuInterfaces(configs []*ConfigurationDescriptor) []InterfaceSettings {
	var found []InterfaceSettings
	for _, cfg := range configs {
		for _, intf := range cfg.Interfaces {
			if !intf.IsDFU() {
				continue
			}
			found = append(found, InterfaceSettings{
				Configuration:    int(cfg.ConfigurationValue),
				Interface:        int(intf.InterfaceNumber),
				AlternateSetting: int(intf.AlternateSetting),
			})
		}
	}
	return found
}
