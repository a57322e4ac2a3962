package dfu

import (
	"testing"
)

func TestParseDeviceDescriptor(t *testing.T) {
	d, err := ParseDeviceDescriptor(deviceDescBytes(2))
	if err != nil {
		t.Fatalf("ParseDeviceDescriptor: %v", err)
	}
	if d.VendorID != 0x0483 || d.ProductID != 0xDF11 {
		t.Errorf("got VID:PID %04X:%04X, want 0483:DF11", d.VendorID, d.ProductID)
	}
	if d.NumConfigurations != 2 {
		t.Errorf("got %d configurations, want 2", d.NumConfigurations)
	}

	if _, err := ParseDeviceDescriptor(deviceDescBytes(1)[:17]); err == nil {
		t.Error("expected error for truncated descriptor")
	}
	bad := deviceDescBytes(1)
	bad[1] = descriptorTypeConfiguration
	if _, err := ParseDeviceDescriptor(bad); err == nil {
		t.Error("expected error for wrong descriptor type")
	}
}

func TestParseConfigurationWalk(t *testing.T) {
	raw := configDescBytes(1,
		interfaceDescBytes(0, 0, InterfaceClassAppSpecific, InterfaceSubclassDFU, InterfaceProtocolDFUMode, 4),
		functionalDescBytes(attrCanDnload|attrCanUpload|attrWillDetach, 255, 1024),
		interfaceDescBytes(0, 1, InterfaceClassAppSpecific, InterfaceSubclassDFU, InterfaceProtocolDFUMode, 5),
		functionalDescBytes(attrCanDnload, 255, 2048),
	)
	cfg, err := ParseConfigurationDescriptor(raw)
	if err != nil {
		t.Fatalf("ParseConfigurationDescriptor: %v", err)
	}
	if len(cfg.Interfaces) != 2 {
		t.Fatalf("got %d interfaces, want 2", len(cfg.Interfaces))
	}
	for i, intf := range cfg.Interfaces {
		if !intf.IsDFU() {
			t.Errorf("interface %d not recognized as DFU", i)
		}
		if len(intf.Functional) != 1 {
			t.Errorf("interface %d has %d functional descriptors, want 1", i, len(intf.Functional))
		}
	}
	if got := cfg.Interfaces[1].Functional[0].TransferSize; got != 2048 {
		t.Errorf("alt 1 wTransferSize = %d, want 2048", got)
	}
	if got := cfg.Interfaces[0].InterfaceIndex; got != 4 {
		t.Errorf("alt 0 iInterface = %d, want 4", got)
	}
}

func TestParseConfigurationRejectsBadLengths(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"truncated header", configDescBytes(1)[:5]},
		{"total beyond buffer", func() []byte {
			raw := configDescBytes(1)
			raw[2] = 0xFF // wTotalLength far past the buffer
			return raw
		}()},
		{"total smaller than bLength", func() []byte {
			raw := configDescBytes(1, interfaceDescBytes(0, 0, 0xFE, 0x01, 0x02, 0))
			raw[2] = 5 // wTotalLength inside the 9-byte header
			return raw
		}()},
		{"bLength past wTotalLength", func() []byte {
			raw := configDescBytes(1, interfaceDescBytes(0, 0, 0xFE, 0x01, 0x02, 0))
			raw[0] = 200 // bLength beyond the descriptor's own total
			return raw
		}()},
		{"sub-descriptor overruns", func() []byte {
			raw := configDescBytes(1, interfaceDescBytes(0, 0, 0xFE, 0x01, 0x02, 0))
			raw[9] = 200 // interface bLength past the end
			return raw
		}()},
		{"zero-length sub-descriptor", func() []byte {
			raw := configDescBytes(1, interfaceDescBytes(0, 0, 0xFE, 0x01, 0x02, 0))
			raw[9] = 0
			return raw
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfigurationDescriptor(tt.raw); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestFunctionalDescriptorDFU10(t *testing.T) {
	// DFU 1.0 functional descriptors are 7 bytes, with no version
	raw := functionalDescBytes(attrCanDnload, 255, 512)[:7]
	raw[0] = 7
	fd, err := ParseFunctionalDescriptor(raw)
	if err != nil {
		t.Fatalf("ParseFunctionalDescriptor: %v", err)
	}
	if fd.DFUVersion != 0 {
		t.Errorf("DFUVersion = 0x%04X, want 0 for 7-byte descriptor", fd.DFUVersion)
	}
	if fd.TransferSize != 512 {
		t.Errorf("TransferSize = %d, want 512", fd.TransferSize)
	}
}

func TestFunctionalOutsideDFUContext(t *testing.T) {
	// A functional descriptor after a non-DFU interface must not be
	// attached to it, but stays in the flat walk as a generic.
	raw := configDescBytes(1,
		interfaceDescBytes(0, 0, 0x03, 0x00, 0x00, 0), // HID, not DFU
		functionalDescBytes(attrCanDnload, 255, 1024),
	)
	cfg, err := ParseConfigurationDescriptor(raw)
	if err != nil {
		t.Fatalf("ParseConfigurationDescriptor: %v", err)
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("got %d interfaces, want 1", len(cfg.Interfaces))
	}
	if len(cfg.Interfaces[0].Functional) != 0 {
		t.Errorf("functional descriptor attached to non-DFU interface")
	}
	if len(cfg.Descriptors) != 2 {
		t.Fatalf("flat walk has %d descriptors, want 2", len(cfg.Descriptors))
	}
	if _, ok := cfg.Descriptors[1].(*GenericDescriptor); !ok {
		t.Errorf("orphan functional descriptor is %T, want *GenericDescriptor", cfg.Descriptors[1])
	}
}

func TestFindDfuInterfaces(t *testing.T) {
	dfuCfg, err := ParseConfigurationDescriptor(configDescBytes(1,
		interfaceDescBytes(1, 0, InterfaceClassAppSpecific, InterfaceSubclassDFU, InterfaceProtocolRuntime, 0),
		interfaceDescBytes(1, 1, InterfaceClassAppSpecific, InterfaceSubclassDFU, InterfaceProtocolDFUMode, 0),
		interfaceDescBytes(2, 0, 0x03, 0x00, 0x00, 0),
	))
	if err != nil {
		t.Fatal(err)
	}
	plainCfg, err := ParseConfigurationDescriptor(configDescBytes(2,
		interfaceDescBytes(0, 0, 0x03, 0x00, 0x00, 0),
	))
	if err != nil {
		t.Fatal(err)
	}

	found := FindDfuInterfaces([]*ConfigurationDescriptor{dfuCfg, plainCfg})
	if len(found) != 2 {
		t.Fatalf("found %d DFU interfaces, want 2", len(found))
	}
	want := []InterfaceSettings{
		{Configuration: 1, Interface: 1, AlternateSetting: 0},
		{Configuration: 1, Interface: 1, AlternateSetting: 1},
	}
	for i, s := range found {
		if s != want[i] {
			t.Errorf("interface %d = %+v, want %+v", i, s, want[i])
		}
	}

	if !HasDFUInterface([]*ConfigurationDescriptor{dfuCfg}) {
		t.Error("HasDFUInterface = false for DFU configuration")
	}
	if HasDFUInterface([]*ConfigurationDescriptor{plainCfg}) {
		t.Error("HasDFUInterface = true for plain configuration")
	}
}

func TestPropertiesFromFunctional(t *testing.T) {
	fd, err := ParseFunctionalDescriptor(functionalDescBytes(
		attrCanDnload|attrManifestationTolerant|attrWillDetach, 500, 4096))
	if err != nil {
		t.Fatal(err)
	}
	p := PropertiesFromFunctional(fd)
	if !p.CanDnload || p.CanUpload {
		t.Errorf("capability flags wrong: %+v", p)
	}
	if !p.ManifestationTolerant || !p.WillDetach {
		t.Errorf("attribute flags wrong: %+v", p)
	}
	if p.TransferSize != 4096 || p.DetachTimeout != 500 {
		t.Errorf("sizes wrong: %+v", p)
	}
	if p.DFUVersion != 0x011A {
		t.Errorf("DFUVersion = 0x%04X, want 0x011A", p.DFUVersion)
	}
}
