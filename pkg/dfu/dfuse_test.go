package dfu

import (
	"bytes"
	"testing"
)

func openDfuSeDevice(t *testing.T, sim *Simulator, layout string) *DfuSeDevice {
	t.Helper()
	sim.DfuSe = true
	dev, err := NewDfuSeDevice(sim, InterfaceSettings{
		Configuration: 1,
		Interface:     0,
		Name:          layout,
	})
	if err != nil {
		t.Fatalf("NewDfuSeDevice: %v", err)
	}
	if err := dev.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestDfuSeCommandFraming(t *testing.T) {
	sim := NewSimulator()
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/4*004Kg")

	if err := dev.Command(DfuSeSetAddress, 0x08001000, 4); err != nil {
		t.Fatalf("SET_ADDRESS: %v", err)
	}
	if sim.Address != 0x08001000 {
		t.Errorf("address pointer = 0x%08X, want 0x08001000", sim.Address)
	}

	if err := dev.Command(DfuSeEraseSector, 0x08002000, 4); err != nil {
		t.Fatalf("ERASE_SECTOR: %v", err)
	}
	if len(sim.Erased) != 1 || sim.Erased[0] != 0x08002000 {
		t.Errorf("erased = %#v, want [0x08002000]", sim.Erased)
	}

	if err := dev.Command(DfuSeSetAddress, 0, 3); err == nil {
		t.Error("expected error for unsupported parameter length")
	}
}

func TestDfuSeErase(t *testing.T) {
	sim := NewSimulator()
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/4*004Kg")

	// Unaligned range: the covering sectors are erased whole
	if err := dev.Erase(0x08000800, 0x1000); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	want := []uint32{0x08000000, 0x08001000}
	if len(sim.Erased) != len(want) {
		t.Fatalf("erased %d sectors, want %d: %#v", len(sim.Erased), len(want), sim.Erased)
	}
	for i, addr := range want {
		if sim.Erased[i] != addr {
			t.Errorf("erase %d at 0x%08X, want 0x%08X", i, sim.Erased[i], addr)
		}
	}
}

func TestDfuSeEraseAcrossSectorSizes(t *testing.T) {
	sim := NewSimulator()
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/2*004Kg,1*016Kg")

	// 4K+4K+16K layout, erasing all 24K walks both sector sizes
	if err := dev.Erase(0x08000000, 0x6000); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	want := []uint32{0x08000000, 0x08001000, 0x08002000}
	if len(sim.Erased) != len(want) {
		t.Fatalf("erased %d sectors, want %d: %#v", len(sim.Erased), len(want), sim.Erased)
	}
	for i, addr := range want {
		if sim.Erased[i] != addr {
			t.Errorf("erase %d at 0x%08X, want 0x%08X", i, sim.Erased[i], addr)
		}
	}
}

func TestDfuSeEraseSkipsNonErasable(t *testing.T) {
	sim := NewSimulator()
	// First 8K is read-only (mode a), the rest erasable
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/2*004Ka,2*004Kg")

	if err := dev.Erase(0x08000000, 0x4000); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	want := []uint32{0x08002000, 0x08003000}
	if len(sim.Erased) != len(want) {
		t.Fatalf("erased %d sectors, want %d: %#v", len(sim.Erased), len(want), sim.Erased)
	}
	for i, addr := range want {
		if sim.Erased[i] != addr {
			t.Errorf("erase %d at 0x%08X, want 0x%08X", i, sim.Erased[i], addr)
		}
	}
}

func TestDfuSeEraseOutsideMap(t *testing.T) {
	sim := NewSimulator()
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/4*004Kg")

	if err := dev.Erase(0x20000000, 0x1000); err == nil {
		t.Error("expected error for erase start outside the memory map")
	}
	if err := dev.Erase(0x08003000, 0x2000); err == nil {
		t.Error("expected error for erase range running past the map")
	}
}

func TestDfuSeDownload(t *testing.T) {
	sim := NewSimulator()
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/4*004Kg")
	dev.SetStartAddress(0x08000000)

	img := testImage(6000)
	if err := dev.Download(2048, img, false); err != nil {
		t.Fatalf("Download: %v", err)
	}

	// 6000 bytes at 2048 per chunk lands at three ascending addresses
	wantAddrs := []uint32{0x08000000, 0x08000800, 0x08001000}
	if len(sim.Writes) != len(wantAddrs) {
		t.Fatalf("%d writes, want %d", len(sim.Writes), len(wantAddrs))
	}
	var rebuilt []byte
	for i, w := range sim.Writes {
		if w.Block != 2 {
			t.Errorf("write %d used block %d, want 2", i, w.Block)
		}
		if w.Address != wantAddrs[i] {
			t.Errorf("write %d at 0x%08X, want 0x%08X", i, w.Address, wantAddrs[i])
		}
		rebuilt = append(rebuilt, w.Data...)
	}
	if !bytes.Equal(rebuilt, img) {
		t.Error("image mismatch after reassembly")
	}

	// The target range was erased before writing
	if len(sim.Erased) != 2 || sim.Erased[0] != 0x08000000 || sim.Erased[1] != 0x08001000 {
		t.Errorf("erased = %#v, want the two covering sectors", sim.Erased)
	}

	// Manifestation points the device back at the image start
	if sim.Address != 0x08000000 {
		t.Errorf("post-manifest address = 0x%08X, want image start", sim.Address)
	}
	if sim.State() != StateDfuManifest {
		t.Errorf("device in %s, want dfuMANIFEST", sim.State())
	}
}

func TestDfuSeDownloadDefaultsToWritableSegment(t *testing.T) {
	sim := NewSimulator()
	// Option bytes region first, not writable; flash after it
	dev := openDfuSeDevice(t, sim, "@Flash/0x1FFF0000/1*004Ka/0x08000000/4*004Kg")

	if err := dev.Download(2048, testImage(100), false); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(sim.Writes) == 0 || sim.Writes[0].Address != 0x08000000 {
		t.Errorf("write went to 0x%08X, want the first writable segment", sim.Writes[0].Address)
	}
}

func TestDfuSeDownloadRejectsAddressOutsideMap(t *testing.T) {
	sim := NewSimulator()
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/4*004Kg")
	dev.SetStartAddress(0x20000000)

	if err := dev.Download(2048, testImage(100), false); err == nil {
		t.Error("expected error for start address outside the memory map")
	}
}

func TestDfuSeUpload(t *testing.T) {
	sim := NewSimulator()
	sim.UploadSource = testImage(2500)
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/4*004Kg")
	dev.SetStartAddress(0x08000000)

	got, err := dev.Upload(1024, 0)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !bytes.Equal(got, sim.UploadSource) {
		t.Errorf("read %d bytes, want %d, content mismatch", len(got), len(sim.UploadSource))
	}
	if sim.Address != 0x08000000 {
		t.Errorf("address pointer = 0x%08X, want the read start", sim.Address)
	}
}

func TestDfuSeUploadClampsToReadableSpan(t *testing.T) {
	sim := NewSimulator()
	sim.UploadSource = testImage(0x8000)
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/4*004Kg")
	dev.SetStartAddress(0x08000000)

	// The map only spans 16K; a larger request is clamped to it
	got, err := dev.Upload(1024, 0x8000)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(got) != 0x4000 {
		t.Errorf("read %d bytes, want 0x4000", len(got))
	}
}

func TestDfuSeUploadRejectsUnreadableSpan(t *testing.T) {
	sim := NewSimulator()
	sim.UploadSource = testImage(4096)
	// A write-only run inside the span poisons the whole read
	dev := openDfuSeDevice(t, sim, "@Flash/0x08000000/2*004Kg,2*004Kd")
	dev.SetStartAddress(0x08000000)

	if _, err := dev.Upload(1024, 0); err == nil {
		t.Error("expected error for a span containing a non-readable segment")
	}
}

func TestNewFirmwareDeviceSelection(t *testing.T) {
	sim := NewSimulator()

	fw, err := NewFirmwareDevice(sim, InterfaceSettings{Name: "@Internal Flash  /0x08000000/4*016Kg"})
	if err != nil {
		t.Fatalf("NewFirmwareDevice: %v", err)
	}
	if _, ok := fw.(*DfuSeDevice); !ok {
		t.Errorf("memory-descriptor name selected %T, want *DfuSeDevice", fw)
	}

	fw, err = NewFirmwareDevice(sim, InterfaceSettings{Name: "Firmware Update"})
	if err != nil {
		t.Fatalf("NewFirmwareDevice: %v", err)
	}
	if _, ok := fw.(*Device); !ok {
		t.Errorf("plain name selected %T, want *Device", fw)
	}
}
