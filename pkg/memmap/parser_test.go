package memmap

import (
	"errors"
	"testing"
)

func TestParseSTM32InternalFlash(t *testing.T) {
	// Layout advertised by the STM32F4 bootloader
	info, err := Parse("@Flash/0x08000000/4*016Kg,1*064Kg,7*128Kg")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if info.Name != "Flash" {
		t.Errorf("Name = %q, want %q", info.Name, "Flash")
	}

	want := []Segment{
		{Start: 0x08000000, End: 0x08010000, SectorSize: 0x4000, Readable: true, Erasable: true, Writable: true},
		{Start: 0x08010000, End: 0x08020000, SectorSize: 0x10000, Readable: true, Erasable: true, Writable: true},
		{Start: 0x08020000, End: 0x08100000, SectorSize: 0x20000, Readable: true, Erasable: true, Writable: true},
	}

	if len(info.Segments) != len(want) {
		t.Fatalf("got %d segments, want %d", len(info.Segments), len(want))
	}
	for i, w := range want {
		if info.Segments[i] != w {
			t.Errorf("segment %d = %+v, want %+v", i, info.Segments[i], w)
		}
	}
}

func TestParseSegments(t *testing.T) {
	tests := []struct {
		name string
		desc string
		want []Segment
	}{
		{
			name: "single segment",
			desc: "@Internal Flash/0x08000000/8*001Ka",
			want: []Segment{
				{Start: 0x08000000, End: 0x08002000, SectorSize: 1024, Readable: true},
			},
		},
		{
			name: "space unit means bytes",
			desc: "@Option Bytes/0x1FFF7800/1*512 e",
			want: []Segment{
				{Start: 0x1FFF7800, End: 0x1FFF7A00, SectorSize: 512, Readable: true, Writable: true},
			},
		},
		{
			name: "explicit byte unit",
			desc: "@OTP/0x1FFF7000/1*128Bc",
			want: []Segment{
				{Start: 0x1FFF7000, End: 0x1FFF7080, SectorSize: 128, Readable: true, Erasable: true},
			},
		},
		{
			name: "megabyte unit",
			desc: "@External NOR/0x90000000/2*1Mg",
			want: []Segment{
				{Start: 0x90000000, End: 0x90200000, SectorSize: 1 << 20, Readable: true, Erasable: true, Writable: true},
			},
		},
		{
			name: "multiple address groups restart the cursor",
			desc: "@Multi/0x08000000/2*1Kg/0x1FFF0000/1*2Ka",
			want: []Segment{
				{Start: 0x08000000, End: 0x08000800, SectorSize: 1024, Readable: true, Erasable: true, Writable: true},
				{Start: 0x1FFF0000, End: 0x1FFF0800, SectorSize: 2048, Readable: true},
			},
		},
		{
			name: "cursor accumulates across comma groups",
			desc: "@Mixed/0x00000000/2*1Kg,4*2Kg,1*4Kg",
			want: []Segment{
				{Start: 0x0000, End: 0x0800, SectorSize: 1024, Readable: true, Erasable: true, Writable: true},
				{Start: 0x0800, End: 0x2800, SectorSize: 2048, Readable: true, Erasable: true, Writable: true},
				{Start: 0x2800, End: 0x3800, SectorSize: 4096, Readable: true, Erasable: true, Writable: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Parse(tt.desc)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.desc, err)
			}
			if len(info.Segments) != len(tt.want) {
				t.Fatalf("got %d segments, want %d", len(info.Segments), len(tt.want))
			}
			for i, w := range tt.want {
				if info.Segments[i] != w {
					t.Errorf("segment %d = %+v, want %+v", i, info.Segments[i], w)
				}
			}
		})
	}
}

func TestParseCoverageIsGapless(t *testing.T) {
	// Segments built from one address group must tile the address
	// space with no gaps and no overlaps.
	info, err := Parse("@Flash/0x08000000/4*016Kg,1*064Kg,7*128Kg")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cursor := uint32(0x08000000)
	for i, seg := range info.Segments {
		if seg.Start != cursor {
			t.Errorf("segment %d starts at 0x%08X, want 0x%08X", i, seg.Start, cursor)
		}
		if seg.End <= seg.Start {
			t.Errorf("segment %d has non-positive extent", i)
		}
		if (seg.End-seg.Start)%seg.SectorSize != 0 {
			t.Errorf("segment %d extent is not a whole number of sectors", i)
		}
		cursor = seg.End
	}
}

func TestParsePermissionModes(t *testing.T) {
	tests := []struct {
		mode     string
		readable bool
		erasable bool
		writable bool
	}{
		{"a", true, false, false},
		{"b", false, true, false},
		{"c", true, true, false},
		{"d", false, false, true},
		{"e", true, false, true},
		{"f", false, true, true},
		{"g", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			info, err := Parse("@X/0x0/1*1K" + tt.mode)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			seg := info.Segments[0]
			if seg.Readable != tt.readable || seg.Erasable != tt.erasable || seg.Writable != tt.writable {
				t.Errorf("mode %q = r%v e%v w%v, want r%v e%v w%v", tt.mode,
					seg.Readable, seg.Erasable, seg.Writable,
					tt.readable, tt.erasable, tt.writable)
			}
		})
	}
}

func TestParseRejectsNonDfuSeNames(t *testing.T) {
	tests := []struct {
		name string
		desc string
	}{
		{"plain interface name", "STM32 BOOTLOADER"},
		{"missing at sign", "Flash/0x08000000/4*016Kg"},
		{"missing separator", "@Flash"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.desc)
			if !errors.Is(err, ErrNotDfuSe) {
				t.Errorf("Parse(%q) error = %v, want ErrNotDfuSe", tt.desc, err)
			}
		})
	}
}

func TestParseRejectsMangledLayouts(t *testing.T) {
	tests := []struct {
		name string
		desc string
	}{
		{"missing sector count", "@Flash/0x08000000/*016Kg"},
		{"missing permissions", "@Flash/0x08000000/4*016K"},
		{"bad address", "@Flash/0xZZ/4*016Kg"},
		{"no segments", "@Flash/0x08000000/"},
		{"bad permission letter", "@Flash/0x08000000/4*016Kz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.desc)
			if err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.desc)
			}
			if errors.Is(err, ErrNotDfuSe) {
				t.Errorf("Parse(%q) = ErrNotDfuSe, want hard parse error", tt.desc)
			}
		})
	}
}
