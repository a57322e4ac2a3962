package memmap

import "fmt"

// Segment is one contiguous run of uniformly sized sectors in the
// device's address space. Start is inclusive, End exclusive.
type Segment struct {
	Start      uint32
	End        uint32
	SectorSize uint32
	Readable   bool
	Erasable   bool
	Writable   bool
}

// Contains reports whether addr falls inside the segment's half-open
// [Start, End) range.
func (s *Segment) Contains(addr uint32) bool {
	return s.Start <= addr && addr < s.End
}

// SectorStart returns the address of the first byte of the sector
// containing addr. The caller must ensure addr lies inside the segment.
func (s *Segment) SectorStart(addr uint32) uint32 {
	return s.Start + (addr-s.Start)/s.SectorSize*s.SectorSize
}

// SectorEnd returns the address one past the last byte of the sector
// containing addr.
func (s *Segment) SectorEnd(addr uint32) uint32 {
	return s.SectorStart(addr) + s.SectorSize
}

func (s *Segment) String() string {
	perms := [3]byte{'-', '-', '-'}
	if s.Readable {
		perms[0] = 'r'
	}
	if s.Erasable {
		perms[1] = 'e'
	}
	if s.Writable {
		perms[2] = 'w'
	}
	return fmt.Sprintf("0x%08X-0x%08X (%d x %d B, %s)",
		s.Start, s.End, (s.End-s.Start)/s.SectorSize, s.SectorSize, perms)
}

// MemoryInfo is the decoded memory map advertised by a DfuSe alternate
// setting. Segments appear in descriptor order; a well-formed
// descriptor lists them in ascending address order with no overlaps,
// and the address-stitching queries below rely on that ordering
// without re-sorting.
type MemoryInfo struct {
	Name     string
	Segments []Segment
}

// SegmentFor returns the segment containing addr, or nil if the
// address is outside the memory map.
func (m *MemoryInfo) SegmentFor(addr uint32) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Contains(addr) {
			return &m.Segments[i]
		}
	}
	return nil
}

// FirstWritableSegment returns the first segment with the writable
// permission bit set, in descriptor order, or nil if none exists.
func (m *MemoryInfo) FirstWritableSegment() *Segment {
	for i := range m.Segments {
		if m.Segments[i].Writable {
			return &m.Segments[i]
		}
	}
	return nil
}

// MaxReadSize returns how many bytes can be read in one pass starting
// at startAddr, stitching together segments that are adjacent by
// address. Hitting a non-readable segment anywhere in the walk makes
// the whole span unreadable: the result is 0, not the bytes
// accumulated up to that point.
func (m *MemoryInfo) MaxReadSize(startAddr uint32) uint32 {
	var n uint32
	addr := startAddr
	for i := range m.Segments {
		s := &m.Segments[i]
		if !s.Contains(addr) {
			continue
		}
		if !s.Readable {
			return 0
		}
		n += s.End - addr
		addr = s.End
	}
	return n
}
