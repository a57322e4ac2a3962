package memmap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
)

// ErrNotDfuSe reports that an alternate-setting name does not follow
// the DfuSe memory descriptor convention at all. Callers use it to
// fall back to plain DFU handling rather than treating the device as
// broken.
var ErrNotDfuSe = errors.New("memmap: not a DfuSe memory descriptor")

// Grammar nodes for the layout clause. The leading "@Name" prefix is
// split off before the participle parser runs (device names may
// contain arbitrary characters, including digits and unit letters).

type layoutNode struct {
	Groups []groupNode `parser:"@@+"`
}

// groupNode is one "/0xADDR/blocks" clause: a base address followed by
// comma-separated runs of uniformly sized sectors.
type groupNode struct {
	Address string      `parser:"Slash @Hex Slash"`
	Blocks  []blockNode `parser:"@@ ( Comma Unit? @@ )* Comma?"`
}

// blockNode is one "cnt*sizeU m" run, e.g. "4*016Kg".
type blockNode struct {
	Count string `parser:"@Num Star"`
	Size  string `parser:"@Num"`
	Unit  string `parser:"@Unit?"`
	Mode  string `parser:"@Mode"`
}

var layoutParser = participle.MustBuild[layoutNode](
	participle.Lexer(LayoutLexer),
	participle.UseLookahead(2),
)

// Parse decodes a DfuSe alternate-setting name of the form
//
//	@Name/0xADDR/cnt*sizeU m,cnt*sizeU m/0xADDR/...
//
// into a flat, ordered memory map with absolute segment addresses.
// Repeated blocks are expanded: the address cursor starts at each
// group's base address and advances through the comma-separated runs
// within the group.
//
// Strings that do not start with '@' or contain no '/' separator fail
// with ErrNotDfuSe. Anything else that does not match the grammar is a
// hard error: a device advertising a DfuSe-style name with a mangled
// layout cannot be programmed safely.
func Parse(name string) (*MemoryInfo, error) {
	sep := strings.Index(name, "/")
	if !strings.HasPrefix(name, "@") || sep < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotDfuSe, name)
	}

	info := &MemoryInfo{Name: strings.TrimSpace(name[1:sep])}

	layout, err := layoutParser.ParseString("", name[sep:])
	if err != nil {
		return nil, fmt.Errorf("memmap: malformed layout in %q: %w", name, err)
	}

	for _, group := range layout.Groups {
		cursor, err := parseHex(group.Address)
		if err != nil {
			return nil, fmt.Errorf("memmap: bad group address %q: %w", group.Address, err)
		}
		for _, block := range group.Blocks {
			seg, err := expandBlock(block, cursor)
			if err != nil {
				return nil, err
			}
			info.Segments = append(info.Segments, seg)
			cursor = seg.End
		}
	}

	if len(info.Segments) == 0 {
		return nil, fmt.Errorf("memmap: layout in %q declares no segments", name)
	}
	return info, nil
}

func expandBlock(block blockNode, start uint32) (Segment, error) {
	count, err := strconv.ParseUint(block.Count, 10, 32)
	if err != nil || count == 0 {
		return Segment{}, fmt.Errorf("memmap: bad sector count %q", block.Count)
	}
	size, err := strconv.ParseUint(block.Size, 10, 32)
	if err != nil || size == 0 {
		return Segment{}, fmt.Errorf("memmap: bad sector size %q", block.Size)
	}

	switch block.Unit {
	case "", " ", "B":
	case "K":
		size *= 1024
	case "M":
		size *= 1024 * 1024
	default:
		return Segment{}, fmt.Errorf("memmap: bad size unit %q", block.Unit)
	}

	// 'a' encodes permission value 1, 'g' encodes 7
	mode := block.Mode[0] - 'a' + 1

	return Segment{
		Start:      start,
		End:        start + uint32(size)*uint32(count),
		SectorSize: uint32(size),
		Readable:   mode&0x1 != 0,
		Erasable:   mode&0x2 != 0,
		Writable:   mode&0x4 != 0,
	}, nil
}

func parseHex(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
