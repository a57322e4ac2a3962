package memmap

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// LayoutLexer defines the lexical structure of the DfuSe memory layout
// clause, the portion of the alternate-setting name that follows the
// "@Name" prefix. A layout clause looks like:
//
//	/0x08000000/4*016Kg,1*064Kg,7*128Kg
//
// Note that a bare space is a meaningful token: it is the "multiply by
// one" sector size unit, so whitespace cannot be elided.
var LayoutLexer = lexer.MustSimple([]lexer.SimpleRule{
	// Absolute base address of a contiguous group of sectors
	{Name: "Hex", Pattern: `0[xX][0-9A-Fa-f]+`},

	// Sector counts and sizes
	{Name: "Num", Pattern: `[0-9]+`},

	// Separators
	{Name: "Slash", Pattern: `/`},
	{Name: "Comma", Pattern: `,`},
	{Name: "Star", Pattern: `\*`},

	// Permission character: 'a' (1) through 'g' (7) encodes a 3-bit
	// readable/erasable/writable mask
	{Name: "Mode", Pattern: `[a-g]`},

	// Sector size multiplier: ' ' and 'B' are bytes, 'K' is KiB, 'M' is MiB
	{Name: "Unit", Pattern: `[ BKM]`},
})
