// Package tag decodes the 32-bit record tags written by instrumented kernels.
//
// A tag packs three fields:
//
//	bits 31..14  block index (18 bits)
//	bits 13..2   event category (12 bits)
//	bits  1..0   phase (2 bits)
package tag

import "fmt"

const (
	PhaseBits    = 2
	CategoryBits = 12
	BlockBits    = 18

	CategoryShift = PhaseBits
	BlockShift    = PhaseBits + CategoryBits

	PhaseMask    = 1<<PhaseBits - 1
	CategoryMask = 1<<CategoryBits - 1
	BlockMask    = 1<<BlockBits - 1
)

// Phase says whether a record opens a span, closes it, or marks an instant.
type Phase uint8

const (
	Begin   Phase = 0
	End     Phase = 1
	Instant Phase = 2
)

func (p Phase) String() string {
	switch p {
	case Begin:
		return "begin"
	case End:
		return "end"
	case Instant:
		return "instant"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Valid reports whether p is one of the phases a producer emits.
func (p Phase) Valid() bool {
	return p <= Instant
}

// Decode splits a tag into its fields. It never fails: any 32-bit value maps
// to some triple, and judging that triple is left to the caller.
func Decode(t uint32) (block, category uint32, phase Phase) {
	block = t >> BlockShift
	category = (t >> CategoryShift) & CategoryMask
	phase = Phase(t & PhaseMask)
	return block, category, phase
}

// Encode packs the fields the same way the device-side encode_tag does.
// Each field is truncated to its width.
func Encode(block, category uint32, phase Phase) uint32 {
	return (block&BlockMask)<<BlockShift |
		(category&CategoryMask)<<CategoryShift |
		uint32(phase)&PhaseMask
}
