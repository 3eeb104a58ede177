// Package wp implements the write-protect engine (C10): decoding and
// encoding of BP/TB/SEC/CMP status-register bits into protected address
// ranges, across the several chip-family variants spec.md §4.7 names.
//
// Grounded on original_source/crates/rflasher-core/src/wp/{types,ranges,ops}.rs,
// re-expressed with Go's pointer-nil-as-absent idiom (the same
// *ftdi.FT232H / *gpio.PinIO optionality style) in place of Option<T>.
package wp

import "fmt"

// Mode is the overall write-protect locking mode, derived from SRP+SRL.
type Mode uint8

const (
	ModeDisabled Mode = iota
	ModeHardware
	ModePowerCycle
	ModePermanent
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeHardware:
		return "hardware"
	case ModePowerCycle:
		return "power-cycle"
	case ModePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// DeriveMode maps (srl, srp) to a Mode per spec.md §4.7's table.
func DeriveMode(srl, srp bool) Mode {
	switch {
	case !srl && !srp:
		return ModeDisabled
	case !srl && srp:
		return ModeHardware
	case srl && !srp:
		return ModePowerCycle
	default:
		return ModePermanent
	}
}

// Bits is the full set of WP-related status register bits for one chip.
// Every field distinguishes "absent" (nil) from "present with value 0",
// matching that pointer-nil idiom rather than a boolean zero value.
type Bits struct {
	Srp *uint8
	Srl *uint8
	Cmp *uint8
	Sec *uint8
	Tb  *uint8
	// Bp holds up to 4 block-protect bits, indices 0..BpCount-1.
	Bp      [4]uint8
	BpCount int
}

func u8(v uint8) *uint8 { return &v }

// BpValue concatenates the present BP bits into one integer, LSB = Bp[0].
func (b Bits) BpValue() uint32 {
	var v uint32
	for i := 0; i < b.BpCount; i++ {
		v |= uint32(b.Bp[i]&1) << i
	}
	return v
}

// SetBpValue writes back v's low BpCount bits into Bp[0..BpCount).
func (b *Bits) SetBpValue(v uint32) {
	for i := 0; i < b.BpCount; i++ {
		b.Bp[i] = uint8((v >> i) & 1)
	}
}

func boolBit(p *uint8) bool { return p != nil && *p != 0 }

// ModeOf derives the Mode from this Bits' Srl/Srp, defaulting both to 0
// when absent (a chip with no SRL exposes only hardware/disabled via SRP).
func (b Bits) ModeOf() Mode {
	return DeriveMode(boolBit(b.Srl), boolBit(b.Srp))
}

// Range is a protected address span; Len==0 means unprotected.
type Range struct {
	Start uint32
	Len   uint32
}

// None is the canonical unprotected range.
var None = Range{}

// Full returns the whole-chip protected range for a chip of the given size.
func Full(chipSize uint32) Range { return Range{Start: 0, Len: chipSize} }

func (r Range) IsNone() bool { return r.Len == 0 }
func (r Range) End() uint32  { return r.Start + r.Len } // exclusive

func (r Range) Contains(addr uint32) bool {
	return !r.IsNone() && addr >= r.Start && addr < r.End()
}

func (r Range) Overlaps(addr, length uint32) bool {
	if r.IsNone() || length == 0 {
		return false
	}
	end := addr + length
	return addr < r.End() && end > r.Start
}

// Config bundles the lock Mode with the currently protected Range.
type Config struct {
	Mode  Mode
	Range Range
}

// StatusRegister names which status register a bit lives in.
type StatusRegister uint8

const (
	SR1 StatusRegister = iota
	SR2
	SR3
	ConfigRegister
)

// Writability describes whether and how a status-register bit can be
// changed by software.
type Writability uint8

const (
	NotPresent Writability = iota
	ReadOnly
	ReadWrite
	Otp // one-time-programmable: writable once, then permanent
)

// BitName enumerates the named WP bits a RegBitMap maps.
type BitName uint8

const (
	BitSRP BitName = iota
	BitSRL
	BitCMP
	BitSEC
	BitTB
	BitBP0
	BitBP1
	BitBP2
	BitBP3
	bitNameCount
)

// RegBit describes where one named bit lives and how it may be written.
type RegBit struct {
	Register    StatusRegister
	BitIndex    uint8
	Writability Writability
}

// RegBitMap is a chip family's fixed map from named WP bits to their
// physical (register, bit_index) location and writability.
type RegBitMap struct {
	Bits [bitNameCount]RegBit
}

func (m RegBitMap) Get(name BitName) RegBit { return m.Bits[name] }

func (m RegBitMap) BpCount() int {
	n := 0
	for _, name := range []BitName{BitBP0, BitBP1, BitBP2, BitBP3} {
		if m.Bits[name].Writability != NotPresent {
			n++
		}
	}
	return n
}

// WinbondStandard is the common Winbond-style map: SRP(SR1.7), SEC(SR1.6),
// TB(SR1.5), BP2..0(SR1.4:2), SRL(SR2.0), CMP(SR2.6). Grounded on
// flash.go's StatusRegister bit layout (SRP/SEC/TB/BP2-0 at the same
// indices) generalized with SR2's SRL/CMP.
func WinbondStandard() RegBitMap {
	return RegBitMap{Bits: [bitNameCount]RegBit{
		BitSRP: {SR1, 7, ReadWrite},
		BitSRL: {SR2, 0, ReadWrite},
		BitCMP: {SR2, 6, ReadWrite},
		BitSEC: {SR1, 6, ReadWrite},
		BitTB:  {SR1, 5, ReadWrite},
		BitBP0: {SR1, 2, ReadWrite},
		BitBP1: {SR1, 3, ReadWrite},
		BitBP2: {SR1, 4, ReadWrite},
		BitBP3: {SR1, 0, NotPresent},
	}}
}

// WinbondWithBP3 extends WinbondStandard with a fourth block-protect bit
// at SR1.6, displacing SEC (large-density Winbond parts with BP3 drop SEC).
func WinbondWithBP3() RegBitMap {
	m := WinbondStandard()
	m.Bits[BitBP3] = RegBit{SR1, 6, ReadWrite}
	m.Bits[BitSEC] = RegBit{SR1, 0, NotPresent}
	return m
}

// Decoder selects which of the four range-decoding algorithms applies to a
// chip family.
type Decoder uint8

const (
	DecoderSpi25 Decoder = iota
	DecoderSpi25_64kBlock
	DecoderSpi25BitCmp
	DecoderSpi25_2xBlock
)

// Profile is the per-chip WP configuration referenced from
// chip.Descriptor.WpProfile: which bits exist and how ranges decode.
type Profile struct {
	RegBits RegBitMap
	Decoder Decoder
}
