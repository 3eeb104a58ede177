package wp

import (
	"context"
	"errors"
	"fmt"

	"github.com/gentam/goflash/spicmd"
)

// Error kinds for the write-protect engine, per spec.md §7.
var (
	ErrChipUnsupported  = errors.New("wp: chip does not support write-protect")
	ErrRangeUnsupported = errors.New("wp: requested range is not representable by this chip's bit map")
	ErrModeUnsupported  = errors.New("wp: requested mode is rejected (power-cycle/permanent lock chosen deliberately)")
	ErrUnsupportedState = errors.New("wp: chip is in per-sector protection state (WPS=1), not representable")
	ErrVerifyFailed     = errors.New("wp: register readback does not match what was written")
)

// StatusReader is the minimal capability ops.go needs from a SpiMaster: run
// one command and get back bytes. Kept separate from prog.SpiMaster so this
// package does not need to import prog/spi, breaking a potential cycle.
type StatusReader interface {
	Execute(ctx context.Context, cmd *spicmd.Command) error
}

func readRegister(ctx context.Context, m StatusReader, reg StatusRegister) (byte, error) {
	var opcode byte
	switch reg {
	case SR1:
		opcode = spicmd.OpReadStatus1
	case SR2:
		opcode = spicmd.OpReadStatus2
	case SR3:
		opcode = spicmd.OpReadStatus3
	default:
		return 0, fmt.Errorf("wp: unsupported register %d", reg)
	}
	buf := make([]byte, 1)
	cmd := &spicmd.Command{Opcode: opcode, ReadBuf: buf}
	if err := m.Execute(ctx, cmd); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func writeRegister(ctx context.Context, m StatusReader, reg StatusRegister, value byte) error {
	var opcode byte
	switch reg {
	case SR1:
		opcode = spicmd.OpWriteStatus1
	case SR2:
		opcode = spicmd.OpWriteStatus2
	case SR3:
		opcode = spicmd.OpWriteStatus3
	default:
		return fmt.Errorf("wp: unsupported register %d", reg)
	}
	wren := &spicmd.Command{Opcode: spicmd.OpWriteEnable}
	if err := m.Execute(ctx, wren); err != nil {
		return err
	}
	cmd := &spicmd.Command{Opcode: opcode, WriteData: []byte{value}}
	return m.Execute(ctx, cmd)
}

// writeRegisterPair issues the atomic two-byte SR1+SR2 write some chips
// accept (opcode 0x01 with two data bytes) instead of two separate writes.
func writeRegisterPair(ctx context.Context, m StatusReader, sr1, sr2 byte) error {
	wren := &spicmd.Command{Opcode: spicmd.OpWriteEnable}
	if err := m.Execute(ctx, wren); err != nil {
		return err
	}
	cmd := &spicmd.Command{Opcode: spicmd.OpWriteStatus1, WriteData: []byte{sr1, sr2}}
	return m.Execute(ctx, cmd)
}

func readBit(reg byte, bitIndex uint8) uint8 {
	return (reg >> bitIndex) & 1
}

// ReadBits reads every bit named in regBits from the chip's status
// registers and assembles them into a Bits value. SR3 is read only when
// regBits maps a bit into it; in that case, if the WPS bit (bit 7 of SR3,
// per-sector mode) reads 1, ReadBits fails with ErrUnsupportedState. With
// no SR3 bits in the map, WPS is not checked.
func ReadBits(ctx context.Context, m StatusReader, regBits RegBitMap) (Bits, error) {
	var sr1, sr2, sr3 byte
	var err error
	needSr1, needSr2, needSr3 := false, false, false
	for _, rb := range regBits.Bits {
		switch rb.Register {
		case SR1:
			needSr1 = true
		case SR2:
			needSr2 = true
		case SR3:
			needSr3 = true
		}
	}
	if needSr1 {
		if sr1, err = readRegister(ctx, m, SR1); err != nil {
			return Bits{}, err
		}
	}
	if needSr2 {
		if sr2, err = readRegister(ctx, m, SR2); err != nil {
			return Bits{}, err
		}
	}
	if needSr3 {
		if sr3, err = readRegister(ctx, m, SR3); err != nil {
			return Bits{}, err
		}
		if readBit(sr3, 7) == 1 {
			return Bits{}, ErrUnsupportedState
		}
	}

	regVal := func(reg StatusRegister) byte {
		switch reg {
		case SR1:
			return sr1
		case SR2:
			return sr2
		case SR3:
			return sr3
		default:
			return 0
		}
	}

	bits := Bits{BpCount: regBits.BpCount()}
	get := func(name BitName) *uint8 {
		rb := regBits.Get(name)
		if rb.Writability == NotPresent {
			return nil
		}
		return u8(readBit(regVal(rb.Register), rb.BitIndex))
	}
	bits.Srp = get(BitSRP)
	bits.Srl = get(BitSRL)
	bits.Cmp = get(BitCMP)
	bits.Sec = get(BitSEC)
	bits.Tb = get(BitTB)
	for i, name := range []BitName{BitBP0, BitBP1, BitBP2, BitBP3} {
		if i >= bits.BpCount {
			break
		}
		if v := get(name); v != nil {
			bits.Bp[i] = *v
		}
	}
	return bits, nil
}

// ReadConfig reads the current Bits and derives a Config (mode + range).
func ReadConfig(ctx context.Context, m StatusReader, profile Profile, chipSize uint32) (Config, error) {
	bits, err := ReadBits(ctx, m, profile.RegBits)
	if err != nil {
		return Config{}, err
	}
	return Config{Mode: bits.ModeOf(), Range: DecodeRange(bits, profile.Decoder, chipSize)}, nil
}

// WriteOptions tune the write path.
type WriteOptions struct {
	// Verify re-reads the masked bits after writing and fails with
	// ErrVerifyFailed if they don't match.
	Verify bool
}

// buildRegisterValues places each present bit from bits at its mapped
// location, returning (sr1, sr2, sr3, mask1, mask2, mask3) where a set mask
// bit means "this bit is being changed by this write".
func buildRegisterValues(regBits RegBitMap, bits Bits) (vals [3]byte, masks [3]byte) {
	set := func(rb RegBit, v uint8) {
		idx := int(rb.Register)
		if idx > 2 {
			return // ConfigRegister bits aren't part of SR1/2/3 merge
		}
		if v != 0 {
			vals[idx] |= 1 << rb.BitIndex
		}
		masks[idx] |= 1 << rb.BitIndex
	}
	apply := func(name BitName, p *uint8) {
		rb := regBits.Get(name)
		if rb.Writability == NotPresent || rb.Writability == ReadOnly || p == nil {
			return
		}
		set(rb, *p)
	}
	apply(BitSRP, bits.Srp)
	apply(BitSRL, bits.Srl)
	apply(BitCMP, bits.Cmp)
	apply(BitSEC, bits.Sec)
	apply(BitTB, bits.Tb)
	for i, name := range []BitName{BitBP0, BitBP1, BitBP2, BitBP3} {
		if i >= bits.BpCount {
			break
		}
		apply(name, u8(bits.Bp[i]))
	}
	return vals, masks
}

// WriteBits merges bits into the chip's current SR1/SR2/SR3 values,
// preserving every bit outside the computed write mask (spec.md §4.7
// write path), then optionally verifies.
func WriteBits(ctx context.Context, m StatusReader, regBits RegBitMap, bits Bits, opts WriteOptions) error {
	var current [3]byte
	var err error
	if current[0], err = readRegister(ctx, m, SR1); err != nil {
		return err
	}
	if current[1], err = readRegister(ctx, m, SR2); err != nil {
		return err
	}
	if current[2], err = readRegister(ctx, m, SR3); err != nil {
		return err
	}

	newVals, masks := buildRegisterValues(regBits, bits)

	final := [3]byte{}
	for i := range final {
		final[i] = (current[i] &^ masks[i]) | (newVals[i] & masks[i])
	}

	dirty1 := masks[0] != 0
	dirty2 := masks[1] != 0
	if dirty1 && dirty2 {
		if err := writeRegisterPair(ctx, m, final[0], final[1]); err != nil {
			return err
		}
	} else if dirty1 {
		if err := writeRegister(ctx, m, SR1, final[0]); err != nil {
			return err
		}
	} else if dirty2 {
		if err := writeRegister(ctx, m, SR2, final[1]); err != nil {
			return err
		}
	}
	if masks[2] != 0 {
		if err := writeRegister(ctx, m, SR3, final[2]); err != nil {
			return err
		}
	}

	if opts.Verify {
		var readback [3]byte
		if readback[0], err = readRegister(ctx, m, SR1); err != nil {
			return err
		}
		if readback[1], err = readRegister(ctx, m, SR2); err != nil {
			return err
		}
		if readback[2], err = readRegister(ctx, m, SR3); err != nil {
			return err
		}
		for i := range readback {
			if readback[i]&masks[i] != final[i]&masks[i] {
				return ErrVerifyFailed
			}
		}
	}
	return nil
}

// SetMode changes only SRP/SRL. Per spec.md §4.7's mode-change policy,
// PowerCycle and Permanent are rejected to avoid accidentally locking the
// chip; only Disabled and Hardware are settable.
func SetMode(ctx context.Context, m StatusReader, regBits RegBitMap, mode Mode, opts WriteOptions) error {
	if mode == ModePowerCycle || mode == ModePermanent {
		return ErrModeUnsupported
	}
	bits := Bits{}
	switch mode {
	case ModeDisabled:
		bits.Srp, bits.Srl = u8(0), u8(0)
	case ModeHardware:
		bits.Srp, bits.Srl = u8(1), u8(0)
	}
	return WriteBits(ctx, m, regBits, bits, opts)
}

// SetRange finds a bit combination representing want and writes it,
// failing with ErrRangeUnsupported if no combination matches exactly.
func SetRange(ctx context.Context, m StatusReader, profile Profile, chipSize uint32, want Range, opts WriteOptions) error {
	bits, ok := FindBitsForRange(profile.RegBits, profile.Decoder, chipSize, want)
	if !ok {
		return ErrRangeUnsupported
	}
	return WriteBits(ctx, m, profile.RegBits, bits, opts)
}

// WriteConfig sets both mode and range in one call.
func WriteConfig(ctx context.Context, m StatusReader, profile Profile, chipSize uint32, cfg Config, opts WriteOptions) error {
	if err := SetMode(ctx, m, profile.RegBits, cfg.Mode, opts); err != nil {
		return err
	}
	return SetRange(ctx, m, profile, chipSize, cfg.Range, opts)
}

// Disable clears protection entirely: mode Disabled, range None.
func Disable(ctx context.Context, m StatusReader, profile Profile, chipSize uint32, opts WriteOptions) error {
	return WriteConfig(ctx, m, profile, chipSize, Config{Mode: ModeDisabled, Range: None}, opts)
}

// AvailableRanges reports every range the chip's bit map can represent.
func AvailableRanges(profile Profile, chipSize uint32) []Range {
	return GetAllRanges(profile.RegBits, profile.Decoder, chipSize)
}
