package flash

import (
	"context"

	"github.com/gentam/goflash/chip"
	"github.com/gentam/goflash/prog"
	"github.com/gentam/goflash/spi"
	"github.com/gentam/goflash/spicmd"
	"github.com/gentam/goflash/wp"
)

// SPIDevice adapts a prog.SpiMaster plus a Context into the unified
// Device contract. Grounded on
// original_source/crates/rflasher-core/src/flash/spi_device.rs's
// SpiFlashDevice, re-expressed with Go composition (an embedded struct
// holding the master, not a generic type parameter) the way a Flash struct
// own Flash struct embeds a spi.Conn + gpio.PinIO rather than being
// generic over a transport type.
type SPIDevice struct {
	Master prog.SpiMaster
	Ctx    Context
}

// NewSPIDevice wraps an already-probed Context around a SpiMaster.
func NewSPIDevice(m prog.SpiMaster, ctx Context) *SPIDevice {
	return &SPIDevice{Master: m, Ctx: ctx}
}

func (d *SPIDevice) Size() uint32 { return d.Ctx.TotalSize() }

func (d *SPIDevice) EraseGranularity() uint32 {
	if s, ok := d.Ctx.Chip.MinEraseSize(); ok {
		return s
	}
	return 4096
}

func (d *SPIDevice) WriteGranularity() chip.WriteGranularity { return d.Ctx.Chip.WriteGranularity }
func (d *SPIDevice) EraseBlocks() []chip.EraseBlock          { return d.Ctx.Chip.EraseBlocks }

func (d *SPIDevice) Read(ctx context.Context, addr uint32, buf []byte) error {
	if !d.Ctx.IsValidRange(addr, len(buf)) {
		return ErrAddressOutOfBounds
	}
	if d.Ctx.AddressMode == AddressThreeByte {
		return spi.Read3B(ctx, d.Master, addr, buf)
	}
	if d.Ctx.UseNative4Byte {
		return spi.Read4B(ctx, d.Master, addr, buf)
	}
	if err := spi.Enter4ByteMode(ctx, d.Master); err != nil {
		return err
	}
	err := spi.Read3B(ctx, d.Master, addr, buf)
	_ = spi.Exit4ByteMode(ctx, d.Master)
	return err
}

func (d *SPIDevice) Write(ctx context.Context, addr uint32, data []byte) error {
	if !d.Ctx.IsValidRange(addr, len(data)) {
		return ErrAddressOutOfBounds
	}

	pageSize := d.Ctx.PageSize()
	use4Byte := d.Ctx.AddressMode == AddressFourByte
	useNative := d.Ctx.UseNative4Byte

	maxWrite := d.Master.MaxWriteLen()
	if maxWrite <= 0 {
		maxWrite = pageSize
	}

	if use4Byte && !useNative {
		if err := spi.Enter4ByteMode(ctx, d.Master); err != nil {
			return err
		}
	}

	const pageProgramTimeoutUs = 10_000 // 10ms, per spec.md §4.4

	offset := 0
	current := addr
	for offset < len(data) {
		pageOffset := int(current) % pageSize
		bytesToPageEnd := pageSize - pageOffset
		remaining := len(data) - offset
		chunkSize := min(min(bytesToPageEnd, remaining), maxWrite)
		chunk := data[offset : offset+chunkSize]

		var err error
		if use4Byte && useNative {
			err = spi.ProgramPage4B(ctx, d.Master, current, chunk, pageProgramTimeoutUs)
		} else {
			err = spi.ProgramPage3B(ctx, d.Master, current, chunk, pageProgramTimeoutUs)
		}
		if err != nil {
			if use4Byte && !useNative {
				_ = spi.Exit4ByteMode(ctx, d.Master)
			}
			return err
		}
		offset += chunkSize
		current += uint32(chunkSize)
	}

	if use4Byte && !useNative {
		return spi.Exit4ByteMode(ctx, d.Master)
	}
	return nil
}

func (d *SPIDevice) Erase(ctx context.Context, addr, length uint32) error {
	if !d.Ctx.IsValidRange(addr, int(length)) {
		return ErrAddressOutOfBounds
	}

	eb, ok := selectEraseBlock(d.Ctx.Chip.EraseBlocks, addr, length)
	if !ok {
		return ErrInvalidAlignment
	}

	use4Byte := d.Ctx.AddressMode == AddressFourByte
	useNative := d.Ctx.UseNative4Byte
	opcode := eb.Opcode
	if use4Byte && useNative {
		opcode = spicmd.Map3ByteTo4ByteErase(opcode)
	}

	if use4Byte && !useNative {
		if err := spi.Enter4ByteMode(ctx, d.Master); err != nil {
			return err
		}
	}

	maxBlockSize := eb.MaxBlockSize()
	timeoutUs := eraseTimeoutUs(maxBlockSize)

	current := addr
	end := addr + length
	for current < end {
		offsetInLayout := current - addr
		blockSize, ok := eb.BlockSizeAtOffset(offsetInLayout)
		if !ok {
			blockSize = maxBlockSize
		}

		if err := spi.EraseBlock(ctx, d.Master, opcode, current, use4Byte && useNative, timeoutUs); err != nil {
			if use4Byte && !useNative {
				_ = spi.Exit4ByteMode(ctx, d.Master)
			}
			return err
		}
		if err := d.checkErasedRange(ctx, current, blockSize); err != nil {
			if use4Byte && !useNative {
				_ = spi.Exit4ByteMode(ctx, d.Master)
			}
			return err
		}
		current += blockSize
	}

	if use4Byte && !useNative {
		return spi.Exit4ByteMode(ctx, d.Master)
	}
	return nil
}

func (d *SPIDevice) checkErasedRange(ctx context.Context, addr, length uint32) error {
	const chunkSize = 4096
	buf := make([]byte, chunkSize)
	var offset uint32
	for offset < length {
		n := min(chunkSize, int(length-offset))
		chunk := buf[:n]
		if err := d.Read(ctx, addr+offset, chunk); err != nil {
			return err
		}
		for _, b := range chunk {
			if b != 0xFF {
				return ErrEraseError
			}
		}
		offset += uint32(n)
	}
	return nil
}

func eraseTimeoutUs(maxBlockSize uint32) uint32 {
	switch {
	case maxBlockSize <= 4096:
		return 500_000
	case maxBlockSize <= 32768:
		return 1_000_000
	case maxBlockSize <= 65536:
		return 2_000_000
	default:
		return 60_000_000
	}
}

// selectEraseBlock picks the largest erase block whose size divides both
// addr and length and whose total span does not exceed length, per
// spec.md §4.4.
func selectEraseBlock(blocks []chip.EraseBlock, addr, length uint32) (chip.EraseBlock, bool) {
	var best chip.EraseBlock
	var bestSize uint32
	found := false
	for _, eb := range blocks {
		minSize := eb.MinBlockSize()
		if minSize == 0 || addr%minSize != 0 || length%minSize != 0 {
			continue
		}
		if eb.Layout.Uniform {
			// Uniform blocks cover the whole chip; always a valid candidate
			// as long as alignment holds.
		} else if eb.TotalSize() > length {
			continue
		}
		maxSize := eb.MaxBlockSize()
		if !found || maxSize > bestSize {
			best, bestSize, found = eb, maxSize, true
		}
	}
	return best, found
}

// --- write-protect delegation ---

func (d *SPIDevice) WPSupported() bool { return d.Ctx.Chip.WpProfile != nil }

func (d *SPIDevice) statusReader() wp.StatusReader { return d.Master }

func (d *SPIDevice) ReadWPConfig(ctx context.Context) (wp.Config, error) {
	profile := d.Ctx.Chip.WpProfile
	if profile == nil {
		return wp.Config{}, wp.ErrChipUnsupported
	}
	return wp.ReadConfig(ctx, d.statusReader(), *profile, d.Size())
}

func (d *SPIDevice) WriteWPConfig(ctx context.Context, cfg wp.Config, opts wp.WriteOptions) error {
	profile := d.Ctx.Chip.WpProfile
	if profile == nil {
		return wp.ErrChipUnsupported
	}
	return wp.WriteConfig(ctx, d.statusReader(), *profile, d.Size(), cfg, opts)
}

func (d *SPIDevice) SetWPMode(ctx context.Context, mode wp.Mode, opts wp.WriteOptions) error {
	profile := d.Ctx.Chip.WpProfile
	if profile == nil {
		return wp.ErrChipUnsupported
	}
	return wp.SetMode(ctx, d.statusReader(), profile.RegBits, mode, opts)
}

func (d *SPIDevice) SetWPRange(ctx context.Context, r wp.Range, opts wp.WriteOptions) error {
	profile := d.Ctx.Chip.WpProfile
	if profile == nil {
		return wp.ErrChipUnsupported
	}
	return wp.SetRange(ctx, d.statusReader(), *profile, d.Size(), r, opts)
}

func (d *SPIDevice) DisableWP(ctx context.Context, opts wp.WriteOptions) error {
	profile := d.Ctx.Chip.WpProfile
	if profile == nil {
		return wp.ErrChipUnsupported
	}
	return wp.Disable(ctx, d.statusReader(), *profile, d.Size(), opts)
}

func (d *SPIDevice) AvailableWPRanges() []wp.Range {
	profile := d.Ctx.Chip.WpProfile
	if profile == nil {
		return nil
	}
	return wp.AvailableRanges(*profile, d.Size())
}
