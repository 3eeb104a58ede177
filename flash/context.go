// Package flash implements FlashContext and FlashDevice (C6+C7): the
// resolved addressing policy for one probed chip, and the unified
// read/write/erase/WP contract shared by the SPI and opaque adapters.
package flash

import (
	"github.com/gentam/goflash/chip"
	"github.com/gentam/goflash/sfdp"
)

// AddressMode re-exports chip.AddressMode under the name spec.md §3 uses
// for FlashContext's field, to keep call sites reading "flash.AddressMode"
// rather than reaching into the chip package for an address-mode value.
type AddressMode = chip.AddressMode

const (
	AddressThreeByte = chip.AddressThreeByte
	AddressFourByte  = chip.AddressFourByte
)

// Context is FlashContext from spec.md §3: chip description plus the
// resolved address mode, built once by probe and immutable for the
// lifetime of one FlashDevice.
type Context struct {
	Chip           chip.Descriptor
	AddressMode    AddressMode
	UseNative4Byte bool
}

// NewContext resolves the address mode and native-4-byte policy for a
// probed chip, per spec.md §4.3: 4-byte addressing iff the chip exceeds
// 16 MiB; native 4-byte opcodes are used iff a 4-byte instruction table
// was found in SFDP or the chip is 4-byte-only.
func NewContext(c chip.Descriptor, sfdpInfo *sfdp.Info) Context {
	ctx := Context{Chip: c}
	if c.TotalSize > 16<<20 {
		ctx.AddressMode = AddressFourByte
	} else {
		ctx.AddressMode = AddressThreeByte
	}

	fourByteOnly := sfdpInfo != nil && sfdpInfo.AddressMode == sfdp.AddressFourByteOnly
	hasNativeTable := sfdpInfo != nil && sfdpInfo.FourByteTable.Present
	ctx.UseNative4Byte = hasNativeTable || fourByteOnly
	return ctx
}

func (c Context) TotalSize() uint32 { return c.Chip.TotalSize }

func (c Context) PageSize() int {
	if c.Chip.PageSize == 0 {
		return 256
	}
	return int(c.Chip.PageSize)
}

// IsValidRange reports whether [addr, addr+length) fits within the chip.
func (c Context) IsValidRange(addr uint32, length int) bool {
	if length == 0 {
		return addr <= c.TotalSize()
	}
	end := addr + uint32(length)
	return end > addr && end <= c.TotalSize()
}
