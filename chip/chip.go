// Package chip holds the chip database's value types: ChipDescriptor,
// EraseBlock, AddressMode, and the feature bits a chip is known to support.
// The database itself (C3) is a flat in-memory table keyed by JEDEC ID,
// generalizing an earlier flashParams map in flash_params.go from two
// hardcoded entries to an open, loader-populated registry.
package chip

import (
	"fmt"

	"github.com/gentam/goflash/wp"
)

// WriteGranularity describes the smallest unit a programmer can flip bits
// in during a program operation.
type WriteGranularity uint8

const (
	WriteGranularityBit WriteGranularity = iota
	WriteGranularityByte
	WriteGranularityPage
)

// EraseLayout is either a uniform run of same-size sectors or a
// non-uniform sequence of (size, count) pairs, mirroring spec.md §3.
type EraseLayout struct {
	Uniform    bool
	Size       uint32 // valid when Uniform
	NonUniform []SizeCount
}

type SizeCount struct {
	Size  uint32
	Count uint32
}

// EraseBlock names one erase granularity a chip supports along with the
// opcode that triggers it.
type EraseBlock struct {
	Opcode byte
	Layout EraseLayout
}

// TotalSize returns the byte span a non-uniform erase-block layout covers;
// for a uniform layout it returns 0.
func (e EraseBlock) TotalSize() uint32 {
	if e.Layout.Uniform {
		return 0 // caller divides by chip TotalSize; uniform blocks cover the whole chip by definition
	}
	var total uint32
	for _, sc := range e.Layout.NonUniform {
		total += sc.Size * sc.Count
	}
	return total
}

// MinBlockSize returns the smallest sector size this erase block ever uses,
// used to check address/length alignment.
func (e EraseBlock) MinBlockSize() uint32 {
	if e.Layout.Uniform {
		return e.Layout.Size
	}
	min := ^uint32(0)
	for _, sc := range e.Layout.NonUniform {
		if sc.Size < min {
			min = sc.Size
		}
	}
	return min
}

// MaxBlockSize returns the largest sector size this erase block ever uses.
func (e EraseBlock) MaxBlockSize() uint32 {
	if e.Layout.Uniform {
		return e.Layout.Size
	}
	var max uint32
	for _, sc := range e.Layout.NonUniform {
		if sc.Size > max {
			max = sc.Size
		}
	}
	return max
}

// BlockSizeAtOffset returns the sector size covering offsetInLayout, or
// false if the offset falls outside a non-uniform layout's span.
func (e EraseBlock) BlockSizeAtOffset(offsetInLayout uint32) (uint32, bool) {
	if e.Layout.Uniform {
		return e.Layout.Size, true
	}
	var pos uint32
	for _, sc := range e.Layout.NonUniform {
		span := sc.Size * sc.Count
		if offsetInLayout < pos+span {
			return sc.Size, true
		}
		pos += span
	}
	return 0, false
}

// AddressMode selects 3-byte or 4-byte addressing for a chip.
type AddressMode uint8

const (
	AddressThreeByte AddressMode = iota
	AddressFourByte
)

// Descriptor is the database record for one chip, returned by a loader and
// augmented by probe. Field names follow spec.md §3's ChipDescriptor.
type Descriptor struct {
	Vendor            string
	Name              string
	JedecManufacturer byte
	JedecDevice       uint16
	TotalSize         uint32 // power of two
	PageSize          uint32
	EraseBlocks       []EraseBlock // sorted smallest granularity first
	WriteGranularity  WriteGranularity
	Features          uint16 // spicmd.Features bits this chip's controller side needs, if any
	WpProfile         *wp.Profile
}

// MinEraseSize returns the smallest uniform/non-uniform erase granularity,
// or ok=false if the chip declares no erase blocks.
func (d Descriptor) MinEraseSize() (uint32, bool) {
	if len(d.EraseBlocks) == 0 {
		return 0, false
	}
	min := ^uint32(0)
	for _, eb := range d.EraseBlocks {
		if s := eb.MinBlockSize(); s < min {
			min = s
		}
	}
	return min, true
}

// Validate checks the invariants from spec.md §3: total size is a power of
// two, every erase block size divides it, and a 4KiB erase exists unless
// write granularity is Page.
func (d Descriptor) Validate() error {
	if d.TotalSize == 0 || d.TotalSize&(d.TotalSize-1) != 0 {
		return fmt.Errorf("chip %s: total_size 0x%x is not a power of two", d.Name, d.TotalSize)
	}
	has4k := false
	for _, eb := range d.EraseBlocks {
		sizes := []uint32{eb.Layout.Size}
		if !eb.Layout.Uniform {
			sizes = sizes[:0]
			for _, sc := range eb.Layout.NonUniform {
				sizes = append(sizes, sc.Size)
			}
		}
		for _, s := range sizes {
			if s != 0 && d.TotalSize%s != 0 {
				return fmt.Errorf("chip %s: erase block size 0x%x does not divide total size 0x%x", d.Name, s, d.TotalSize)
			}
			if s == 4096 {
				has4k = true
			}
		}
	}
	if d.WriteGranularity != WriteGranularityPage && !has4k {
		return fmt.Errorf("chip %s: no 4KiB erase block despite non-Page write granularity", d.Name)
	}
	return nil
}

// ID is the (manufacturer, device) key the database and probe key off of.
type ID struct {
	Manufacturer byte
	Device       uint16
}

func (i ID) String() string {
	return fmt.Sprintf("%02X:%04X", i.Manufacturer, i.Device)
}
