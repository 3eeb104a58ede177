// Package chipdb is the in-memory chip database (C3): a flat table of
// chip.Descriptor records keyed by JEDEC (manufacturer, device) ID.
//
// Grounded on an earlier flash_params.go knownFlash map, generalized
// from two hardcoded chips with a paramOrMax fallback into an open
// Registry a loader can populate; per spec.md §2 the loader itself (the
// chip-database file format) is an external collaborator, so this package
// only owns the table and lookup, plus the chips already
// knew about, ported into chip.Descriptor form.
package chipdb

import (
	"fmt"

	"github.com/gentam/goflash/chip"
	"github.com/gentam/goflash/wp"
)

// Registry is a shared-read table of known chips. The zero value is an
// empty registry; use New to get one pre-populated with the built-ins.
type Registry struct {
	chips map[chip.ID]chip.Descriptor
}

// New returns a Registry seeded with the chips known at build time.
func New() *Registry {
	r := &Registry{chips: make(map[chip.ID]chip.Descriptor)}
	for _, d := range builtins() {
		r.Add(d)
	}
	return r
}

// Add inserts or replaces a chip record, keyed by its JEDEC ID.
func (r *Registry) Add(d chip.Descriptor) {
	if r.chips == nil {
		r.chips = make(map[chip.ID]chip.Descriptor)
	}
	r.chips[chip.ID{Manufacturer: d.JedecManufacturer, Device: d.JedecDevice}] = d
}

// Lookup returns the chip registered under (manufacturer, device).
func (r *Registry) Lookup(manufacturer byte, device uint16) (chip.Descriptor, bool) {
	d, ok := r.chips[chip.ID{Manufacturer: manufacturer, Device: device}]
	return d, ok
}

// Len reports how many chips are registered.
func (r *Registry) Len() int { return len(r.chips) }

func uniform4k(totalSize uint32) []chip.EraseBlock {
	return []chip.EraseBlock{
		{Opcode: 0x20, Layout: chip.EraseLayout{Uniform: true, Size: 4 << 10}},
		{Opcode: 0x52, Layout: chip.EraseLayout{Uniform: true, Size: 32 << 10}},
		{Opcode: 0xD8, Layout: chip.EraseLayout{Uniform: true, Size: 64 << 10}},
		{Opcode: 0xC7, Layout: chip.EraseLayout{Uniform: true, Size: totalSize}},
	}
}

// builtins ports an earlier flash_params.go knownFlash table (Micron
// N25Q32, Winbond W25Q128) into chip.Descriptor form and adds a GigaDevice
// GD25Q64 entry. Timing (tPP,
// tErase4KB, ...) moves to chipdb's companion timing table (see timing.go)
// since chip.Descriptor itself is a pure identity/geometry record per
// spec.md §3.
func builtins() []chip.Descriptor {
	return []chip.Descriptor{
		{
			Vendor:            "Micron",
			Name:              "N25Q032",
			JedecManufacturer: 0x20,
			JedecDevice:       0xBA16,
			TotalSize:         4 << 20, // 32 Mbit
			PageSize:          256,
			EraseBlocks:       uniform4k(4 << 20),
			WriteGranularity:  chip.WriteGranularityByte,
		},
		{
			Vendor:            "Winbond",
			Name:              "W25Q128JV",
			JedecManufacturer: 0xEF,
			JedecDevice:       0x4018,
			TotalSize:         16 << 20, // 128 Mbit
			PageSize:          256,
			EraseBlocks:       uniform4k(16 << 20),
			WriteGranularity:  chip.WriteGranularityByte,
			WpProfile: &wp.Profile{
				RegBits: wp.WinbondStandard(),
				Decoder: wp.DecoderSpi25,
			},
		},
		{
			Vendor:            "GigaDevice",
			Name:              "GD25Q64",
			JedecManufacturer: 0xC8,
			JedecDevice:       0x4017,
			TotalSize:         8 << 20,
			PageSize:          256,
			EraseBlocks:       uniform4k(8 << 20),
			WriteGranularity:  chip.WriteGranularityByte,
			WpProfile: &wp.Profile{
				RegBits: wp.WinbondStandard(),
				Decoder: wp.DecoderSpi25BitCmp,
			},
		},
	}
}

// MustRegister panics if d fails chip.Descriptor.Validate; for use by
// tests and programmer init code that registers synthesized chips.
func MustRegister(r *Registry, d chip.Descriptor) {
	if err := d.Validate(); err != nil {
		panic(fmt.Sprintf("chipdb: %v", err))
	}
	r.Add(d)
}
