// Package smartwrite implements the smart-write engine (C8): read each
// erase-granularity block, skip it if it already matches, erase only when
// a bit needs to flip 0->1, and otherwise program directly since SPI NOR
// can only clear bits without an erase. Grounded on an earlier
// Flash.Write (flash.go), generalized from "always page-program every
// byte of the reader" to the read-compare-erase-write policy spec.md §4.5
// requires.
package smartwrite

import (
	"context"
	"fmt"

	"github.com/gentam/goflash/flash"
)

// Phase names a stage for progress reporting, per spec.md §6's
// WriteProgress event.
type Phase uint8

const (
	PhaseReading Phase = iota
	PhaseErasing
	PhaseWriting
	PhaseVerifying
)

// Units names what Progress.Current/Total count.
type Units uint8

const (
	UnitsBytes Units = iota
	UnitsBlocks
)

// Progress is emitted by the engine; a CLI or other caller renders it. The
// engine itself never formats text, per spec.md §6's "hook, not contract".
type Progress struct {
	Phase   Phase
	Units   Units
	Current uint64
	Total   uint64
}

// ProgressFunc receives zero or more Progress events during Write. A nil
// func is a valid no-op sink.
type ProgressFunc func(Progress)

func (f ProgressFunc) emit(p Progress) {
	if f != nil {
		f(p)
	}
}

// Report summarizes what Write actually did, per spec.md §4.5.
type Report struct {
	BytesChanged  uint64
	BlocksErased  uint64
	BytesErased   uint64
	BlocksWritten uint64
	BytesWritten  uint64
}

// RegionFilter optionally restricts which bytes of [addr, addr+len) are
// actually written; bytes outside an included region are preserved by
// re-writing their current value rather than the desired one. A nil
// filter includes everything.
type RegionFilter interface {
	// Included reports whether the byte at absolute address a should be
	// written with the desired value.
	Included(a uint32) bool
}

type includeAll struct{}

func (includeAll) Included(uint32) bool { return true }

// Write drives d through smart-write semantics for desired written at
// addr, restricted by filter (pass includeAll{} or nil for "everything").
// The block size used is d.EraseGranularity(); a block that straddles a
// region edge is erased iff any overlapping, included byte needs erase.
func Write(ctx context.Context, d flash.Device, addr uint32, desired []byte, filter RegionFilter, progress ProgressFunc) (Report, error) {
	if filter == nil {
		filter = includeAll{}
	}
	blockSize := d.EraseGranularity()
	if blockSize == 0 {
		return Report{}, fmt.Errorf("smartwrite: device reports zero erase granularity")
	}

	var report Report
	total := uint64(len(desired))

	// Walk block-aligned spans that cover [addr, addr+len).
	blockStart := addr - addr%blockSize
	for blockStart < addr+uint32(len(desired)) {
		blockEnd := blockStart + blockSize

		current := make([]byte, blockSize)
		progress.emit(Progress{Phase: PhaseReading, Units: UnitsBytes, Current: uint64(blockStart - (addr - addr%blockSize)), Total: total})
		if err := d.Read(ctx, blockStart, current); err != nil {
			return report, err
		}

		target := make([]byte, blockSize)
		copy(target, current) // bytes outside [addr,addr+len) or excluded stay as-is
		needErase := false
		changed := false
		for i := uint32(0); i < blockSize; i++ {
			abs := blockStart + i
			if abs < addr || abs >= addr+uint32(len(desired)) {
				continue
			}
			if !filter.Included(abs) {
				continue
			}
			want := desired[abs-addr]
			target[i] = want
			if want != current[i] {
				changed = true
				report.BytesChanged++
				if current[i]&want != want {
					needErase = true
				}
			}
		}

		if changed {
			if needErase {
				progress.emit(Progress{Phase: PhaseErasing, Units: UnitsBlocks, Current: 1, Total: 1})
				if err := d.Erase(ctx, blockStart, blockSize); err != nil {
					return report, err
				}
				report.BlocksErased++
				report.BytesErased += uint64(blockSize)
			}
			progress.emit(Progress{Phase: PhaseWriting, Units: UnitsBytes, Current: uint64(blockSize), Total: total})
			if err := d.Write(ctx, blockStart, target); err != nil {
				return report, err
			}
			report.BlocksWritten++
			report.BytesWritten += uint64(blockSize)
		}

		blockStart = blockEnd
	}

	return report, nil
}

// Verify re-reads [addr, addr+len(desired)) and compares byte for byte,
// returning a *flash.VerifyError on the first mismatch found.
func Verify(ctx context.Context, d flash.Device, addr uint32, desired []byte, progress ProgressFunc) error {
	buf := make([]byte, len(desired))
	progress.emit(Progress{Phase: PhaseVerifying, Units: UnitsBytes, Current: 0, Total: uint64(len(desired))})
	if err := d.Read(ctx, addr, buf); err != nil {
		return err
	}
	for i, want := range desired {
		if buf[i] != want {
			return &flash.VerifyError{Offset: addr + uint32(i), Expected: want, Actual: buf[i]}
		}
	}
	return nil
}
