// Package probe implements chip identification (C5): JEDEC ID read,
// chip-database lookup, independent SFDP parsing, and cross-checking
// between the two. Grounded on an earlier Flash.ReadID (flash.go),
// generalized from "look up a 3-byte ID in a 2-entry map" into the full
// decision table spec.md §4.3 describes.
package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/gentam/goflash/chip"
	"github.com/gentam/goflash/chipdb"
	"github.com/gentam/goflash/prog"
	"github.com/gentam/goflash/sfdp"
	"github.com/gentam/goflash/spi"
)

var ErrChipNotSupported = errors.New("probe: chip not supported (no JEDEC match, no SFDP)")

// MismatchField names which part of a database record disagreed with SFDP.
type MismatchField uint8

const (
	MismatchTotalSize MismatchField = iota
	MismatchPageSize
	MismatchEraseTypes
	MismatchAddressMode
)

func (f MismatchField) String() string {
	switch f {
	case MismatchTotalSize:
		return "total_size"
	case MismatchPageSize:
		return "page_size"
	case MismatchEraseTypes:
		return "erase_types"
	case MismatchAddressMode:
		return "address_mode"
	default:
		return "unknown"
	}
}

// Critical reports whether a mismatch kind can cause silent corruption on
// a later operation and so must be surfaced even when the operation
// otherwise succeeds (spec.md §7).
func (f MismatchField) Critical() bool {
	return f == MismatchTotalSize || f == MismatchPageSize
}

type Mismatch struct {
	Field    MismatchField
	Database any
	Sfdp     any
}

// Result is the ProbeResult from spec.md §3.
type Result struct {
	Chip              chip.Descriptor
	Sfdp              *sfdp.Info
	FromDatabase      bool
	Mismatches        []Mismatch
	JedecManufacturer byte
	JedecDevice       uint16
}

// Probe runs the identification pipeline against an SpiMaster: RDID, a
// database lookup, an independent SFDP parse, and reconciliation between
// the two per spec.md §4.3 step 4.
func Probe(ctx context.Context, m prog.SpiMaster, db *chipdb.Registry) (Result, error) {
	mfg, dev, err := spi.ReadID(ctx, m)
	if err != nil {
		return Result{}, fmt.Errorf("probe: RDID: %w", err)
	}

	dbChip, haveDB := db.Lookup(mfg, dev)

	sfdpInfo, sfdpErr := sfdp.Probe(ctx, m)
	haveSfdp := sfdpErr == nil

	result := Result{FromDatabase: haveDB, JedecManufacturer: mfg, JedecDevice: dev}
	if haveSfdp {
		s := sfdpInfo
		result.Sfdp = &s
	}

	switch {
	case haveDB && haveSfdp:
		result.Chip = dbChip
		result.Mismatches = reconcile(dbChip, sfdpInfo)
	case haveDB:
		result.Chip = dbChip
	case haveSfdp:
		result.Chip = synthesize(mfg, dev, sfdpInfo)
	default:
		return Result{}, ErrChipNotSupported
	}

	return result, nil
}

func addressModeFromSfdp(s sfdp.AddressModeSupport) chip.AddressMode {
	if s == sfdp.AddressFourByteOnly {
		return chip.AddressFourByte
	}
	return chip.AddressThreeByte
}

// synthesize builds a ChipDescriptor purely from an SFDP table, when no
// database entry matched (spec.md §4.3: "SFDP only -> synthesize").
func synthesize(mfg byte, dev uint16, s sfdp.Info) chip.Descriptor {
	totalSize := s.TotalSize()
	pageSize := s.PageSize
	if pageSize == 0 {
		pageSize = 256
	}

	var blocks []chip.EraseBlock
	for _, et := range s.EraseTypes {
		if et.SizeLog2 == 0 {
			continue
		}
		blocks = append(blocks, chip.EraseBlock{
			Opcode: et.Opcode,
			Layout: chip.EraseLayout{Uniform: true, Size: et.Size()},
		})
	}

	return chip.Descriptor{
		Vendor:            "unknown",
		Name:              fmt.Sprintf("SFDP-%02X%04X", mfg, dev),
		JedecManufacturer: mfg,
		JedecDevice:       dev,
		TotalSize:         totalSize,
		PageSize:          pageSize,
		EraseBlocks:       blocks,
		WriteGranularity:  chip.WriteGranularityByte,
	}
}

// reconcile compares a database record against an independently parsed
// SFDP table, producing the mismatch list spec.md §4.3 step 4 calls for.
func reconcile(dbChip chip.Descriptor, s sfdp.Info) []Mismatch {
	var out []Mismatch
	if sfdpSize := s.TotalSize(); sfdpSize != 0 && sfdpSize != dbChip.TotalSize {
		out = append(out, Mismatch{Field: MismatchTotalSize, Database: dbChip.TotalSize, Sfdp: sfdpSize})
	}
	if s.PageSize != 0 && s.PageSize != dbChip.PageSize {
		out = append(out, Mismatch{Field: MismatchPageSize, Database: dbChip.PageSize, Sfdp: s.PageSize})
	}

	dbMode := dbModeFor(dbChip)
	sfdpMode := addressModeFromSfdp(s.AddressMode)
	if dbMode != sfdpMode {
		out = append(out, Mismatch{Field: MismatchAddressMode, Database: dbMode, Sfdp: sfdpMode})
	}

	if dbErase, sfdpErase := eraseOpcodeSet(dbChip), eraseOpcodeSetFromSfdp(s); !equalSet(dbErase, sfdpErase) {
		out = append(out, Mismatch{Field: MismatchEraseTypes, Database: dbErase, Sfdp: sfdpErase})
	}
	return out
}

func dbModeFor(d chip.Descriptor) chip.AddressMode {
	if d.TotalSize > 16<<20 {
		return chip.AddressFourByte
	}
	return chip.AddressThreeByte
}

func eraseOpcodeSet(d chip.Descriptor) map[byte]bool {
	set := map[byte]bool{}
	for _, eb := range d.EraseBlocks {
		set[eb.Opcode] = true
	}
	return set
}

func eraseOpcodeSetFromSfdp(s sfdp.Info) map[byte]bool {
	set := map[byte]bool{}
	for _, et := range s.EraseTypes {
		if et.SizeLog2 != 0 {
			set[et.Opcode] = true
		}
	}
	return set
}

func equalSet(a, b map[byte]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
