package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNoIFDSignature is returned when the 0x0FF0A55A magic is not found
// within the first 4 KiB of the image.
var ErrNoIFDSignature = errors.New("layout: no Intel Flash Descriptor signature found")

const ifdSignature = 0x0FF0A55A

// regionNames is the fixed name table for the Flash Region table entries
// this core understands, in table order, per spec.md §4.6.
var regionNames = []string{"fd", "bios", "me", "gbe", "pd", "", "", "", "", "", "", "", "ec"}

// ParseIFD locates and parses an Intel Flash Descriptor within the first
// 4 KiB of image, per spec.md §4.6: the descriptor signature at a fixed
// offset, followed by a region base/limit table. This core only consumes
// IFDs; it never produces one.
//
// The on-flash layout: FLMAP0 (at descriptor offset 0x04, the dword right
// after the signature) packs the Flash Region Base Address (FRBA) in bits
// 23:16, in 16-byte units; the Flash Region table itself is an array of
// 4-byte entries, {limit (bits 30:16 of the entry, in 4KiB units), base
// (bits 14:0, in 4KiB units)}, one per named region.
func ParseIFD(image []byte) (Layout, error) {
	const scanLimit = 4096
	limit := min(scanLimit, len(image))

	sigOffset := -1
	for off := 0; off+4 <= limit; off += 4 {
		if binary.LittleEndian.Uint32(image[off:]) == ifdSignature {
			sigOffset = off
			break
		}
	}
	if sigOffset < 0 {
		return Layout{}, ErrNoIFDSignature
	}

	// The descriptor map (FLMAP0..FLMAP2) starts right after the 4-byte
	// signature.
	flmapOffset := sigOffset + 4
	if flmapOffset+4 > len(image) {
		return Layout{}, fmt.Errorf("layout: truncated IFD near offset 0x%x", sigOffset)
	}
	flmap0 := binary.LittleEndian.Uint32(image[flmapOffset:])
	frba := int((flmap0 >> 12) & 0xFF0) // FRBA: bits 23:16 in 16-byte units, already a byte offset once masked

	var regions []Region
	for i, name := range regionNames {
		if name == "" {
			continue
		}
		entryOff := frba + i*4
		if entryOff+4 > len(image) {
			continue
		}
		entry := binary.LittleEndian.Uint32(image[entryOff:])
		base := (entry & 0x7FFF) << 12
		lim := ((entry >> 16) & 0x7FFF) << 12
		if lim < base {
			continue // absent, per spec.md §4.6
		}
		regions = append(regions, Region{
			Name:     name,
			Start:    base,
			End:      lim + 0xFFF, // limit field marks the last included 4KiB block
			ReadOnly: name == "fd" || name == "me",
			Included: true,
		})
	}
	sortRegions(regions)

	l := Layout{Source: SourceIFD, Regions: regions}
	return l, nil
}
