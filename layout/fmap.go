package layout

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNoFMAP is returned when FindFMAP's binary search and linear fallback
// both fail to locate a valid header.
var ErrNoFMAP = errors.New("layout: no valid FMAP header found")

const (
	fmapSignature = "__FMAP__"
	fmapHeaderLen = 56
	fmapAreaLen   = 42
	minStride     = 256
)

// Flag bits on an FMAP area, per spec.md §4.6.
const (
	FlagStatic uint16 = 1 << 0 // read-only
	FlagRO     uint16 = 1 << 2
)

type fmapHeader struct {
	VerMajor, VerMinor byte
	Base               uint64
	Size               uint32
	Name               string
	NAreas             uint16
}

type fmapArea struct {
	Offset uint32
	Size   uint32
	Name   string
	Flags  uint16
}

// parseHeader decodes a 56-byte FMAP header: {sig:"__FMAP__",
// ver_major:1, ver_minor, base:u64, size:u32, name:[32], nareas:u16}.
func parseHeader(buf []byte) (fmapHeader, error) {
	if len(buf) < fmapHeaderLen {
		return fmapHeader{}, fmt.Errorf("layout: FMAP header too short")
	}
	if string(buf[0:8]) != fmapSignature {
		return fmapHeader{}, fmt.Errorf("layout: bad FMAP signature")
	}
	verMajor := buf[8]
	if verMajor != 1 {
		return fmapHeader{}, fmt.Errorf("layout: unsupported FMAP version %d", verMajor)
	}
	verMinor := buf[9]
	base := binary.LittleEndian.Uint64(buf[10:18])
	size := binary.LittleEndian.Uint32(buf[18:22])
	name := cString(buf[22:54])
	nareas := binary.LittleEndian.Uint16(buf[54:56])
	return fmapHeader{VerMajor: verMajor, VerMinor: verMinor, Base: base, Size: size, Name: name, NAreas: nareas}, nil
}

func parseArea(buf []byte) (fmapArea, error) {
	if len(buf) < fmapAreaLen {
		return fmapArea{}, fmt.Errorf("layout: FMAP area record too short")
	}
	offset := binary.LittleEndian.Uint32(buf[0:4])
	size := binary.LittleEndian.Uint32(buf[4:8])
	name := cString(buf[8:40])
	flags := binary.LittleEndian.Uint16(buf[40:42])
	return fmapArea{Offset: offset, Size: size, Name: name, Flags: flags}, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// validate checks that the declared nareas fits within the surrounding
// image alongside the header.
func (h fmapHeader) validate(imageLen, headerOffset int) error {
	need := fmapHeaderLen + int(h.NAreas)*fmapAreaLen
	if headerOffset+need > imageLen {
		return fmt.Errorf("layout: FMAP declares %d areas that don't fit in the image", h.NAreas)
	}
	return nil
}

// Searchable abstracts a byte source FindFMAP can probe at arbitrary
// offsets without materializing the whole image: a file buffer or a
// flash.Device read through a small adapter, per spec.md §4.6's
// "Searchable shim" concept (rflasher-core/src/layout/fmap.rs's
// FmapSearchable trait).
type Searchable interface {
	Len() uint32
	ReadAt(ctx context.Context, offset uint32, buf []byte) error
}

// bytesSearchable adapts a plain []byte to Searchable for the common
// case of searching an in-memory image.
type bytesSearchable struct{ data []byte }

func NewBytesSearchable(data []byte) Searchable { return bytesSearchable{data: data} }

func (s bytesSearchable) Len() uint32 { return uint32(len(s.data)) }
func (s bytesSearchable) ReadAt(_ context.Context, offset uint32, buf []byte) error {
	if int(offset)+len(buf) > len(s.data) {
		return fmt.Errorf("layout: read past end of image")
	}
	copy(buf, s.data[offset:])
	return nil
}

// FindFMAP runs the two-phase search spec.md §4.6 describes: a binary
// search at power-of-two-aligned strides from size/2 down to 256 bytes
// (each offset checked once, via a visited set so a smaller stride never
// re-probes an offset a larger stride already covered), falling back to a
// byte-by-byte linear scan of the whole image.
func FindFMAP(ctx context.Context, src Searchable) (Layout, error) {
	if off, ok, err := binarySearchFMAP(ctx, src); err != nil {
		return Layout{}, err
	} else if ok {
		return parseFMAPAt(ctx, src, off)
	}
	if off, ok, err := linearScanFMAP(ctx, src); err != nil {
		return Layout{}, err
	} else if ok {
		return parseFMAPAt(ctx, src, off)
	}
	return Layout{}, ErrNoFMAP
}

func binarySearchFMAP(ctx context.Context, src Searchable) (uint32, bool, error) {
	size := src.Len()
	visited := map[uint32]bool{}
	checkedZero := false

	for stride := size / 2; stride >= minStride; stride /= 2 {
		for offset := stride; offset < size; offset += stride * 2 {
			if visited[offset] {
				continue
			}
			visited[offset] = true
			if ok, err := probeSignature(ctx, src, offset); err != nil {
				return 0, false, err
			} else if ok {
				return offset, true, nil
			}
		}
		if stride == minStride && !checkedZero {
			checkedZero = true
			if ok, err := probeSignature(ctx, src, 0); err != nil {
				return 0, false, err
			} else if ok {
				return 0, true, nil
			}
		}
	}
	return 0, false, nil
}

func probeSignature(ctx context.Context, src Searchable, offset uint32) (bool, error) {
	if offset+fmapHeaderLen > src.Len() {
		return false, nil
	}
	sig := make([]byte, 8)
	if err := src.ReadAt(ctx, offset, sig); err != nil {
		return false, err
	}
	if string(sig) != fmapSignature {
		return false, nil
	}
	buf := make([]byte, fmapHeaderLen)
	if err := src.ReadAt(ctx, offset, buf); err != nil {
		return false, err
	}
	h, err := parseHeader(buf)
	if err != nil {
		return false, nil
	}
	return h.validate(int(src.Len()), int(offset)) == nil, nil
}

func linearScanFMAP(ctx context.Context, src Searchable) (uint32, bool, error) {
	size := src.Len()
	if size < fmapHeaderLen {
		return 0, false, nil
	}
	for offset := uint32(0); offset+fmapHeaderLen <= size; offset++ {
		if ok, err := probeSignature(ctx, src, offset); err != nil {
			return 0, false, err
		} else if ok {
			return offset, true, nil
		}
	}
	return 0, false, nil
}

func parseFMAPAt(ctx context.Context, src Searchable, offset uint32) (Layout, error) {
	buf := make([]byte, fmapHeaderLen)
	if err := src.ReadAt(ctx, offset, buf); err != nil {
		return Layout{}, err
	}
	h, err := parseHeader(buf)
	if err != nil {
		return Layout{}, err
	}
	if err := h.validate(int(src.Len()), int(offset)); err != nil {
		return Layout{}, err
	}

	regions := make([]Region, 0, h.NAreas)
	areaBuf := make([]byte, fmapAreaLen)
	areaOffset := offset + fmapHeaderLen
	for i := uint16(0); i < h.NAreas; i++ {
		if err := src.ReadAt(ctx, areaOffset, areaBuf); err != nil {
			return Layout{}, err
		}
		a, err := parseArea(areaBuf)
		if err != nil {
			return Layout{}, err
		}
		if a.Size > 0 {
			regions = append(regions, Region{
				Name:     a.Name,
				Start:    a.Offset,
				End:      a.Offset + a.Size - 1,
				ReadOnly: a.Flags&(FlagStatic|FlagRO) != 0,
				Included: true,
			})
		}
		areaOffset += fmapAreaLen
	}
	sortRegions(regions)

	return Layout{Name: h.Name, ChipSize: h.Size, Source: SourceFMAP, Regions: regions}, nil
}
