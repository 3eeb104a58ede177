package layout

import (
	"context"
	"encoding/binary"
	"testing"
)

func buildFMAPImage(t *testing.T, imageSize, headerOffset int) []byte {
	t.Helper()
	image := make([]byte, imageSize)

	h := make([]byte, fmapHeaderLen)
	copy(h[0:8], fmapSignature)
	h[8] = 1 // ver_major
	h[9] = 0 // ver_minor
	binary.LittleEndian.PutUint64(h[10:18], 0)
	binary.LittleEndian.PutUint32(h[18:22], uint32(imageSize))
	copy(h[22:54], []byte("TESTMAP"))
	binary.LittleEndian.PutUint16(h[54:56], 2)
	copy(image[headerOffset:], h)

	areaOff := headerOffset + fmapHeaderLen
	a1 := make([]byte, fmapAreaLen)
	binary.LittleEndian.PutUint32(a1[0:4], 0)
	binary.LittleEndian.PutUint32(a1[4:8], 0x200)
	copy(a1[8:40], []byte("RO_SECTION"))
	binary.LittleEndian.PutUint16(a1[40:42], FlagStatic)
	copy(image[areaOff:], a1)

	a2 := make([]byte, fmapAreaLen)
	binary.LittleEndian.PutUint32(a2[0:4], 0x200)
	binary.LittleEndian.PutUint32(a2[4:8], 0xE00)
	copy(a2[8:40], []byte("RW_SECTION"))
	binary.LittleEndian.PutUint16(a2[40:42], 0)
	copy(image[areaOff+fmapAreaLen:], a2)

	return image
}

// E6 from spec.md §8.
func TestE6FMAPParse(t *testing.T) {
	image := buildFMAPImage(t, 0x1000, 0)
	l, err := parseFMAPAt(context.Background(), NewBytesSearchable(image), 0)
	if err != nil {
		t.Fatalf("parseFMAPAt: %v", err)
	}
	if len(l.Regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(l.Regions))
	}
	if l.Regions[0].Name != "RO_SECTION" || !l.Regions[0].ReadOnly {
		t.Fatalf("region 0 = %+v, want RO_SECTION readonly", l.Regions[0])
	}
	if l.Regions[1].Name != "RW_SECTION" || l.Regions[1].ReadOnly {
		t.Fatalf("region 1 = %+v, want RW_SECTION read-write", l.Regions[1])
	}
	if l.Regions[0].Start > l.Regions[1].Start {
		t.Fatalf("regions not sorted by address: %+v", l.Regions)
	}
}

// Property 10: binary search finds an FMAP at any power-of-two aligned
// offset >= 256 bytes.
func TestFindFMAPBinarySearch(t *testing.T) {
	for _, offset := range []int{256, 512, 1024, 4096, 0x8000} {
		imageSize := offset * 4
		if imageSize < offset+fmapHeaderLen+2*fmapAreaLen {
			imageSize = offset + fmapHeaderLen + 2*fmapAreaLen + 512
		}
		image := buildFMAPImage(t, imageSize, offset)
		l, err := FindFMAP(context.Background(), NewBytesSearchable(image))
		if err != nil {
			t.Fatalf("offset %d: FindFMAP: %v", offset, err)
		}
		if len(l.Regions) != 2 {
			t.Fatalf("offset %d: got %d regions, want 2", offset, len(l.Regions))
		}
	}
}

// Property 9: after include("bios"); exclude("ec"), iterating included
// regions yields exactly the bios region.
func TestLayoutFiltering(t *testing.T) {
	l := NewManual("test", 0x1000000, []Region{
		{Name: "bios", Start: 0x800000, End: 0xFFFFFF},
		{Name: "ec", Start: 0x700000, End: 0x7FFFFF},
		{Name: "me", Start: 0x000000, End: 0x6FFFFF},
	})
	l.Include("bios")
	l.Exclude("ec")

	included := l.IncludedRegions()
	if len(included) != 1 || included[0].Name != "bios" {
		t.Fatalf("included regions = %+v, want only bios", included)
	}
}
