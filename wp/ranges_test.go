package wp

import "testing"

// E4 and E5 from spec.md §8: literal decode_range scenarios on a 16 MiB chip.
func TestDecodeRangeConcreteScenarios(t *testing.T) {
	const chipSize = 16 << 20

	t.Run("E4", func(t *testing.T) {
		bits := Bits{BpCount: 3, Tb: u8(0), Sec: u8(0), Cmp: u8(0)}
		bits.SetBpValue(0b001)
		got := DecodeRange(bits, DecoderSpi25, chipSize)
		want := Range{Start: 0xFF0000, Len: 0x010000}
		if got != want {
			t.Fatalf("decode_range E4 = %+v, want %+v", got, want)
		}
	})

	t.Run("E5", func(t *testing.T) {
		bits := Bits{BpCount: 3, Tb: u8(1), Sec: u8(0), Cmp: u8(1)}
		bits.SetBpValue(0b001)
		got := DecodeRange(bits, DecoderSpi25, chipSize)
		want := Range{Start: 0x010000, Len: 0xFF0000}
		if got != want {
			t.Fatalf("decode_range E5 = %+v, want %+v", got, want)
		}
	})
}

// Property 7 from spec.md §8: for every representable Bits value,
// round-tripping through decode -> find_bits -> decode yields the same
// range.
func TestRangeRoundTrip(t *testing.T) {
	const chipSize = 16 << 20
	template := WinbondStandard()

	for _, decoder := range []Decoder{DecoderSpi25, DecoderSpi25_64kBlock, DecoderSpi25BitCmp} {
		for _, r := range GetAllRanges(template, decoder, chipSize) {
			bitsPrime, ok := FindBitsForRange(template, decoder, chipSize, r)
			if !ok {
				t.Fatalf("decoder %v: no bits found for range %+v", decoder, r)
			}
			got := DecodeRange(bitsPrime, decoder, chipSize)
			if got != r {
				t.Fatalf("decoder %v: round trip for %+v produced %+v", decoder, r, got)
			}
		}
	}
}

func TestApplyCmpInvolution(t *testing.T) {
	const chipSize = 16 << 20
	cases := []Range{None, Full(chipSize), {Start: 0, Len: 0x10000}, {Start: chipSize - 0x10000, Len: 0x10000}}
	for _, r := range cases {
		if got := applyCmp(applyCmp(r, chipSize), chipSize); got != r {
			t.Fatalf("applyCmp is not its own inverse for %+v: got %+v", r, got)
		}
	}
}
