package wp

// DecodeRange computes the protected address range encoded by bits on a
// chip of the given size, dispatching on the chip's Decoder. Grounded on
// rflasher-core/src/wp/ranges.rs's decode_range_spi25 family.
func DecodeRange(bits Bits, decoder Decoder, chipSize uint32) Range {
	switch decoder {
	case DecoderSpi25_64kBlock:
		return decodeSpi25(bits, chipSize, true)
	case DecoderSpi25BitCmp:
		return decodeSpi25BitCmp(bits, chipSize)
	case DecoderSpi25_2xBlock:
		return decodeSpi25_2x(bits, chipSize)
	default:
		return decodeSpi25(bits, chipSize, false)
	}
}

func decodeSpi25(bits Bits, chipSize uint32, ignoreSec bool) Range {
	bp := bits.BpValue()
	bpCount := bits.BpCount
	if bpCount == 0 {
		return None
	}
	maxBp := uint32(1)<<bpCount - 1

	var r Range
	switch {
	case bp == 0:
		r = None
	case bp == maxBp:
		r = Full(chipSize)
	default:
		sec := !ignoreSec && boolBit(bits.Sec)
		blockSize := uint32(64 << 10)
		if sec {
			blockSize = 4 << 10
		}
		protectedSize := blockSize << (bp - 1)
		if sec && protectedSize > 32<<10 {
			protectedSize = 32 << 10
		}
		if protectedSize > chipSize {
			protectedSize = chipSize
		}
		if boolBit(bits.Tb) {
			r = Range{Start: 0, Len: protectedSize}
		} else {
			r = Range{Start: chipSize - protectedSize, Len: protectedSize}
		}
	}

	if boolBit(bits.Cmp) {
		r = applyCmp(r, chipSize)
	}
	return r
}

func decodeSpi25BitCmp(bits Bits, chipSize uint32) Range {
	if boolBit(bits.Cmp) {
		maxBp := uint32(1)<<bits.BpCount - 1
		bits.SetBpValue(bits.BpValue() ^ maxBp)
		zero := uint8(0)
		bits.Cmp = &zero
	}
	return decodeSpi25(bits, chipSize, false)
}

func decodeSpi25_2x(bits Bits, chipSize uint32) Range {
	bp := bits.BpValue()
	bpCount := bits.BpCount
	if bpCount == 0 {
		return None
	}
	maxBp := uint32(1)<<bpCount - 1

	var r Range
	switch {
	case bp == 0:
		r = None
	case bp == maxBp:
		r = Full(chipSize)
	default:
		blockSize := uint32(64 << 10)
		protectedSize := blockSize << bp // one extra coefficient bit vs decodeSpi25
		if protectedSize > chipSize {
			protectedSize = chipSize
		}
		if boolBit(bits.Tb) {
			r = Range{Start: 0, Len: protectedSize}
		} else {
			r = Range{Start: chipSize - protectedSize, Len: protectedSize}
		}
	}
	if boolBit(bits.Cmp) {
		r = applyCmp(r, chipSize)
	}
	return r
}

// applyCmp inverts a range per spec.md §4.7: none<->full, bottom<->[end,size),
// top<->[0,start).
func applyCmp(r Range, chipSize uint32) Range {
	switch {
	case r.IsNone():
		return Full(chipSize)
	case r.Len == chipSize:
		return None
	case r.Start == 0:
		// bottom region [0, len) -> [len, size)
		return Range{Start: r.Len, Len: chipSize - r.Len}
	default:
		// top region [start, size) -> [0, start)
		return Range{Start: 0, Len: r.Start}
	}
}

// FindBitsForRange performs the inverse search from spec.md §4.7: an
// exhaustive walk over writable combinations of TB, SEC, CMP, and BP,
// returning the first combination whose decoded range matches want exactly.
// template carries which bits are present/writable so absent bits stay nil
// in the result, matching rflasher-core's "template" concept.
func FindBitsForRange(template RegBitMap, decoder Decoder, chipSize uint32, want Range) (Bits, bool) {
	bpCount := template.BpCount()
	hasTb := template.Get(BitTB).Writability != NotPresent
	hasSec := template.Get(BitSEC).Writability != NotPresent
	hasCmp := template.Get(BitCMP).Writability != NotPresent

	tbVals := []uint8{0}
	if hasTb {
		tbVals = []uint8{0, 1}
	}
	secVals := []uint8{0}
	if hasSec {
		secVals = []uint8{0, 1}
	}
	cmpVals := []uint8{0}
	if hasCmp {
		cmpVals = []uint8{0, 1}
	}

	maxBp := uint32(1)<<bpCount - 1

	for _, tb := range tbVals {
		for _, sec := range secVals {
			for _, cmp := range cmpVals {
				for bp := uint32(0); bp <= maxBp; bp++ {
					cand := Bits{BpCount: bpCount}
					cand.SetBpValue(bp)
					if hasTb {
						cand.Tb = u8(tb)
					}
					if hasSec {
						cand.Sec = u8(sec)
					}
					if hasCmp {
						cand.Cmp = u8(cmp)
					}
					if got := DecodeRange(cand, decoder, chipSize); got == want {
						return cand, true
					}
				}
			}
		}
	}
	return Bits{}, false
}

// GetAllRanges enumerates every distinct range this chip family's bit map
// and decoder can represent, deduplicated.
func GetAllRanges(template RegBitMap, decoder Decoder, chipSize uint32) []Range {
	seen := map[Range]bool{}
	var out []Range
	bpCount := template.BpCount()
	hasTb := template.Get(BitTB).Writability != NotPresent
	hasSec := template.Get(BitSEC).Writability != NotPresent
	hasCmp := template.Get(BitCMP).Writability != NotPresent

	tbVals := []uint8{0}
	if hasTb {
		tbVals = []uint8{0, 1}
	}
	secVals := []uint8{0}
	if hasSec {
		secVals = []uint8{0, 1}
	}
	cmpVals := []uint8{0}
	if hasCmp {
		cmpVals = []uint8{0, 1}
	}
	maxBp := uint32(1)<<bpCount - 1

	for _, tb := range tbVals {
		for _, sec := range secVals {
			for _, cmp := range cmpVals {
				for bp := uint32(0); bp <= maxBp; bp++ {
					cand := Bits{BpCount: bpCount}
					cand.SetBpValue(bp)
					if hasTb {
						cand.Tb = u8(tb)
					}
					if hasSec {
						cand.Sec = u8(sec)
					}
					if hasCmp {
						cand.Cmp = u8(cmp)
					}
					r := DecodeRange(cand, decoder, chipSize)
					if !seen[r] {
						seen[r] = true
						out = append(out, r)
					}
				}
			}
		}
	}
	return out
}
