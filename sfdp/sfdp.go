// Package sfdp parses Serial Flash Discoverable Parameters tables (C4):
// the 8-byte header, parameter headers, and the Basic Flash Parameter
// Table (BFPT) DWORDs spec.md §4.3 names.
//
// Grounded on original_source/crates/rflasher-core/src/sfdp/parser.rs,
// ported field-for-field; Rust's byte-slice cursor parsing becomes Go
// encoding/binary.LittleEndian reads over a []byte, matching the
// own manual big-endian address assembly style in flash.go (buf[1],
// buf[2], buf[3] shifted by hand) but little-endian per the SFDP spec.
package sfdp

import (
	"context"
	"errors"
	"fmt"

	"github.com/gentam/goflash/prog"
	"github.com/gentam/goflash/spi"
)

var (
	ErrBadSignature = errors.New("sfdp: header signature is not \"SFDP\"")
	ErrUnsupportedVersion = errors.New("sfdp: major version is not 1")
	ErrNoBFPT             = errors.New("sfdp: no Basic Flash Parameter Table entry found")
)

// EraseType is one of the up to 4 erase granularities BFPT DWORDs 8-9
// describe.
type EraseType struct {
	Opcode byte
	SizeLog2 byte // size = 1 << SizeLog2 bytes; 0 means absent
}

func (e EraseType) Size() uint32 {
	if e.SizeLog2 == 0 {
		return 0
	}
	return 1 << e.SizeLog2
}

// FourByteAddrInstructions records which opcodes gained native 4-byte
// variants, parsed from the optional 4-byte-address instruction table.
type FourByteAddrInstructions struct {
	Present    bool
	EnterOpcode  byte
	ExitOpcode   byte
	ReadOpcode   byte
	FastReadOpcode byte
	PageProgramOpcode byte
	SectorEraseOpcode byte
}

// AddressModeSupport mirrors BFPT DWORD1 bits 18:17.
type AddressModeSupport uint8

const (
	AddressThreeByteOnly AddressModeSupport = iota
	AddressThreeOrFourByte
	AddressFourByteOnly
)

// Info is the parsed table spec.md §3 calls SfdpInfo.
type Info struct {
	HeaderMajor, HeaderMinor byte
	DensityBits              uint64 // total bit count, not bytes
	PageSize                 uint32 // 0 if DWORD 11 absent
	EraseTypes               [4]EraseType
	AddressMode              AddressModeSupport
	SupportsQuadEnable       bool
	SupportsSoftReset        bool
	FourByteTable            FourByteAddrInstructions
}

func (i Info) TotalSize() uint32 {
	return uint32(i.DensityBits / 8)
}

type paramHeader struct {
	idLSB     byte
	revMinor  byte
	revMajor  byte
	dwordCount byte
	tablePointer uint32 // 24-bit pointer, byte address
	idMSB     byte // 0xFF for JEDEC-defined tables; BFPT id is 0x00
}

// parseHeader validates the 8-byte SFDP header and returns the number of
// parameter headers that follow.
func parseHeader(buf []byte) (numHeaders int, err error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("sfdp: header too short (%d bytes)", len(buf))
	}
	if string(buf[0:4]) != "SFDP" {
		return 0, ErrBadSignature
	}
	verMinor, verMajor := buf[4], buf[5]
	_ = verMinor
	if verMajor != 1 {
		return 0, ErrUnsupportedVersion
	}
	// buf[6] = number of parameter headers minus one (NPH)
	return int(buf[6]) + 1, nil
}

func parseParamHeader(buf []byte) paramHeader {
	return paramHeader{
		idLSB:        buf[0],
		revMinor:     buf[1],
		revMajor:     buf[2],
		dwordCount:   buf[3],
		tablePointer: uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16,
		idMSB:        buf[7],
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// parseBFPTDword1 extracts the address-mode support bits (18:17).
func parseBFPTDword1(d1 uint32) AddressModeSupport {
	bits := (d1 >> 17) & 0x3
	switch bits {
	case 0:
		return AddressThreeByteOnly
	case 2:
		return AddressFourByteOnly
	default:
		return AddressThreeOrFourByte
	}
}

// parseBFPTDword2 decodes the flash density per spec.md §4.3: if bit 31 is
// clear, the value is density-in-bits minus one; otherwise the low 31 bits
// are an exponent N and density = 2^N bits.
func parseBFPTDword2(d2 uint32) uint64 {
	if d2&0x8000_0000 == 0 {
		return uint64(d2) + 1
	}
	n := d2 &^ 0x8000_0000
	return uint64(1) << n
}

func parseEraseType(opcodeByte, sizeByte byte) EraseType {
	return EraseType{Opcode: opcodeByte, SizeLog2: sizeByte}
}

// parseBFPT decodes BFPT DWORDs 1-9 (mandatory), 11 (page size) when
// dwordCount covers it, and 15 (QE, soft reset) when the table is at least
// 64 bytes (16 dwords). DWORD 16's 4-byte-address entry methods are not
// decoded.
func parseBFPT(table []byte) (Info, error) {
	if len(table) < 36 { // 9 dwords minimum
		return Info{}, fmt.Errorf("sfdp: BFPT too short (%d bytes)", len(table))
	}
	dw := func(n int) uint32 { return le32(table[(n-1)*4:]) }

	info := Info{}
	info.AddressMode = parseBFPTDword1(dw(1))
	info.DensityBits = parseBFPTDword2(dw(2))

	d8, d9 := dw(8), dw(9)
	info.EraseTypes[0] = parseEraseType(byte(d8>>8), byte(d8))
	info.EraseTypes[1] = parseEraseType(byte(d8>>24), byte(d8>>16))
	info.EraseTypes[2] = parseEraseType(byte(d9>>8), byte(d9))
	info.EraseTypes[3] = parseEraseType(byte(d9>>24), byte(d9>>16))

	if len(table) >= 44 { // dword 11
		d11 := dw(11)
		info.PageSize = 1 << ((d11 >> 4) & 0xF)
	}

	if len(table) >= 64 { // dwords 15-16
		d15 := dw(15)
		info.SupportsQuadEnable = (d15>>20)&0x7 != 0
		info.SupportsSoftReset = (d15>>12)&0x1 != 0
		_ = dw(16)
	}

	return info, nil
}

// parse4ByteAddrTable decodes the optional JEDEC 4-byte-address
// instruction table (id 0xFF84) when present among the parameter headers.
func parse4ByteAddrTable(table []byte) FourByteAddrInstructions {
	if len(table) < 4 {
		return FourByteAddrInstructions{}
	}
	d1 := le32(table[0:4])
	return FourByteAddrInstructions{
		Present:           true,
		ReadOpcode:        byte(d1),
		FastReadOpcode:    byte(d1 >> 8),
		PageProgramOpcode: byte(d1 >> 16),
		SectorEraseOpcode: byte(d1 >> 24),
	}
}

// Probe reads and parses the SFDP table from an SpiMaster: the header, the
// parameter headers, the mandatory BFPT, and the 4-byte-address table when
// a parameter header for it is present.
func Probe(ctx context.Context, m prog.SpiMaster) (Info, error) {
	header := make([]byte, 8)
	if err := spi.ReadSFDP(ctx, m, 0, header); err != nil {
		return Info{}, fmt.Errorf("sfdp: read header: %w", err)
	}
	numHeaders, err := parseHeader(header)
	if err != nil {
		return Info{}, err
	}

	var bfptHeader *paramHeader
	var fourByteHeader *paramHeader
	for i := 0; i < numHeaders; i++ {
		buf := make([]byte, 8)
		if err := spi.ReadSFDP(ctx, m, uint32(8+i*8), buf); err != nil {
			return Info{}, fmt.Errorf("sfdp: read parameter header %d: %w", i, err)
		}
		ph := parseParamHeader(buf)
		switch {
		case ph.idMSB == 0xFF && ph.idLSB == 0x00:
			h := ph
			bfptHeader = &h
		case ph.idMSB == 0xFF && ph.idLSB == 0x84:
			h := ph
			fourByteHeader = &h
		}
	}
	if bfptHeader == nil {
		return Info{}, ErrNoBFPT
	}

	bfptLen := int(bfptHeader.dwordCount) * 4
	bfptBuf := make([]byte, bfptLen)
	if err := spi.ReadSFDP(ctx, m, bfptHeader.tablePointer, bfptBuf); err != nil {
		return Info{}, fmt.Errorf("sfdp: read BFPT: %w", err)
	}
	info, err := parseBFPT(bfptBuf)
	if err != nil {
		return Info{}, err
	}

	if fourByteHeader != nil {
		n := int(fourByteHeader.dwordCount) * 4
		if n < 4 {
			n = 4
		}
		buf := make([]byte, n)
		if err := spi.ReadSFDP(ctx, m, fourByteHeader.tablePointer, buf); err == nil {
			info.FourByteTable = parse4ByteAddrTable(buf)
		}
	}

	return info, nil
}

// IsSupported reports whether Probe succeeded (err is nil). It does not
// tell a flash with no usable SFDP table apart from a transport failure.
func IsSupported(err error) bool {
	return err == nil
}
