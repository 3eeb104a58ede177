// Package spi implements the SPI protocol helpers (C2): the opcode
// catalogue plus the read/program/erase/status transactions built on top
// of a prog.SpiMaster. Ported from an earlier flash.go (tx/Read/
// pageProgram/Erase4KB/Erase64KB/BusyWait), generalized from one hardcoded
// 3-byte-address flash to both 3-byte and 4-byte addressing and from a
// fixed poll interval to the exponential-backoff WIP poll spec.md §4.2
// calls for.
package spi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gentam/goflash/prog"
	"github.com/gentam/goflash/spicmd"
)

var (
	ErrIOModeNotSupported = errors.New("spi: requested I/O mode not supported by this master")
	ErrWriteTimeout       = errors.New("spi: WIP bit did not clear before timeout")
)

// Read3B reads len(buf) bytes starting at addr using FAST_READ with an
// 8-cycle dummy phase, chunked to the master's MaxReadLen.
func Read3B(ctx context.Context, m prog.SpiMaster, addr uint32, buf []byte) error {
	return readChunked(ctx, m, addr, buf, spicmd.AddressThreeByte)
}

// Read4B is Read3B's native-4-byte-address counterpart.
func Read4B(ctx context.Context, m prog.SpiMaster, addr uint32, buf []byte) error {
	return readChunked(ctx, m, addr, buf, spicmd.AddressFourByte)
}

func readChunked(ctx context.Context, m prog.SpiMaster, addr uint32, buf []byte, width spicmd.AddressWidth) error {
	opcode := byte(spicmd.OpFastRead)
	if width == spicmd.AddressFourByte {
		opcode = spicmd.OpFastRead4B
	}
	maxLen := m.MaxReadLen()
	if maxLen <= 0 {
		maxLen = len(buf)
	}
	off := 0
	for off < len(buf) {
		chunk := min(len(buf)-off, maxLen)
		cmd := &spicmd.Command{
			Opcode:       opcode,
			Address:      addr + uint32(off),
			HasAddress:   true,
			AddressWidth: width,
			DummyCycles:  8,
			ReadBuf:      buf[off : off+chunk],
		}
		if err := m.Execute(ctx, cmd); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

func writeEnable(ctx context.Context, m prog.SpiMaster) error {
	return m.Execute(ctx, &spicmd.Command{Opcode: spicmd.OpWriteEnable})
}

// ProgramPage3B writes one page-aligned chunk (at most a page, and at most
// master.MaxWriteLen) at addr, polling WIP until clear or timeoutUs expires.
func ProgramPage3B(ctx context.Context, m prog.SpiMaster, addr uint32, data []byte, timeoutUs uint32) error {
	return programPage(ctx, m, spicmd.OpPageProgram, addr, data, spicmd.AddressThreeByte, timeoutUs)
}

// ProgramPage4B is ProgramPage3B's native-4-byte-address counterpart.
func ProgramPage4B(ctx context.Context, m prog.SpiMaster, addr uint32, data []byte, timeoutUs uint32) error {
	return programPage(ctx, m, spicmd.OpPageProgram4B, addr, data, spicmd.AddressFourByte, timeoutUs)
}

func programPage(ctx context.Context, m prog.SpiMaster, opcode byte, addr uint32, data []byte, width spicmd.AddressWidth, timeoutUs uint32) error {
	if err := writeEnable(ctx, m); err != nil {
		return err
	}
	cmd := &spicmd.Command{
		Opcode:       opcode,
		Address:      addr,
		HasAddress:   true,
		AddressWidth: width,
		WriteData:    data,
	}
	if err := m.Execute(ctx, cmd); err != nil {
		return err
	}
	return pollWIP(ctx, m, time.Duration(timeoutUs)*time.Microsecond)
}

// EraseBlock issues the given erase opcode at addr (mapped to its native
// 4-byte variant when fourByteNative is set) and polls WIP until clear.
func EraseBlock(ctx context.Context, m prog.SpiMaster, opcode byte, addr uint32, fourByteNative bool, timeoutUs uint32) error {
	if err := writeEnable(ctx, m); err != nil {
		return err
	}
	width := spicmd.AddressThreeByte
	if fourByteNative {
		opcode = spicmd.Map3ByteTo4ByteErase(opcode)
		width = spicmd.AddressFourByte
	}
	hasAddr := opcode != spicmd.OpChipErase && opcode != spicmd.OpChipErase60
	cmd := &spicmd.Command{Opcode: opcode, Address: addr, HasAddress: hasAddr, AddressWidth: width}
	if err := m.Execute(ctx, cmd); err != nil {
		return err
	}
	return pollWIP(ctx, m, time.Duration(timeoutUs)*time.Microsecond)
}

// Enter4ByteMode and Exit4ByteMode issue EN4B/EX4B, used only when the
// flash context does not use the chip's native 4-byte opcodes.
func Enter4ByteMode(ctx context.Context, m prog.SpiMaster) error {
	return m.Execute(ctx, &spicmd.Command{Opcode: spicmd.OpEnter4Byte})
}

func Exit4ByteMode(ctx context.Context, m prog.SpiMaster) error {
	return m.Execute(ctx, &spicmd.Command{Opcode: spicmd.OpExit4Byte})
}

// ReadSFDP reads len(buf) bytes of the Serial Flash Discoverable
// Parameters table starting at a 24-bit address, with the 8 dummy cycles
// RDSFDP requires.
func ReadSFDP(ctx context.Context, m prog.SpiMaster, addr uint32, buf []byte) error {
	cmd := &spicmd.Command{
		Opcode:       spicmd.OpReadSFDP,
		Address:      addr,
		HasAddress:   true,
		AddressWidth: spicmd.AddressThreeByte,
		DummyCycles:  8,
		ReadBuf:      buf,
	}
	return m.Execute(ctx, cmd)
}

func readStatus(ctx context.Context, m prog.SpiMaster, opcode byte) (byte, error) {
	buf := make([]byte, 1)
	if err := m.Execute(ctx, &spicmd.Command{Opcode: opcode, ReadBuf: buf}); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func ReadStatus1(ctx context.Context, m prog.SpiMaster) (byte, error) {
	return readStatus(ctx, m, spicmd.OpReadStatus1)
}
func ReadStatus2(ctx context.Context, m prog.SpiMaster) (byte, error) {
	return readStatus(ctx, m, spicmd.OpReadStatus2)
}
func ReadStatus3(ctx context.Context, m prog.SpiMaster) (byte, error) {
	return readStatus(ctx, m, spicmd.OpReadStatus3)
}

// WriteStatus1 writes SR1 alone.
func WriteStatus1(ctx context.Context, m prog.SpiMaster, v byte) error {
	if err := writeEnable(ctx, m); err != nil {
		return err
	}
	return m.Execute(ctx, &spicmd.Command{Opcode: spicmd.OpWriteStatus1, WriteData: []byte{v}})
}

// WriteStatus12 performs the atomic two-byte SR1+SR2 write some chips
// treat as one register pair.
func WriteStatus12(ctx context.Context, m prog.SpiMaster, sr1, sr2 byte) error {
	if err := writeEnable(ctx, m); err != nil {
		return err
	}
	return m.Execute(ctx, &spicmd.Command{Opcode: spicmd.OpWriteStatus1, WriteData: []byte{sr1, sr2}})
}

// ReadID sends RDID (0x9F) and returns the 3-byte JEDEC ID: manufacturer,
// then a 2-byte device ID (byte1<<8 | byte2), per spec.md §4.3 step 1.
func ReadID(ctx context.Context, m prog.SpiMaster) (manufacturer byte, device uint16, err error) {
	buf := make([]byte, 3)
	if err = m.Execute(ctx, &spicmd.Command{Opcode: spicmd.OpReadID, ReadBuf: buf}); err != nil {
		return 0, 0, err
	}
	return buf[0], uint16(buf[1])<<8 | uint16(buf[2]), nil
}

// pollWIP polls RDSR's bit 0 with exponential backoff bounded by timeout,
// per spec.md §4.2's WIP-polling contract. A timeout of 0 means unbounded.
// Grounded on flash.go's BusyWait, generalized from a fixed ticker interval
// to backoff and from a hardcoded StatusRegister read to readStatus.
func pollWIP(ctx context.Context, m prog.SpiMaster, timeout time.Duration) error {
	const (
		initialInterval = 10 * time.Microsecond
		maxInterval     = 5 * time.Millisecond
	)
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	interval := initialInterval
	for {
		sr, err := readStatus(ctx, m, spicmd.OpReadStatus1)
		if err != nil {
			return err
		}
		if sr&1 == 0 {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w (after %v)", ErrWriteTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}
