package smartwrite_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/gentam/goflash/chip"
	"github.com/gentam/goflash/flash"
	"github.com/gentam/goflash/flashsim"
	"github.com/gentam/goflash/smartwrite"
)

func newW25Q128Context() (*flashsim.Sim, flash.Context) {
	sim := flashsim.New(16<<20, 0xEF, 0x4018)
	ctx := flash.Context{
		Chip: chip.Descriptor{
			Name:             "W25Q128JV",
			TotalSize:        16 << 20,
			PageSize:         256,
			WriteGranularity: chip.WriteGranularityByte,
			EraseBlocks: []chip.EraseBlock{
				{Opcode: 0x20, Layout: chip.EraseLayout{Uniform: true, Size: 4 << 10}},
				{Opcode: 0xD8, Layout: chip.EraseLayout{Uniform: true, Size: 64 << 10}},
			},
		},
		AddressMode: flash.AddressThreeByte,
	}
	return sim, ctx
}

// E1: write 256 bytes of 0xAA at 0, read back 256 bytes of 0xAA.
func TestE1RoundTrip(t *testing.T) {
	sim, fctx := newW25Q128Context()
	dev := flash.NewSPIDevice(sim, fctx)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xAA}, 256)
	if _, err := smartwrite.Write(ctx, dev, 0, data, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 256)
	if err := dev.Read(ctx, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("readback = %x, want all 0xAA", buf)
	}
}

// E2: chip erased to 0xFF; writing 0xFF again reports no changes.
func TestE2SmartWriteMinimality(t *testing.T) {
	sim, fctx := newW25Q128Context()
	dev := flash.NewSPIDevice(sim, fctx)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xFF}, 4096)
	report, err := smartwrite.Write(ctx, dev, 0x1000, data, nil, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if report.BytesChanged != 0 || report.BlocksErased != 0 || report.BlocksWritten != 0 {
		t.Fatalf("report = %+v, want all zero", report)
	}
}

// E3: chip filled with 0xFF; writing 0x00 over a 4KiB block only flips
// 1->0 bits, so no erase is needed.
func TestE3EraseAvoidance(t *testing.T) {
	sim, fctx := newW25Q128Context()
	dev := flash.NewSPIDevice(sim, fctx)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x00}, 4096)
	report, err := smartwrite.Write(ctx, dev, 0, data, nil, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if report.BlocksErased != 0 {
		t.Fatalf("blocks_erased = %d, want 0", report.BlocksErased)
	}
	if report.BlocksWritten != 1 {
		t.Fatalf("blocks_written = %d, want 1", report.BlocksWritten)
	}
}

// Property 2: writing the same image twice is a no-op the second time.
func TestSecondWriteIsNoop(t *testing.T) {
	sim, fctx := newW25Q128Context()
	dev := flash.NewSPIDevice(sim, fctx)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x42}, 4096)
	if _, err := smartwrite.Write(ctx, dev, 0, data, nil, nil); err != nil {
		t.Fatalf("first write: %v", err)
	}
	report, err := smartwrite.Write(ctx, dev, 0, data, nil, nil)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if report.BytesChanged != 0 || report.BlocksErased != 0 || report.BlocksWritten != 0 {
		t.Fatalf("second-pass report = %+v, want all zero", report)
	}
}

// Property 4: page-boundary respect — the SPI adapter must split writes
// at 256-byte page boundaries.
func TestPageBoundaryRespect(t *testing.T) {
	sim, fctx := newW25Q128Context()
	dev := flash.NewSPIDevice(sim, fctx)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x11}, 512)
	addr := uint32(200) // crosses a 256-byte boundary at 256
	if err := dev.Write(ctx, addr, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := sim.Snapshot()[addr : addr+512]
	want := bytes.Repeat([]byte{0x11}, 512)
	if !bytes.Equal(got, want) {
		t.Fatalf("readback = %x, want all 0x11", got)
	}
}

// Property 5 (erase selection picks the largest block whose size divides
// both addr and len), checked end to end: erasing 128 KiB of programmed
// data at 0 leaves every byte 0xFF. Which opcode was chosen is not
// observed here.
func TestEraseSelection(t *testing.T) {
	sim, fctx := newW25Q128Context()
	dev := flash.NewSPIDevice(sim, fctx)
	ctx := context.Background()

	sim.Poke(0, bytes.Repeat([]byte{0x00}, 128<<10))
	if err := dev.Erase(ctx, 0, 128<<10); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	got := sim.Snapshot()[:128<<10]
	for i, b := range got {
		if b != 0xFF {
			t.Fatalf("byte %d not erased: 0x%02x", i, b)
		}
	}
}

// Property 6: on a chip needing non-native 4-byte addressing, every
// sequence must bracket with EN4B/EX4B. We can't observe the wire stream
// directly through flash.Device, so this exercises Read through a Context
// configured for 4-byte/non-native and checks it succeeds end to end
// (flashsim only implements EN4B/EX4B as state toggles it would reject
// reads against if mishandled would still return data, so the real
// assurance here is structural: SPIDevice.Read always calls Enter/Exit
// around the 3-byte path when UseNative4Byte is false).
func TestFourByteModeBracketing(t *testing.T) {
	sim := flashsim.New(32<<20, 0xEF, 0x4019)
	fctx := flash.Context{
		Chip: chip.Descriptor{
			Name:      "W25Q256",
			TotalSize: 32 << 20,
			PageSize:  256,
			EraseBlocks: []chip.EraseBlock{
				{Opcode: 0x20, Layout: chip.EraseLayout{Uniform: true, Size: 4 << 10}},
			},
		},
		AddressMode:    flash.AddressFourByte,
		UseNative4Byte: false,
	}
	dev := flash.NewSPIDevice(sim, fctx)
	buf := make([]byte, 16)
	if err := dev.Read(context.Background(), 0x1000000, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
}
