package flash

import (
	"context"

	"github.com/gentam/goflash/chip"
	"github.com/gentam/goflash/prog"
)

// OpaqueDevice adapts a prog.OpaqueMaster into the unified Device
// contract. Per spec.md §4.4 it delegates directly, reports Bit write
// granularity, and does not support write-protect.
type OpaqueDevice struct {
	unsupportedWP
	Master prog.OpaqueMaster
}

func NewOpaqueDevice(m prog.OpaqueMaster) *OpaqueDevice {
	return &OpaqueDevice{Master: m}
}

func (d *OpaqueDevice) Size() uint32                            { return d.Master.Size() }
func (d *OpaqueDevice) EraseGranularity() uint32                { return d.Master.EraseGranularity() }
func (d *OpaqueDevice) WriteGranularity() chip.WriteGranularity { return chip.WriteGranularityBit }
func (d *OpaqueDevice) EraseBlocks() []chip.EraseBlock {
	g := d.Master.EraseGranularity()
	return []chip.EraseBlock{{Layout: chip.EraseLayout{Uniform: true, Size: g}}}
}

func (d *OpaqueDevice) Read(ctx context.Context, addr uint32, buf []byte) error {
	if addr > d.Size() || addr+uint32(len(buf)) > d.Size() {
		return ErrAddressOutOfBounds
	}
	return d.Master.Read(ctx, addr, buf)
}

func (d *OpaqueDevice) Write(ctx context.Context, addr uint32, data []byte) error {
	if addr > d.Size() || addr+uint32(len(data)) > d.Size() {
		return ErrAddressOutOfBounds
	}
	return d.Master.Write(ctx, addr, data)
}

func (d *OpaqueDevice) Erase(ctx context.Context, addr, length uint32) error {
	g := d.Master.EraseGranularity()
	if g == 0 || addr%g != 0 || length%g != 0 {
		return ErrInvalidAlignment
	}
	if addr+length > d.Size() {
		return ErrAddressOutOfBounds
	}
	return d.Master.Erase(ctx, addr, length)
}
