// Package prog declares the two programmer capability shapes the rest of
// goflash builds on: a raw SPI master and an opaque block device. Both are
// narrow, composition-only interfaces in the style of periph.io's
// conn/gpio capability interfaces — no inheritance, one small method set
// each.
package prog

import (
	"context"
	"time"

	"github.com/gentam/goflash/spicmd"
)

// SpiMaster performs raw SPI transactions: opcode, address, dummy cycles,
// write data, read data, framed by CS assert/deassert.
type SpiMaster interface {
	// Features reports the I/O modes and addressing widths this master
	// supports. The protocol helpers in package spi do not consult it.
	Features() spicmd.Features

	// MaxReadLen and MaxWriteLen bound a single Execute call's data phase;
	// protocol helpers chunk larger requests.
	MaxReadLen() int
	MaxWriteLen() int

	// Execute performs one SPI transaction. CS is asserted for its
	// duration and deasserted before return, even on error. If cmd.IOMode
	// is unsupported, Execute returns an error; each backend in this module
	// uses its own error value for that, not a shared sentinel.
	Execute(ctx context.Context, cmd *spicmd.Command) error

	// DelayUs requests an inter-transaction delay. Bit-banged masters may
	// accumulate sub-20us delays into the next CS packet rather than
	// sleeping; others sleep outright.
	DelayUs(ctx context.Context, n uint32) error
}

// OpaqueMaster is an address-based controller that performs the SPI
// protocol internally; it exposes no raw command surface.
type OpaqueMaster interface {
	Size() uint32
	Read(ctx context.Context, addr uint32, buf []byte) error
	Write(ctx context.Context, addr uint32, data []byte) error

	// Erase requires addr and len to be multiples of EraseGranularity.
	Erase(ctx context.Context, addr, length uint32) error
	EraseGranularity() uint32
}

// Closer is implemented by programmers that hold an exclusive OS resource
// (a USB handle, a register-window mmap). FlashDevice lifetime owns it.
type Closer interface {
	Close() error
}

// DefaultPageTimeout is the per-page program completion budget used when a
// caller does not override it (matches an earlier, empirically
// chosen page-program poll budget).
const DefaultPageTimeout = 10 * time.Millisecond
