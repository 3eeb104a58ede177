package flash

import (
	"context"
	"errors"
	"fmt"

	"github.com/gentam/goflash/chip"
	"github.com/gentam/goflash/wp"
)

// Error kinds for flash operations, per spec.md §7's "Operation" family.
var (
	ErrAddressOutOfBounds = errors.New("flash: address out of bounds")
	ErrInvalidAlignment   = errors.New("flash: address/length not aligned to erase granularity")
	ErrEraseError         = errors.New("flash: block did not read back as erased")
	ErrWriteError         = errors.New("flash: write-in-progress did not clear before timeout")
)

// VerifyError reports a byte-for-byte mismatch found during a verify pass,
// per spec.md §4.5's "first mismatch is reported with offset and both
// values" contract.
type VerifyError struct {
	Offset   uint32
	Expected byte
	Actual   byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("flash: verify failed at offset 0x%x: expected 0x%02x, got 0x%02x", e.Offset, e.Expected, e.Actual)
}

// Device is the unified contract from spec.md §4.4, implemented by both
// the SPI adapter (SPIDevice) and the opaque adapter (OpaqueDevice). No
// inheritance: both are plain structs satisfying this interface.
type Device interface {
	Size() uint32
	EraseGranularity() uint32
	WriteGranularity() chip.WriteGranularity
	EraseBlocks() []chip.EraseBlock

	Read(ctx context.Context, addr uint32, buf []byte) error
	Write(ctx context.Context, addr uint32, data []byte) error
	Erase(ctx context.Context, addr, length uint32) error

	// Write-protect API. Defaults (on devices that don't support it)
	// return wp.ErrChipUnsupported.
	WPSupported() bool
	ReadWPConfig(ctx context.Context) (wp.Config, error)
	WriteWPConfig(ctx context.Context, cfg wp.Config, opts wp.WriteOptions) error
	SetWPMode(ctx context.Context, mode wp.Mode, opts wp.WriteOptions) error
	SetWPRange(ctx context.Context, r wp.Range, opts wp.WriteOptions) error
	DisableWP(ctx context.Context, opts wp.WriteOptions) error
	AvailableWPRanges() []wp.Range
}

// ReadAll reads the entire device into a freshly allocated buffer.
func ReadAll(ctx context.Context, d Device) ([]byte, error) {
	buf := make([]byte, d.Size())
	if err := d.Read(ctx, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EraseAll erases the whole device using its largest erase block.
func EraseAll(ctx context.Context, d Device) error {
	return d.Erase(ctx, 0, d.Size())
}

// unsupportedWP is embedded by adapters with no WP capability (the opaque
// adapter) to satisfy Device's WP methods with spec.md §4.4's documented
// default: ChipUnsupported.
type unsupportedWP struct{}

func (unsupportedWP) WPSupported() bool { return false }
func (unsupportedWP) ReadWPConfig(context.Context) (wp.Config, error) {
	return wp.Config{}, wp.ErrChipUnsupported
}
func (unsupportedWP) WriteWPConfig(context.Context, wp.Config, wp.WriteOptions) error {
	return wp.ErrChipUnsupported
}
func (unsupportedWP) SetWPMode(context.Context, wp.Mode, wp.WriteOptions) error {
	return wp.ErrChipUnsupported
}
func (unsupportedWP) SetWPRange(context.Context, wp.Range, wp.WriteOptions) error {
	return wp.ErrChipUnsupported
}
func (unsupportedWP) DisableWP(context.Context, wp.WriteOptions) error { return wp.ErrChipUnsupported }
func (unsupportedWP) AvailableWPRanges() []wp.Range                    { return nil }
