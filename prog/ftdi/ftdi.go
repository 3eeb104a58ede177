// Package ftdi implements a prog.SpiMaster over an FTDI FT2232H's MPSSE
// engine, the first of the ambient programmers spec.md §9.1 names.
//
// Grounded directly on an earlier device.go's NewDevice/connectSPI
// (periph.io/x/conn/v3/spi, periph.io/x/host/v3, periph.io/x/host/v3/ftdi,
// periph.io/x/d2xx) and flash.go's tx (CS assert, one conn.Tx, CS
// deassert). Generalized from "always FT2232H wired to one iCE40 board"
// into a registry.Factory configurable via the dev=, spispeed=, cs=
// option grammar of spec.md §6.
package ftdi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/gentam/goflash/registry"
	"github.com/gentam/goflash/spicmd"
)

const (
	vendorID  = 0x0403 // FTDI
	productID = 0x6010 // FT2232H
)

var hostInitialized atomic.Bool

// Master is a prog.SpiMaster backed by one FT2232H MPSSE SPI port.
type Master struct {
	ftdiDev *ftdi.FT232H
	cs      gpio.PinIO
	conn    spi.Conn
}

// Open finds an FT2232H (the first one, unless opts["dev"] names a serial
// number to match) and connects its MPSSE engine in SPI mode 0 at
// opts["spispeed"] kHz (default 30 MHz, per [AN_135 3.2.1 Divisors]), with
// chip select on ADBUS4, or on ADBUS3 when opts["cs"] is 3 (any value other
// than 3 or 4 leaves ADBUS4).
func Open(ctx context.Context, opts map[string]string) (registry.Handle, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return registry.Handle{}, fmt.Errorf("ftdi: host init: %w", err)
		}
	}

	clock := 30 * physic.MegaHertz
	if v, ok := opts["spispeed"]; ok {
		khz, err := strconv.Atoi(v)
		if err != nil {
			return registry.Handle{}, fmt.Errorf("ftdi: invalid spispeed %q: %w", v, err)
		}
		clock = physic.Frequency(khz) * physic.KiloHertz
	}

	dev, err := findFT2232H(opts["dev"])
	if err != nil {
		return registry.Handle{}, err
	}

	port, err := dev.SPI()
	if err != nil {
		return registry.Handle{}, fmt.Errorf("ftdi: get SPI port: %w", err)
	}
	// [FTDI AN_114|1.2]: the MPSSE engine only supports SPI mode 0 and 2.
	conn, err := port.Connect(clock, spi.Mode0, 8)
	if err != nil {
		return registry.Handle{}, fmt.Errorf("ftdi: connect SPI: %w", err)
	}

	cs := dev.D4 // ADBUS4, per [EB82|Appendix A]'s iCE_SS_B wiring
	if v, ok := opts["cs"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return registry.Handle{}, fmt.Errorf("ftdi: invalid cs %q: %w", v, err)
		}
		if pin, ok := csPin(dev, n); ok {
			cs = pin
		}
	}

	m := &Master{ftdiDev: dev, cs: cs, conn: conn}
	return registry.Handle{SPI: m, Close: m.Close}, nil
}

func csPin(dev *ftdi.FT232H, n int) (gpio.PinIO, bool) {
	switch n {
	case 4:
		return dev.D4, true
	case 3:
		return dev.D3, true
	default:
		return nil, false
	}
}

func findFT2232H(serial string) (*ftdi.FT232H, error) {
	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if serial != "" && info.Serial != serial {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}
	return nil, errors.New("ftdi: no FT2232H found")
}

func (m *Master) Close() error { return nil } // *ftdi.FT232H has no explicit close in periph.io/x/d2xx's API

func (m *Master) Features() spicmd.Features { return 0 } // MPSSE SPI is single I/O, 3-byte address only
func (m *Master) MaxReadLen() int           { return 65536 - 4 }
func (m *Master) MaxWriteLen() int          { return 256 }

func (m *Master) DelayUs(ctx context.Context, n uint32) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(n) * time.Microsecond):
		return nil
	}
}

// Execute performs one SPI transaction: CS low, clock out opcode +
// address + dummy + write data, clock in read data, CS high. Grounded on
// flash.go's tx, generalized from "one shared in/out buffer of len(buf)"
// (an earlier Flash always both writes and reads the whole buffer) into
// separate write/read phases since most callers want only one direction.
func (m *Master) Execute(ctx context.Context, cmd *spicmd.Command) (err error) {
	if cmd.IOMode != spicmd.IOSingle {
		return fmt.Errorf("ftdi: %w", errUnsupportedIOMode)
	}

	if err = m.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := m.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()

	headerLen := 1
	if cmd.HasAddress {
		switch cmd.AddressWidth {
		case spicmd.AddressThreeByte:
			headerLen += 3
		case spicmd.AddressFourByte:
			headerLen += 4
		}
	}
	headerLen += int(cmd.DummyCycles)

	out := make([]byte, headerLen+len(cmd.WriteData)+len(cmd.ReadBuf))
	out[0] = cmd.Opcode
	pos := 1
	if cmd.HasAddress {
		switch cmd.AddressWidth {
		case spicmd.AddressThreeByte:
			out[pos] = byte(cmd.Address >> 16)
			out[pos+1] = byte(cmd.Address >> 8)
			out[pos+2] = byte(cmd.Address)
			pos += 3
		case spicmd.AddressFourByte:
			out[pos] = byte(cmd.Address >> 24)
			out[pos+1] = byte(cmd.Address >> 16)
			out[pos+2] = byte(cmd.Address >> 8)
			out[pos+3] = byte(cmd.Address)
			pos += 4
		}
	}
	pos += int(cmd.DummyCycles)
	copy(out[pos:], cmd.WriteData)
	pos += len(cmd.WriteData)

	in := make([]byte, len(out))
	if err = m.conn.Tx(out, in); err != nil {
		return err
	}
	copy(cmd.ReadBuf, in[pos:])
	return nil
}

var errUnsupportedIOMode = errors.New("I/O mode not supported")
