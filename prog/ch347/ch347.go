// Package ch347 implements a prog.SpiMaster over the WCH CH347's HID-mode
// SPI bridge (spec.md §9.2's second ambient programmer).
//
// Grounded on serfreeman1337/go-ch347's ch347.go/spi.go (HIDDev interface,
// SetSPI config packet, CH347_CMD_SPI_OUT packet framing and CS control)
// for the HID transport shape, and on
// original_source/crates/rflasher-ch347/src/device.rs for the parts that
// reference repo lacks: a working spi_read path and the execute() dispatch
// that turns one SpiCommand into a write-then-read transfer. Uses
// github.com/sstallion/go-hid for the HID handle itself.
package ch347

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	hid "github.com/sstallion/go-hid"

	"github.com/gentam/goflash/registry"
	"github.com/gentam/goflash/spicmd"
)

const (
	vendorID  = 0x1A86
	productID = 0x55DC // "HID To UART+SPI+I2C", per go-ch347's examples/spi-flash
	spiIface  = 1      // interface 1 carries SPI+I2C+GPIO; 0 carries UART

	cmdSPIOut   = 0xC4
	cmdSPIIn    = 0xC5
	cmdSPICSCtl = 0xC1

	csAssert    = 0x80
	csDeassert  = 0x40
	csChange    = 0x01
	csIgnore    = 0x00

	maxDataLen = 509 // CH347's single-packet payload ceiling, per go-ch347's SPI()
	packetSize = 512
)

// ErrInvalidResponse is returned when the device's echoed header doesn't
// match what was sent, mirroring go-ch347's spi.go.
var ErrInvalidResponse = errors.New("ch347: invalid response")

// Mode and ChipSelect mirror go-ch347's own SPIMode/SPIClock enums,
// generalized to the option-string values spec.md §6 uses.
type Mode uint8

const (
	Mode0 Mode = iota
	Mode1
	Mode2
	Mode3
)

type ChipSelect uint8

const (
	CS0 ChipSelect = iota
	CS1
)

// hidDev is the minimal surface ch347 needs from *hid.Device, kept as an
// interface so flashsim-style fakes can stand in during tests.
type hidDev interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// Master is a prog.SpiMaster talking to one CH347 over HID.
type Master struct {
	mu  sync.Mutex
	dev hidDev
	cs  ChipSelect
}

// Open finds the first CH347 (T or F variant) and configures it for SPI
// per opts["spimode"] and opts["cs"]. The SPI clock is always the 30 MHz
// divider; opts["spispeed"] is not read.
func Open(ctx context.Context, opts map[string]string) (registry.Handle, error) {
	if err := hid.Init(); err != nil {
		return registry.Handle{}, fmt.Errorf("ch347: hid init: %w", err)
	}

	dev, err := openFirst()
	if err != nil {
		return registry.Handle{}, err
	}

	mode := Mode0
	if v, ok := opts["spimode"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 3 {
			dev.Close()
			return registry.Handle{}, fmt.Errorf("ch347: invalid spimode %q", v)
		}
		mode = Mode(n)
	}

	cs := CS0
	if v, ok := opts["cs"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 0 && n != 1) {
			dev.Close()
			return registry.Handle{}, fmt.Errorf("ch347: invalid cs %q (want 0 or 1)", v)
		}
		cs = ChipSelect(n)
	}
	clockField := byte(1) // 30MHz divider, per go-ch347's SPIClock1

	m := &Master{dev: dev, cs: cs}
	if err := m.configure(mode, clockField); err != nil {
		dev.Close()
		return registry.Handle{}, err
	}
	return registry.Handle{SPI: m, Close: m.Close}, nil
}

func openFirst() (*hid.Device, error) {
	var path string
	err := hid.Enumerate(vendorID, productID, func(info *hid.DeviceInfo) error {
		if path == "" && info.InterfaceNbr == spiIface {
			path = info.Path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ch347: enumerate: %w", err)
	}
	if path == "" {
		return nil, errors.New("ch347: no CH347 SPI interface found")
	}
	dev, err := hid.OpenPath(path)
	if err != nil {
		return nil, fmt.Errorf("ch347: open: %w", err)
	}
	return dev, nil
}

func (m *Master) Close() error { return m.dev.Close() }

func (m *Master) Features() spicmd.Features { return spicmd.FeatureFourByteAddr }
func (m *Master) MaxReadLen() int           { return 64 << 10 }
func (m *Master) MaxWriteLen() int          { return 64 << 10 }

func (m *Master) DelayUs(ctx context.Context, n uint32) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(n) * time.Microsecond):
		return nil
	}
}

// configure sends the 31-byte SetSPI packet (a 2-byte length header plus a
// 29-byte body) and reads a 6-byte reply, ported from go-ch347's SetSPI.
func (m *Master) configure(mode Mode, clock byte) error {
	p := make([]byte, 0, 31)
	p = append(p, 0x1d, 0x00)
	p = append(p, 0xc0, 0x1a, 0x00, 0x00, 0x00, 0x04, 0x01, 0x00, 0x00)
	switch mode {
	case Mode0:
		p = append(p, 0x00, 0x00, 0x00, 0x00)
	case Mode1:
		p = append(p, 0x00, 0x00, 0x01, 0x00)
	case Mode2:
		p = append(p, 0x02, 0x00, 0x00, 0x00)
	case Mode3:
		p = append(p, 0x02, 0x00, 0x01, 0x00)
	}
	p = append(p, 0x00, 0x02)
	p = append(p, clock<<3)
	p = append(p, 0x00)
	p = append(p, 0x00) // MSB first
	p = append(p, 0x00, 0x07, 0x00)
	p = append(p, 0x00, 0x00)
	p = append(p, 0xff)
	p = append(p, 0x00)
	p = append(p, 0x00, 0x00, 0x00, 0x00)

	if _, err := m.dev.Write(p); err != nil {
		return fmt.Errorf("ch347: configure write: %w", err)
	}
	resp := make([]byte, 6)
	if _, err := m.dev.Read(resp); err != nil {
		return fmt.Errorf("ch347: configure read: %w", err)
	}
	if resp[2] != 0xc0 || resp[3] != 0x01 {
		return ErrInvalidResponse
	}
	return nil
}

func (m *Master) csControl(assert bool) error {
	var csVal byte
	if assert {
		csVal = csAssert | csChange
	} else {
		csVal = csDeassert | csChange
	}
	cmd := make([]byte, 13)
	cmd[0] = cmdSPICSCtl
	cmd[1] = 10
	switch m.cs {
	case CS0:
		cmd[3] = csVal
		cmd[8] = csIgnore
	case CS1:
		cmd[3] = csIgnore
		cmd[8] = csVal
	}
	_, err := m.dev.Write(cmd)
	return err
}

// spiWrite streams data out over SPI_OUT packets, each capped at
// maxDataLen, matching go-ch347's SPI() chunking but simplified to a
// single in-flight packet at a time (per-packet ack, not go-ch347's own
// batched-ack pipeline) since this bridge's HID link is not the
// throughput bottleneck flash programming runs into.
func (m *Master) spiWrite(data []byte) error {
	for pos := 0; pos < len(data); {
		n := len(data) - pos
		if n > maxDataLen {
			n = maxDataLen
		}
		pkt := make([]byte, 3+n)
		pkt[0] = cmdSPIOut
		pkt[1] = byte(n & 0xff)
		pkt[2] = byte((n >> 8) & 0xff)
		copy(pkt[3:], data[pos:pos+n])
		if _, err := m.dev.Write(pkt); err != nil {
			return err
		}
		ack := make([]byte, 4)
		if _, err := m.dev.Read(ack); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// spiRead requests readLen bytes back, per
// rflasher-ch347/device.rs's spi_read (CH347_CMD_SPI_IN with a 4-byte
// little-endian count, then one or more [cmd,len_lo,len_hi,data...]
// response packets).
func (m *Master) spiRead(buf []byte) error {
	readcnt := len(buf)
	cmd := []byte{
		cmdSPIIn, 4, 0,
		byte(readcnt), byte(readcnt >> 8), byte(readcnt >> 16), byte(readcnt >> 24),
	}
	if _, err := m.dev.Write(cmd); err != nil {
		return err
	}
	pkt := make([]byte, packetSize)
	read := 0
	for read < readcnt {
		n, err := m.dev.Read(pkt)
		if err != nil {
			return err
		}
		if n < 3 {
			return fmt.Errorf("ch347: %w: response too short", ErrInvalidResponse)
		}
		dataLen := int(pkt[1]) | int(pkt[2])<<8
		if n < 3+dataLen {
			return fmt.Errorf("ch347: %w: incomplete response", ErrInvalidResponse)
		}
		toCopy := dataLen
		if read+toCopy > readcnt {
			toCopy = readcnt - read
		}
		copy(buf[read:read+toCopy], pkt[3:3+toCopy])
		read += toCopy
	}
	return nil
}

// Execute encodes cmd's header, writes it plus any write-phase data, then
// reads back cmd.ReadBuf, bracketing the whole exchange with CS control —
// the same write-then-read shape as rflasher-ch347's spi_transfer.
func (m *Master) Execute(ctx context.Context, cmd *spicmd.Command) (err error) {
	if cmd.IOMode != spicmd.IOSingle {
		return fmt.Errorf("ch347: I/O mode not supported")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err = m.csControl(true); err != nil {
		return err
	}
	defer func() {
		if csErr := m.csControl(false); csErr != nil && err == nil {
			err = csErr
		}
	}()

	headerLen := 1
	if cmd.HasAddress {
		if cmd.AddressWidth == spicmd.AddressFourByte {
			headerLen += 4
		} else {
			headerLen += 3
		}
	}
	headerLen += int(cmd.DummyCycles)

	out := make([]byte, headerLen+len(cmd.WriteData))
	out[0] = cmd.Opcode
	pos := 1
	if cmd.HasAddress {
		if cmd.AddressWidth == spicmd.AddressFourByte {
			out[pos] = byte(cmd.Address >> 24)
			out[pos+1] = byte(cmd.Address >> 16)
			out[pos+2] = byte(cmd.Address >> 8)
			out[pos+3] = byte(cmd.Address)
			pos += 4
		} else {
			out[pos] = byte(cmd.Address >> 16)
			out[pos+1] = byte(cmd.Address >> 8)
			out[pos+2] = byte(cmd.Address)
			pos += 3
		}
	}
	pos += int(cmd.DummyCycles)
	copy(out[pos:], cmd.WriteData)

	if len(out) > 0 {
		if err = m.spiWrite(out); err != nil {
			return err
		}
	}
	if len(cmd.ReadBuf) > 0 {
		if err = m.spiRead(cmd.ReadBuf); err != nil {
			return err
		}
	}
	return nil
}
