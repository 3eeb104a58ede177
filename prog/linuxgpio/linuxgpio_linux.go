// Package linuxgpio implements a prog.SpiMaster by bit-banging SPI over
// the Linux GPIO character-device ABI (spec.md §9.3's third ambient
// programmer): one request holding CS/SCK/MOSI/MISO as GPIOHANDLE lines,
// clocked entirely in software.
//
// Grounded on original_source/crates/rflasher-linux-gpio/src/device.rs
// (LinuxGpioSpiConfig's cs/sck/mosi/miso/half_period_ns fields and the
// single-I/O bit-bang clocking it performs), re-expressed against
// golang.org/x/sys/unix's raw GPIOHANDLE ioctls instead of gpiocdev since
// this module has no such binding of its own. The chip's sysfs-class
// periph.io/x/host/v3/sysfs GPIO driver only exposes one line at a time
// through separate file descriptors, which is awkward for a tight
// bit-bang loop; the character-device handle request batches all four
// lines behind one ioctl, matching the original's design.
package linuxgpio

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gentam/goflash/registry"
	"github.com/gentam/goflash/spicmd"
)

const (
	lineCS = iota
	lineSCK
	lineMOSI
	lineMISO
	numLines
)

const (
	gpiohandleRequestOutput  = 1 << 1
	gpiohandleRequestInput   = 1 << 0
	gpioGetLineHandleIoctl   = 0xc16cb403 // GPIO_GET_LINEHANDLE_IOCTL, from <linux/gpio.h>
	gpiohandleGetLineValues  = 0xc040b408 // GPIOHANDLE_GET_LINE_VALUES_IOCTL
	gpiohandleSetLineValues  = 0xc040b409 // GPIOHANDLE_SET_LINE_VALUES_IOCTL
	gpioMaxLines             = 64
)

// gpiohandleRequest mirrors struct gpiohandle_request from <linux/gpio.h>.
type gpiohandleRequest struct {
	lineOffsets  [gpioMaxLines]uint32
	flags        uint32
	defaultVals  [gpioMaxLines]uint8
	consumer     [32]byte
	lines        uint32
	fd           int32
}

// gpiohandleData mirrors struct gpiohandle_data.
type gpiohandleData struct {
	values [gpioMaxLines]uint8
}

// Master bit-bangs single-I/O SPI over four GPIO lines held by one
// character-device handle.
type Master struct {
	handleFd    int
	halfPeriod  time.Duration
}

// Open opens opts["gpiochip"] (e.g. "0" for /dev/gpiochip0) and requests
// opts["cs"], opts["sck"], opts["mosi"], opts["miso"] as output/input
// lines (CS/SCK/MOSI default high/low/low, MISO is input), clocked at
// opts["spispeed"] Hz (default 100kHz, per the original's
// DEFAULT_HALF_PERIOD_NS of 5000ns -> 100kHz).
func Open(ctx context.Context, opts map[string]string) (registry.Handle, error) {
	chipNum := opts["gpiochip"]
	if chipNum == "" {
		chipNum = "0"
	}
	chipPath := "/dev/gpiochip" + chipNum

	cs, err := parseOffset(opts, "cs")
	if err != nil {
		return registry.Handle{}, err
	}
	sck, err := parseOffset(opts, "sck")
	if err != nil {
		return registry.Handle{}, err
	}
	mosi, err := parseOffset(opts, "mosi")
	if err != nil {
		return registry.Handle{}, err
	}
	miso, err := parseOffset(opts, "miso")
	if err != nil {
		return registry.Handle{}, err
	}

	chipFd, err := unix.Open(chipPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return registry.Handle{}, fmt.Errorf("linuxgpio: open %s: %w", chipPath, err)
	}
	defer unix.Close(chipFd)

	req := gpiohandleRequest{
		flags: gpiohandleRequestOutput,
		lines: numLines,
	}
	req.lineOffsets[lineCS] = cs
	req.lineOffsets[lineSCK] = sck
	req.lineOffsets[lineMOSI] = mosi
	req.lineOffsets[lineMISO] = miso
	req.defaultVals[lineCS] = 1 // idle deasserted (active low)
	req.defaultVals[lineSCK] = 0
	req.defaultVals[lineMOSI] = 0
	copy(req.consumer[:], "goflash")

	if _, err := ioctl(uintptr(chipFd), gpioGetLineHandleIoctl, uintptr(unsafe.Pointer(&req))); err != nil {
		return registry.Handle{}, fmt.Errorf("linuxgpio: request lines: %w", err)
	}

	halfPeriod := 5000 * time.Nanosecond
	if v, ok := opts["spispeed"]; ok {
		hz, err := strconv.ParseUint(v, 10, 32)
		if err != nil || hz == 0 {
			unix.Close(int(req.fd))
			return registry.Handle{}, fmt.Errorf("linuxgpio: invalid spispeed %q", v)
		}
		halfPeriod = time.Duration(500_000_000 / hz)
	}

	m := &Master{handleFd: int(req.fd), halfPeriod: halfPeriod}
	return registry.Handle{SPI: m, Close: m.Close}, nil
}

func parseOffset(opts map[string]string, key string) (uint32, error) {
	v, ok := opts[key]
	if !ok {
		return 0, fmt.Errorf("linuxgpio: missing required option %q", key)
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("linuxgpio: invalid %s=%q", key, v)
	}
	return uint32(n), nil
}

func ioctl(fd uintptr, req uintptr, arg uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return r1, errno
	}
	return r1, nil
}

func (m *Master) Close() error { return unix.Close(m.handleFd) }

func (m *Master) Features() spicmd.Features { return 0 } // single I/O only, per the original's design note
func (m *Master) MaxReadLen() int           { return 1 << 20 }
func (m *Master) MaxWriteLen() int          { return 1 << 20 }

func (m *Master) DelayUs(ctx context.Context, n uint32) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(n) * time.Microsecond):
		return nil
	}
}

func (m *Master) setLines(cs, sck, mosi uint8) error {
	data := gpiohandleData{}
	data.values[lineCS] = cs
	data.values[lineSCK] = sck
	data.values[lineMOSI] = mosi
	_, err := ioctl(uintptr(m.handleFd), gpiohandleSetLineValues, uintptr(unsafe.Pointer(&data)))
	return err
}

func (m *Master) readMISO() (uint8, error) {
	data := gpiohandleData{}
	if _, err := ioctl(uintptr(m.handleFd), gpiohandleGetLineValues, uintptr(unsafe.Pointer(&data))); err != nil {
		return 0, err
	}
	return data.values[lineMISO], nil
}

// clockByte shifts out b MSB-first on MOSI while sampling MISO, SPI mode
// 0 (CPOL=0, CPHA=0): data is set up while SCK is low, sampled on the
// rising edge.
func (m *Master) clockByte(b byte) (byte, error) {
	var in byte
	for bit := 7; bit >= 0; bit-- {
		mosi := (b >> uint(bit)) & 1
		if err := m.setLines(0, 0, mosi); err != nil {
			return 0, err
		}
		time.Sleep(m.halfPeriod)
		if err := m.setLines(0, 1, mosi); err != nil {
			return 0, err
		}
		miso, err := m.readMISO()
		if err != nil {
			return 0, err
		}
		in = in<<1 | miso
		time.Sleep(m.halfPeriod)
	}
	if err := m.setLines(0, 0, 0); err != nil {
		return 0, err
	}
	return in, nil
}

// Execute assembles cmd's header, clocks it plus the write/read phases
// out over the bit-banged lines, and brackets the whole exchange with
// CS, mirroring LinuxGpioSpi::open's bit-bang transfer shape.
func (m *Master) Execute(ctx context.Context, cmd *spicmd.Command) (err error) {
	if cmd.IOMode != spicmd.IOSingle {
		return fmt.Errorf("linuxgpio: I/O mode not supported")
	}

	if err = m.setLines(0, 0, 0); err != nil { // assert CS (active low)
		return err
	}
	defer func() {
		if csErr := m.setLines(1, 0, 0); csErr != nil && err == nil {
			err = csErr
		}
	}()

	if _, err = m.clockByte(cmd.Opcode); err != nil {
		return err
	}
	if cmd.HasAddress {
		width := 3
		if cmd.AddressWidth == spicmd.AddressFourByte {
			width = 4
		}
		for i := width - 1; i >= 0; i-- {
			if _, err = m.clockByte(byte(cmd.Address >> uint(i*8))); err != nil {
				return err
			}
		}
	}
	for i := uint8(0); i < cmd.DummyCycles; i++ {
		if _, err = m.clockByte(0); err != nil {
			return err
		}
	}
	for _, b := range cmd.WriteData {
		if _, err = m.clockByte(b); err != nil {
			return err
		}
	}
	for i := range cmd.ReadBuf {
		var b byte
		if b, err = m.clockByte(0); err != nil {
			return err
		}
		cmd.ReadBuf[i] = b
	}
	return nil
}
