// Package flashsim is an in-memory SPI NOR flash emulator implementing
// prog.SpiMaster, used to exercise the spi/flash/smartwrite packages
// without hardware — the same role periph.io's conn/spi/spitest fakes play
// for that earlier spi.Conn usage. Grounded on an earlier
// StatusRegister model in flash.go, generalized from "track one status
// byte" to a full byte array with erase-to-0xFF, AND-only programming, and
// WIP latency.
package flashsim

import (
	"context"
	"sync"
	"time"

	"github.com/gentam/goflash/spicmd"
)

// Sim is a NOR flash model: a byte array plus a status register and the
// JEDEC ID it answers RDID with.
type Sim struct {
	mu sync.Mutex

	data []byte
	sr1  byte
	sr2  byte
	sr3  byte

	Manufacturer byte
	Device       uint16

	// PageSize governs page-program address wraparound semantics, as real
	// chips wrap within a page rather than across it.
	PageSize uint32

	// BusyFor simulates WIP latency: the chip reports busy for this long
	// after a program/erase command before BusyWait-style polling clears.
	BusyFor time.Duration
	busyUntil time.Time

	fourByteMode bool
	writeEnabled bool

	// Features advertised to protocol helpers.
	SimFeatures spicmd.Features
	MaxRead     int
	MaxWrite    int
}

// New creates a Sim of the given size, pre-erased (all 0xFF).
func New(size uint32, manufacturer byte, device uint16) *Sim {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	return &Sim{
		data:         data,
		Manufacturer: manufacturer,
		Device:       device,
		PageSize:     256,
		MaxRead:      1 << 20,
		MaxWrite:     256,
	}
}

func (s *Sim) Features() spicmd.Features { return s.SimFeatures }
func (s *Sim) MaxReadLen() int           { return s.MaxRead }
func (s *Sim) MaxWriteLen() int          { return s.MaxWrite }

func (s *Sim) DelayUs(ctx context.Context, n uint32) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(n) * time.Microsecond):
		return nil
	}
}

// Snapshot returns a copy of the chip's current contents, for test
// assertions.
func (s *Sim) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Poke directly sets bytes, bypassing program semantics — for test setup
// that needs a chip pre-loaded with arbitrary (including "impossible
// without erase") content.
func (s *Sim) Poke(addr uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.data[addr:], data)
}

func (s *Sim) busy() bool { return time.Now().Before(s.busyUntil) }

func addressValue(cmd *spicmd.Command) uint32 { return cmd.Address }

// Execute implements prog.SpiMaster by interpreting cmd.Opcode against the
// simulated chip state.
func (s *Sim) Execute(ctx context.Context, cmd *spicmd.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Opcode {
	case spicmd.OpReadID:
		if len(cmd.ReadBuf) >= 1 {
			cmd.ReadBuf[0] = s.Manufacturer
		}
		if len(cmd.ReadBuf) >= 3 {
			cmd.ReadBuf[1] = byte(s.Device >> 8)
			cmd.ReadBuf[2] = byte(s.Device)
		}
		return nil

	case spicmd.OpReadStatus1:
		cmd.ReadBuf[0] = s.readSR1()
		return nil
	case spicmd.OpReadStatus2:
		cmd.ReadBuf[0] = s.sr2
		return nil
	case spicmd.OpReadStatus3:
		cmd.ReadBuf[0] = s.sr3
		return nil
	case spicmd.OpWriteStatus1:
		s.sr1 = cmd.WriteData[0]
		if len(cmd.WriteData) > 1 {
			s.sr2 = cmd.WriteData[1]
		}
		return nil
	case spicmd.OpWriteStatus2:
		s.sr2 = cmd.WriteData[0]
		return nil
	case spicmd.OpWriteStatus3:
		s.sr3 = cmd.WriteData[0]
		return nil

	case spicmd.OpWriteEnable:
		s.writeEnabled = true
		return nil
	case spicmd.OpWriteDisable:
		s.writeEnabled = false
		return nil

	case spicmd.OpEnter4Byte:
		s.fourByteMode = true
		return nil
	case spicmd.OpExit4Byte:
		s.fourByteMode = false
		return nil

	case spicmd.OpRead, spicmd.OpFastRead, spicmd.OpRead4B, spicmd.OpFastRead4B:
		copy(cmd.ReadBuf, s.data[addressValue(cmd):])
		return nil

	case spicmd.OpReadSFDP:
		copy(cmd.ReadBuf, s.sfdpTable(addressValue(cmd)))
		return nil

	case spicmd.OpPageProgram, spicmd.OpPageProgram4B:
		addr := addressValue(cmd)
		for i, b := range cmd.WriteData {
			a := addr + uint32(i)
			if s.PageSize > 0 { // wrap within the page containing addr
				a = addr - addr%s.PageSize + (addr%s.PageSize+uint32(i))%s.PageSize
			}
			s.data[a] &= b // AND-only: a 1 only stays if both were 1
		}
		s.busyUntil = time.Now().Add(s.BusyFor)
		return nil

	case spicmd.OpSectorErase, spicmd.OpSectorErase4B:
		s.eraseRange(addressValue(cmd), 4<<10)
		s.busyUntil = time.Now().Add(s.BusyFor)
		return nil
	case spicmd.OpBlockErase32K, spicmd.OpBlockErase32K4B:
		s.eraseRange(addressValue(cmd), 32<<10)
		s.busyUntil = time.Now().Add(s.BusyFor)
		return nil
	case spicmd.OpBlockErase64K, spicmd.OpBlockErase64K4B:
		s.eraseRange(addressValue(cmd), 64<<10)
		s.busyUntil = time.Now().Add(s.BusyFor)
		return nil
	case spicmd.OpChipErase, spicmd.OpChipErase60:
		s.eraseRange(0, uint32(len(s.data)))
		s.busyUntil = time.Now().Add(s.BusyFor)
		return nil
	}
	return nil
}

func (s *Sim) readSR1() byte {
	sr := s.sr1 &^ 1
	if s.busy() {
		sr |= 1
	}
	return sr
}

func (s *Sim) eraseRange(addr, length uint32) {
	end := addr + length
	if end > uint32(len(s.data)) {
		end = uint32(len(s.data))
	}
	for i := addr; i < end; i++ {
		s.data[i] = 0xFF
	}
}

// sfdpTable returns a minimal, fixed mock SFDP image: header + one
// parameter header (BFPT) + a 9-dword BFPT body, sized so sfdp.Probe can
// parse it against this sim's declared size/page size.
func (s *Sim) sfdpTable(at uint32) []byte {
	full := make([]byte, 8+8+9*4)
	copy(full[0:4], "SFDP")
	full[4], full[5] = 0, 1 // rev minor/major
	full[6] = 0             // NPH-1 = 0 -> 1 header

	// parameter header 0: BFPT, id 0x00/0xFF, dwordCount=9, pointer=16
	ph := full[8:16]
	ph[0] = 0x00
	ph[1], ph[2] = 0, 1
	ph[3] = 9
	ph[4], ph[5], ph[6] = 16, 0, 0
	ph[7] = 0xFF

	bfpt := full[16:]
	// DWORD1: address mode bits 18:17 = 01 (3 or 4 byte)
	putLE32(bfpt[0:4], 1<<17)
	// DWORD2: density, bit31=0 => bits-1
	putLE32(bfpt[4:8], uint32(len(s.data))*8-1)

	if int(at) >= len(full) {
		return make([]byte, 0)
	}
	return full[at:]
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
