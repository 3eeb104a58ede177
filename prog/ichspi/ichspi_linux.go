// Package ichspi implements a prog.OpaqueMaster for Intel ICH/PCH-style
// chipset SPI controllers (spec.md §9.4's representative opaque
// controller, C12b) in both of its sequencing modes: hardware sequencing,
// where the controller walks the SPI protocol internally once
// FADDR/HSFC are programmed and FGO is set, and software sequencing,
// where the caller picks an opcode from an 8-entry OPMENU table (with an
// optional atomically-paired PREOP prefix opcode) and the controller
// issues exactly that opcode over the wire.
//
// Grounded on original_source/crates/rflasher-internal/src/ichspi.rs's
// hwseq read/write/erase methods (HSFS polling, FADDR/HSFC/FDATA0
// register sequencing) for the hardware-sequencing half, and the same
// file's SpiMode::SoftwareSequencing path (OPMENU/PREOP programming,
// SSFS/SSFC cycle control) for the software-sequencing half. Open
// chooses between them the way ichspi.rs's mode-selection does: hardware
// sequencing when the descriptor is valid and software sequencing isn't
// locked against reconfiguration, software sequencing as the fallback
// once the descriptor is absent (older chipsets) or hardware sequencing
// is otherwise unusable.
package ichspi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gentam/goflash/registry"
)

// Register offsets within SPIBAR, per the ICH9+ hardware-sequencing
// layout original_source/crates/rflasher-internal/src/ichspi.rs programs.
const (
	regHSFS   = 0x04 // Hardware Sequencing Flash Status
	regHSFC   = 0x06 // Hardware Sequencing Flash Control
	regFADDR  = 0x08 // Flash Address
	regFDATA0 = 0x10 // Flash Data 0..15 (64 bytes of transfer buffer)

	// Software-sequencing registers. SSFS (8 bits) and SSFC (24 bits)
	// are addressed together as one 32-bit little-endian word at 0x90,
	// the way ichspi.rs's software-sequencing path programs them.
	regSSFSC  = 0x90 // Software Sequencing Flash Status/Control, combined
	regPREOP  = 0x94 // two prefix opcodes, one byte each
	regOPTYPE = 0x96 // 2 bits/entry, 8 entries: addr/data shape per OPMENU slot
	regOPMENU = 0x98 // 8 opcode bytes, indexed by SSFC's COP field
)

const (
	hsfsFDONE    = 1 << 0
	hsfsFCERR    = 1 << 1
	hsfsAEL      = 1 << 2
	hsfsSCIP     = 1 << 5
	hsfsFDV      = 1 << 14
	hsfsFLOCKDN  = 1 << 15
	hsfsDoneOrErr = hsfsFDONE | hsfsFCERR

	hsfcFGO       = 1 << 0
	hsfcFCycleOff = 1
	hsfcFCycleMsk = 0x3 << hsfcFCycleOff
	hsfcFDBCOff   = 8
	hsfcFDBCMsk   = 0x3f << hsfcFDBCOff

	cycleRead  = 0x0
	cycleWrite = 0x2
	cycleErase = 0x3
)

// SSFSC bit layout: SSFS occupies bits 0..7, SSFC bits 8..31, of the
// combined 32-bit word at regSSFSC.
const (
	ssfsSCIP   = 1 << 0
	ssfsCDS    = 1 << 2 // Cycle Done Status
	ssfsFCERR  = 1 << 3
	ssfsAEL    = 1 << 4
	ssfsDoneOrErr = ssfsCDS | ssfsFCERR

	ssfcSCGO    = 1 << 9  // Sequencing Cycle Go
	ssfcACS     = 1 << 10 // Atomic Cycle Sequence: pair a PREOP with COP
	ssfcSPOP    = 1 << 11 // which PREOP entry (0 or 1) ACS pairs in
	ssfcCOPOff  = 12
	ssfcCOPMsk  = 0x7 << ssfcCOPOff // index into the 8-entry OPMENU
	ssfcDSOff   = 16
	ssfcDSMsk   = 0x3f << ssfcDSOff // data byte count, 0..63
)

// OPTYPE encodes, per OPMENU slot, whether the opcode carries an address
// and/or a data phase.
const (
	opTypeNoAddrNoData = 0
	opTypeNoAddrData   = 1
	opTypeAddrNoData   = 2
	opTypeAddrData     = 3
)

// OPMENU slot indices this driver programs into the table.
const (
	opSlotRead        = 0
	opSlotPageProgram = 1
	opSlotSectorErase = 2
	opSlotReadStatus  = 3
)

// PREOP slot indices.
const (
	preopWriteEnable = 0
	preopEWSR        = 1
)

// seqMode selects which of the controller's two sequencing engines a
// Master drives.
type seqMode int

const (
	modeHardware seqMode = iota
	modeSoftware
)

// chipEraseTimeout bounds a software-sequencing erase cycle; erase is
// the one opcode slow enough that the general swseqTimeout would trip
// falsely on a busy part.
const chipEraseTimeout = 60 * time.Second

const swseqTimeout = 5 * time.Second
const swseqIdleTimeout = 1 * time.Second

// hwseqMaxData is HWSEQ_MAX_DATA from the original: one FDATA-register
// transfer window.
const hwseqMaxData = 64

var (
	errLocked  = errors.New("ichspi: controller configuration is locked (HSFS.FLOCKDN)")
	errFlashErr = errors.New("ichspi: flash cycle error (HSFS.FCERR)")
	errTimeout = errors.New("ichspi: flash cycle timed out")
)

// regspace is the narrow MMIO surface this driver needs, kept as an
// interface so tests can substitute an in-memory fake instead of mapping
// real physical memory.
type regspace interface {
	Read16(off uintptr) uint16
	Write16(off uintptr, v uint16)
	Read32(off uintptr) uint32
	Write32(off uintptr, v uint32)
}

// Master drives one ICH/PCH SPI controller in either sequencing mode.
type Master struct {
	regs      regspace
	closeFn   func() error
	chipSize  uint32
	eraseSize uint32
	addrMask  uint32
	mode      seqMode
}

// Open maps opts["membase"] (hex physical address of SPIBAR, e.g.
// "fed1f800" on PCH100+) for size opts["memsize"] (default 0x1000) via
// /dev/mem, and reports opts["size"] bytes of flash (required — hwseq has
// no direct way to query component size without descriptor parsing,
// which is layout's job, not this driver's).
func Open(ctx context.Context, opts map[string]string) (registry.Handle, error) {
	memBase, err := strconv.ParseUint(opts["membase"], 16, 64)
	if err != nil {
		return registry.Handle{}, fmt.Errorf("ichspi: invalid or missing membase: %w", err)
	}
	memSize := uint64(0x1000)
	if v, ok := opts["memsize"]; ok {
		memSize, err = strconv.ParseUint(v, 0, 64)
		if err != nil {
			return registry.Handle{}, fmt.Errorf("ichspi: invalid memsize %q", v)
		}
	}
	chipSize, err := strconv.ParseUint(opts["size"], 0, 32)
	if err != nil {
		return registry.Handle{}, fmt.Errorf("ichspi: invalid or missing size: %w", err)
	}

	fd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return registry.Handle{}, fmt.Errorf("ichspi: open /dev/mem: %w", err)
	}
	mem, err := unix.Mmap(fd, int64(memBase), int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		return registry.Handle{}, fmt.Errorf("ichspi: mmap SPIBAR: %w", err)
	}

	regs := &mmapRegs{mem: mem}
	hsfs := regs.Read16(regHSFS)
	hwseqAvailable := hsfs&hsfsFDV != 0
	swseqLocked := hsfs&hsfsFLOCKDN != 0

	var mode seqMode
	switch {
	case !hwseqAvailable && swseqLocked:
		// Neither engine is usable: no valid descriptor for hwseq, and
		// the OPMENU/PREOP tables swseq needs can't be programmed.
		unix.Munmap(mem)
		return registry.Handle{}, errLocked
	case swseqLocked:
		// swseq's config registers are locked down; fall back to hwseq.
		mode = modeHardware
	case !hwseqAvailable:
		// No flash descriptor: hwseq has no FADDR/FCYCLE target to walk.
		mode = modeSoftware
	default:
		mode = requestedMode(opts, modeHardware)
	}

	addrMask := uint32(0x00ff_ffff) // ICH9_FADDR_FLA; PCH100+ widens this but 24 bits covers every chip this driver targets
	m := &Master{
		regs:      regs,
		closeFn:   func() error { return unix.Munmap(mem) },
		chipSize:  uint32(chipSize),
		eraseSize: 4096,
		addrMask:  addrMask,
		mode:      mode,
	}
	if mode == modeSoftware {
		m.configureSoftwareSequencing()
	}
	return registry.Handle{Opaque: m, Close: m.closeFn}, nil
}

// requestedMode honors opts["mode"] ("hwseq" or "swseq") when both
// engines are available and swseq's tables are still writable; falls
// back to def otherwise.
func requestedMode(opts map[string]string, def seqMode) seqMode {
	switch opts["mode"] {
	case "swseq":
		return modeSoftware
	case "hwseq":
		return modeHardware
	default:
		return def
	}
}

// configureSoftwareSequencing programs the OPMENU/OPTYPE/PREOP tables
// with the handful of opcodes Read/Write/Erase need, mirroring
// ichspi.rs's swseq setup. Only called when FLOCKDN is clear, so these
// registers are still writable.
func (m *Master) configureSoftwareSequencing() {
	var opmenu [8]byte
	opmenu[opSlotRead] = 0x03
	opmenu[opSlotPageProgram] = 0x02
	opmenu[opSlotSectorErase] = 0x20
	opmenu[opSlotReadStatus] = 0x05
	m.regs.Write32(regOPMENU, binary.LittleEndian.Uint32(opmenu[0:4]))
	m.regs.Write32(regOPMENU+4, binary.LittleEndian.Uint32(opmenu[4:8]))

	var optype uint16
	optype |= opTypeAddrData << (2 * opSlotRead)
	optype |= opTypeAddrData << (2 * opSlotPageProgram)
	optype |= opTypeAddrNoData << (2 * opSlotSectorErase)
	optype |= opTypeNoAddrData << (2 * opSlotReadStatus)
	m.regs.Write16(regOPTYPE, optype)

	var preop uint16
	preop |= uint16(0x06) << (8 * preopWriteEnable) // WREN
	preop |= uint16(0x50) << (8 * preopEWSR)        // EWSR, unused by the slots above
	m.regs.Write16(regPREOP, preop)
}

type mmapRegs struct{ mem []byte }

func (r *mmapRegs) Read16(off uintptr) uint16 { return binary.LittleEndian.Uint16(r.mem[off:]) }
func (r *mmapRegs) Write16(off uintptr, v uint16) { binary.LittleEndian.PutUint16(r.mem[off:], v) }
func (r *mmapRegs) Read32(off uintptr) uint32 { return binary.LittleEndian.Uint32(r.mem[off:]) }
func (r *mmapRegs) Write32(off uintptr, v uint32) { binary.LittleEndian.PutUint32(r.mem[off:], v) }

func (m *Master) Size() uint32            { return m.chipSize }
func (m *Master) EraseGranularity() uint32 { return m.eraseSize }

// waitCycle polls HSFS for FDONE or FCERR, per the original's
// poll-and-acknowledge-by-write-back pattern (HSFS's status bits are
// write-1-to-clear).
func (m *Master) waitCycle(ctx context.Context) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		hsfs := m.regs.Read16(regHSFS)
		if hsfs&hsfsDoneOrErr != 0 {
			m.regs.Write16(regHSFS, hsfs) // W1C acknowledge
			if hsfs&hsfsFCERR != 0 {
				return errFlashErr
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		time.Sleep(10 * time.Microsecond)
	}
}

func (m *Master) startCycle(addr uint32, blockLen int, cycle uint16) {
	m.regs.Write32(regFADDR, (addr&0x00ff_ffff)|(m.regs.Read32(regFADDR)&^m.addrMask))
	hsfc := m.regs.Read16(regHSFC)
	hsfc &^= hsfcFCycleMsk
	hsfc |= cycle << hsfcFCycleOff
	hsfc &^= hsfcFDBCMsk
	hsfc |= uint16(blockLen-1) << hsfcFDBCOff
	hsfc |= hsfcFGO
	m.regs.Write16(regHSFC, hsfc)
}

// Read performs one or more read cycles, each bounded to hwseqMaxData
// bytes, per ichspi.rs's hwseq_read/swseq equivalent.
func (m *Master) Read(ctx context.Context, addr uint32, buf []byte) error {
	if uint64(addr)+uint64(len(buf)) > uint64(m.chipSize) {
		return fmt.Errorf("ichspi: read out of bounds")
	}
	for pos := 0; pos < len(buf); {
		n := len(buf) - pos
		if n > hwseqMaxData {
			n = hwseqMaxData
		}
		if err := m.runCycle(ctx, addr+uint32(pos), n, cycleRead, opSlotRead, false, swseqTimeout); err != nil {
			return err
		}
		m.readFDATA(buf[pos : pos+n])
		pos += n
	}
	return nil
}

// Write performs one or more write cycles, per ichspi.rs's
// hwseq_write/swseq equivalent. The caller (flash.OpaqueDevice) is
// responsible for having erased any bits that need to go from 0 to 1
// first. In software-sequencing mode, each cycle atomically pairs the
// page-program opcode with the WREN PREOP entry — the controller issues
// WREN immediately before the program opcode with CS held low across
// both, so no separate write-enable cycle is needed.
func (m *Master) Write(ctx context.Context, addr uint32, data []byte) error {
	if uint64(addr)+uint64(len(data)) > uint64(m.chipSize) {
		return fmt.Errorf("ichspi: write out of bounds")
	}
	for pos := 0; pos < len(data); {
		n := len(data) - pos
		if n > hwseqMaxData {
			n = hwseqMaxData
		}
		m.writeFDATA(data[pos : pos+n])
		if err := m.runCycle(ctx, addr+uint32(pos), n, cycleWrite, opSlotPageProgram, true, swseqTimeout); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// Erase issues one erase cycle per 4KiB block, per ichspi.rs's
// hwseq_erase/swseq equivalent (only_4k is the common case across every
// chipset this driver supports — larger erase block sizes need the
// block-select bit hwseq exposes on some PCH generations, which this
// driver does not yet decode). Software-sequencing erase cycles get the
// longer chipEraseTimeout budget rather than swseqTimeout: an erase can
// legitimately run for tens of seconds.
func (m *Master) Erase(ctx context.Context, addr, length uint32) error {
	if addr%m.eraseSize != 0 || length%m.eraseSize != 0 {
		return fmt.Errorf("ichspi: erase: address/length not aligned to 0x%x", m.eraseSize)
	}
	for off := uint32(0); off < length; off += m.eraseSize {
		if err := m.runCycle(ctx, addr+off, 0, cycleErase, opSlotSectorErase, true, chipEraseTimeout); err != nil {
			return err
		}
	}
	return nil
}

// runCycle dispatches one flash cycle to whichever engine Open selected.
// opSlot, withPreop and timeout are only consulted in software-sequencing
// mode; hwseq derives everything it needs from cycle and blockLen alone.
func (m *Master) runCycle(ctx context.Context, addr uint32, blockLen int, cycle uint16, opSlot int, withPreop bool, timeout time.Duration) error {
	if m.mode == modeHardware {
		m.startCycle(addr, blockLen, cycle)
		return m.waitCycle(ctx)
	}
	if err := m.waitSoftwareIdle(ctx); err != nil {
		return err
	}
	m.startSoftwareCycle(addr, blockLen, opSlot, withPreop)
	return m.waitSoftwareCycle(ctx, timeout)
}

// waitSoftwareIdle blocks until SSFS.SCIP clears, per ichspi.rs's
// requirement that no new swseq cycle starts while one is already in
// progress.
func (m *Master) waitSoftwareIdle(ctx context.Context) error {
	deadline := time.Now().Add(swseqIdleTimeout)
	for {
		if m.regs.Read32(regSSFSC)&ssfsSCIP == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		time.Sleep(10 * time.Microsecond)
	}
}

// startSoftwareCycle programs FADDR, the data byte count, the OPMENU
// slot to run, and — when withPreop is set — pairs it atomically with
// the write-enable PREOP entry, then sets SCGO.
func (m *Master) startSoftwareCycle(addr uint32, blockLen int, opSlot int, withPreop bool) {
	m.regs.Write32(regFADDR, (addr&0x00ff_ffff)|(m.regs.Read32(regFADDR)&^m.addrMask))

	ssfsc := m.regs.Read32(regSSFSC)
	ssfsc &^= uint32(ssfcCOPMsk)
	ssfsc |= uint32(opSlot) << ssfcCOPOff
	ssfsc &^= uint32(ssfcDSMsk)
	if blockLen > 0 {
		ssfsc |= uint32(blockLen-1) << ssfcDSOff & uint32(ssfcDSMsk)
	}
	if withPreop {
		// SPOP left clear selects PREOP slot 0 (preopWriteEnable).
		ssfsc |= ssfcACS
		ssfsc &^= ssfcSPOP
	} else {
		ssfsc &^= ssfcACS
	}
	ssfsc |= ssfcSCGO
	m.regs.Write32(regSSFSC, ssfsc)
}

// waitSoftwareCycle polls SSFS for CDS (cycle done) or FCERR, the swseq
// analogue of waitCycle.
func (m *Master) waitSoftwareCycle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ssfsc := m.regs.Read32(regSSFSC)
		if ssfsc&ssfsDoneOrErr != 0 {
			m.regs.Write32(regSSFSC, ssfsc) // W1C acknowledge, same as HSFS
			if ssfsc&ssfsFCERR != 0 {
				return errFlashErr
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		time.Sleep(10 * time.Microsecond)
	}
}

func (m *Master) readFDATA(buf []byte) {
	for off := 0; off < len(buf); off += 4 {
		v := m.regs.Read32(regFDATA0 + uintptr(off))
		n := len(buf) - off
		if n > 4 {
			n = 4
		}
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		copy(buf[off:off+n], tmp[:n])
	}
}

func (m *Master) writeFDATA(buf []byte) {
	for off := 0; off < len(buf); off += 4 {
		var tmp [4]byte
		n := len(buf) - off
		if n > 4 {
			n = 4
		}
		copy(tmp[:n], buf[off:off+n])
		m.regs.Write32(regFDATA0+uintptr(off), binary.LittleEndian.Uint32(tmp[:]))
	}
}
