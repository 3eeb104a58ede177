package chipdb

import (
	"time"

	"github.com/gentam/goflash/chip"
)

// Timing holds the AC-characteristic durations used for busy-wait timeouts
// and power-up/down settling delays. Separated from chip.Descriptor because
// spec.md §3 treats ChipDescriptor as a pure identity/geometry record; the
// teacher's flash_params.go bundled timing and identity in one flashParams
// struct, which this package un-bundles into a companion table keyed by the
// same chip.ID.
type Timing struct {
	ResumeFromPowerDown time.Duration // tRES1: CS-high-to-standby after AB
	PowerDown           time.Duration // tDP: CS-high-to-powerdown after B9
	PageProgram         time.Duration
	Erase4KB            time.Duration
	Erase64KB            time.Duration
	EraseChip           time.Duration
}

var builtinTiming = map[chip.ID]Timing{
	{Manufacturer: 0x20, Device: 0xBA16}: {
		// [N25Q32|Table 38: AC Characteristics and Operating Conditions]
		PageProgram: 5 * time.Millisecond,
		Erase4KB:    800 * time.Millisecond,
		Erase64KB:   3 * time.Second,
		EraseChip:   60 * time.Second,
	},
	{Manufacturer: 0xEF, Device: 0x4018}: {
		// [W25Q128|9.6 AC Electrical Characteristics]
		ResumeFromPowerDown: 3 * time.Microsecond,
		PowerDown:           3 * time.Microsecond,
		PageProgram:         3 * time.Millisecond,
		Erase4KB:            400 * time.Millisecond,
		Erase64KB:           2000 * time.Millisecond,
		EraseChip:           200 * time.Second,
	},
	{Manufacturer: 0xC8, Device: 0x4017}: {
		PageProgram: 3 * time.Millisecond,
		Erase4KB:    400 * time.Millisecond,
		Erase64KB:   2000 * time.Millisecond,
		EraseChip:   100 * time.Second,
	},
}

// TimingFor returns the registered timing for a chip, or the maximum
// duration across every known chip's corresponding field when id is
// unregistered — the same fallback policy as an earlier paramOrMax,
// generalized from "no chip ID matched" to "any unknown chip ID".
func TimingFor(id chip.ID) Timing {
	if t, ok := builtinTiming[id]; ok {
		return t
	}
	var max Timing
	for _, t := range builtinTiming {
		max.ResumeFromPowerDown = maxDur(max.ResumeFromPowerDown, t.ResumeFromPowerDown)
		max.PowerDown = maxDur(max.PowerDown, t.PowerDown)
		max.PageProgram = maxDur(max.PageProgram, t.PageProgram)
		max.Erase4KB = maxDur(max.Erase4KB, t.Erase4KB)
		max.Erase64KB = maxDur(max.Erase64KB, t.Erase64KB)
		max.EraseChip = maxDur(max.EraseChip, t.EraseChip)
	}
	return max
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
