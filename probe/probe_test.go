package probe_test

import (
	"context"
	"testing"

	"github.com/gentam/goflash/chipdb"
	"github.com/gentam/goflash/flashsim"
	"github.com/gentam/goflash/probe"
)

func TestProbeFromDatabase(t *testing.T) {
	sim := flashsim.New(16<<20, 0xEF, 0x4018) // W25Q128JV, in chipdb's builtins
	db := chipdb.New()

	result, err := probe.Probe(context.Background(), sim, db)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !result.FromDatabase {
		t.Fatalf("FromDatabase = false, want true for a known JEDEC ID")
	}
	if result.Chip.Name != "W25Q128JV" {
		t.Fatalf("Chip.Name = %q, want W25Q128JV", result.Chip.Name)
	}
	if result.Sfdp == nil {
		t.Fatalf("Sfdp = nil, want a parsed table (flashsim always serves one)")
	}
}

func TestProbeUnknownChipSynthesizesFromSFDP(t *testing.T) {
	sim := flashsim.New(8<<20, 0x01, 0x9999) // not in chipdb
	db := chipdb.New()

	result, err := probe.Probe(context.Background(), sim, db)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if result.FromDatabase {
		t.Fatalf("FromDatabase = true, want false for an unregistered JEDEC ID")
	}
	if result.Chip.TotalSize != 8<<20 {
		t.Fatalf("synthesized TotalSize = %d, want %d (from SFDP)", result.Chip.TotalSize, 8<<20)
	}
}

func TestProbeAgainstEmptyRegistryStillSynthesizes(t *testing.T) {
	sim := flashsim.New(1<<20, 0x01, 0x9999)
	db := &chipdb.Registry{}

	result, err := probe.Probe(context.Background(), sim, db)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if result.FromDatabase {
		t.Fatalf("FromDatabase = true, want false against an empty registry")
	}
}
