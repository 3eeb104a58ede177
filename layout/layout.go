// Package layout implements the layout engine (C9): a flat, ordered
// region model with include/exclude filtering, populated from TOML,
// Intel Flash Descriptor, or FMAP sources. Grounded on
// original_source/crates/rflasher-core/src/layout/fmap.rs for the binary
// formats and on spec.md §4.6/§6 for the region model and TOML grammar.
package layout

import (
	"fmt"
	"sort"
)

// Source names where a Layout's regions came from.
type Source uint8

const (
	SourceManual Source = iota
	SourceTOML
	SourceIFD
	SourceFMAP
)

// Region is one named address span, per spec.md §3.
type Region struct {
	Name      string
	Start     uint32
	End       uint32 // inclusive
	ReadOnly  bool
	Dangerous bool
	Included  bool
}

func (r Region) Len() uint32 { return r.End - r.Start + 1 }

func (r Region) Contains(addr uint32) bool { return addr >= r.Start && addr <= r.End }

// Layout is an ordered list of regions, sorted by Start, per spec.md §3's
// invariant.
type Layout struct {
	Name     string
	ChipSize uint32 // 0 means unknown
	Source   Source
	Regions  []Region

	explicitInclude bool // set by the first Include call
}

// Validate checks spec.md §3's invariants: regions sorted by start, each
// region's end >= start, and (when ChipSize is known) every region fits.
func (l Layout) Validate() error {
	var prevStart uint32
	for i, r := range l.Regions {
		if r.End < r.Start {
			return fmt.Errorf("layout: region %q has end < start", r.Name)
		}
		if i > 0 && r.Start < prevStart {
			return fmt.Errorf("layout: regions not sorted by start (region %q)", r.Name)
		}
		if l.ChipSize != 0 && r.End >= l.ChipSize {
			return fmt.Errorf("layout: region %q extends past chip size 0x%x", r.Name, l.ChipSize)
		}
		prevStart = r.Start
	}
	return nil
}

// sortRegions restores the sorted-by-start invariant after parsing.
func sortRegions(regions []Region) {
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
}

// Include marks the named region as included. If this is the first
// explicit inclusion, every other region becomes excluded (spec.md §4.6:
// "when no explicit inclusions exist, the engine treats all regions as
// included" — the first Include call ends that default).
func (l *Layout) Include(name string) {
	if !l.explicitInclude {
		for i := range l.Regions {
			l.Regions[i].Included = false
		}
		l.explicitInclude = true
	}
	for i := range l.Regions {
		if l.Regions[i].Name == name {
			l.Regions[i].Included = true
		}
	}
}

// Exclude removes the named region from the included set.
func (l *Layout) Exclude(name string) {
	for i := range l.Regions {
		if l.Regions[i].Name == name {
			l.Regions[i].Included = false
		}
	}
}

func (l *Layout) hasExplicitInclusion() bool {
	for _, r := range l.Regions {
		if r.Included {
			return true
		}
	}
	return false
}

// IncludedRegions returns the regions currently in the included set, in
// address order. When no Include/Exclude has been called, every region is
// included by default.
func (l *Layout) IncludedRegions() []Region {
	var out []Region
	for _, r := range l.Regions {
		if r.Included {
			out = append(out, r)
		}
	}
	return out
}

// NewManual builds a Layout from an explicit region list, sorting them and
// marking all included by default.
func NewManual(name string, chipSize uint32, regions []Region) Layout {
	for i := range regions {
		regions[i].Included = true
	}
	sortRegions(regions)
	return Layout{Name: name, ChipSize: chipSize, Source: SourceManual, Regions: regions}
}

// RegionFilter adapts a Layout's included regions into a
// smartwrite.RegionFilter without this package depending on smartwrite
// (smartwrite depends on flash, not layout; this keeps the dependency
// one-directional: layout has no imports of its own domain siblings).
type RegionFilter struct{ layout *Layout }

func NewRegionFilter(l *Layout) RegionFilter { return RegionFilter{layout: l} }

func (f RegionFilter) Included(addr uint32) bool {
	if !f.layout.hasExplicitInclusion() {
		return true
	}
	for _, r := range f.layout.Regions {
		if r.Included && r.Contains(addr) {
			return true
		}
	}
	return false
}
