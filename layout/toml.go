package layout

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// tomlDoc mirrors the on-disk grammar from spec.md §6 ([[regions]] array
// of tables). Parsed with BurntSushi/toml, the same TOML library a sibling
// pack repo (mscrnt-project_fire) reaches for, rather than hand-rolling an
// INI-style parser the way a bare-stdlib port would.
type tomlDoc struct {
	Name     string       `toml:"name"`
	ChipSize int64        `toml:"chip_size"`
	Regions  []tomlRegion `toml:"regions"`
}

type tomlRegion struct {
	Name     string `toml:"name"`
	Start    int64  `toml:"start"`
	End      int64  `toml:"end"`
	ReadOnly bool   `toml:"readonly"`
	Dangerous bool  `toml:"dangerous"`
}

// ParseTOML parses a layout file in the format documented in spec.md §6.
func ParseTOML(data []byte) (Layout, error) {
	var doc tomlDoc
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return Layout{}, fmt.Errorf("layout: parse TOML: %w", err)
	}

	regions := make([]Region, 0, len(doc.Regions))
	for _, tr := range doc.Regions {
		regions = append(regions, Region{
			Name:      tr.Name,
			Start:     uint32(tr.Start),
			End:       uint32(tr.End),
			ReadOnly:  tr.ReadOnly,
			Dangerous: tr.Dangerous,
			Included:  true,
		})
	}
	sortRegions(regions)

	l := Layout{
		Name:     doc.Name,
		ChipSize: uint32(doc.ChipSize),
		Source:   SourceTOML,
		Regions:  regions,
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}
