// Package registry implements the programmer registry (C11): a name ->
// (parser, factory) table that turns a programmer-selection string into
// an open flash.Device, probing the chip if the programmer exposes a raw
// SpiMaster. Grounded on an earlier device.go (NewDevice as a
// hand-written single-programmer factory) generalized into the open,
// name-keyed table spec.md §6's grammar implies, and on
// original_source/crates/rflasher-flash/src/registry.rs's
// probe_and_create_handle shape.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gentam/goflash/chipdb"
	"github.com/gentam/goflash/flash"
	"github.com/gentam/goflash/prog"
	"github.com/gentam/goflash/probe"
)

// ErrUnknownProgrammer is returned with the list of registered names
// attached via fmt.Errorf's %w, per spec.md §9's "Absence of a programmer
// is reported as UnknownProgrammer with a list of what is available."
var ErrUnknownProgrammer = errors.New("registry: unknown programmer")

// Spec is a parsed `name(:option(,option)*)?` programmer-selection string
// per spec.md §6's grammar.
type Spec struct {
	Name    string
	Options map[string]string
}

// ParseSpec parses the CLI grammar:
//
//	programmer ::= name (':' option (',' option)*)?
//	option     ::= key '=' value
func ParseSpec(s string) (Spec, error) {
	name, rest, hasOpts := strings.Cut(s, ":")
	if name == "" {
		return Spec{}, fmt.Errorf("registry: empty programmer name in %q", s)
	}
	opts := map[string]string{}
	if hasOpts {
		for _, pair := range strings.Split(rest, ",") {
			if pair == "" {
				continue
			}
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return Spec{}, fmt.Errorf("registry: malformed option %q (want key=value)", pair)
			}
			opts[key] = value
		}
	}
	return Spec{Name: name, Options: opts}, nil
}

// Handle is what a programmer Factory opens: exactly one of SPI or
// Opaque is non-nil.
type Handle struct {
	SPI    prog.SpiMaster
	Opaque prog.OpaqueMaster
	// Close releases the underlying OS resource (USB handle, register
	// mmap, ...), matching *ftdi.Master's own lifetime, which
	// the caller closes when done.
	Close func() error
}

// Factory opens one concrete programmer instance from parsed options.
type Factory func(ctx context.Context, opts map[string]string) (Handle, error)

// Registry is the name -> Factory table.
type Registry struct {
	factories map[string]Factory
}

func New() *Registry { return &Registry{factories: map[string]Factory{}} }

func (r *Registry) Register(name string, f Factory) {
	if r.factories == nil {
		r.factories = map[string]Factory{}
	}
	r.factories[name] = f
}

// Names returns the registered programmer names, sorted, for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open parses spec, opens the named programmer, and — when it exposes a
// raw SpiMaster — probes the chip via chipdb and wraps the result as a
// flash.Device. Opaque programmers are wrapped directly.
func (r *Registry) Open(ctx context.Context, spec string, db *chipdb.Registry) (flash.Device, func() error, error) {
	parsed, err := ParseSpec(spec)
	if err != nil {
		return nil, nil, err
	}
	factory, ok := r.factories[parsed.Name]
	if !ok {
		return nil, nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownProgrammer, parsed.Name, strings.Join(r.Names(), ", "))
	}
	handle, err := factory(ctx, parsed.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: open %q: %w", parsed.Name, err)
	}

	closeFn := handle.Close
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	if handle.Opaque != nil {
		return flash.NewOpaqueDevice(handle.Opaque), closeFn, nil
	}

	result, err := probe.Probe(ctx, handle.SPI, db)
	if err != nil {
		_ = closeFn()
		return nil, nil, fmt.Errorf("registry: probe: %w", err)
	}
	fctx := flash.NewContext(result.Chip, result.Sfdp)
	return flash.NewSPIDevice(handle.SPI, fctx), closeFn, nil
}
