package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gentam/goflash/chipdb"
	"github.com/gentam/goflash/flashsim"
	"github.com/gentam/goflash/registry"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		in      string
		name    string
		options map[string]string
	}{
		{"ft2232h", "ft2232h", map[string]string{}},
		{"ch347:cs=1", "ch347", map[string]string{"cs": "1"}},
		{"ftdi:spispeed=30000,cs=4", "ftdi", map[string]string{"spispeed": "30000", "cs": "4"}},
	}
	for _, c := range cases {
		spec, err := registry.ParseSpec(c.in)
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", c.in, err)
		}
		if spec.Name != c.name {
			t.Fatalf("ParseSpec(%q).Name = %q, want %q", c.in, spec.Name, c.name)
		}
		if len(spec.Options) != len(c.options) {
			t.Fatalf("ParseSpec(%q).Options = %v, want %v", c.in, spec.Options, c.options)
		}
		for k, v := range c.options {
			if spec.Options[k] != v {
				t.Fatalf("ParseSpec(%q).Options[%q] = %q, want %q", c.in, k, spec.Options[k], v)
			}
		}
	}
}

func TestParseSpecRejectsEmptyName(t *testing.T) {
	if _, err := registry.ParseSpec(":cs=1"); err == nil {
		t.Fatalf("ParseSpec(%q) = nil error, want one for an empty name", ":cs=1")
	}
}

func TestOpenUnknownProgrammer(t *testing.T) {
	r := registry.New()
	r.Register("ft2232h", func(ctx context.Context, opts map[string]string) (registry.Handle, error) {
		return registry.Handle{}, nil
	})
	_, _, err := r.Open(context.Background(), "nonexistent", chipdb.New())
	if !errors.Is(err, registry.ErrUnknownProgrammer) {
		t.Fatalf("Open(%q) error = %v, want wrapping ErrUnknownProgrammer", "nonexistent", err)
	}
}

func TestOpenProbesSPIProgrammers(t *testing.T) {
	r := registry.New()
	r.Register("sim", func(ctx context.Context, opts map[string]string) (registry.Handle, error) {
		sim := flashsim.New(16<<20, 0xEF, 0x4018)
		return registry.Handle{SPI: sim}, nil
	})

	dev, closeFn, err := r.Open(context.Background(), "sim", chipdb.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()
	if dev.Size() != 16<<20 {
		t.Fatalf("Size() = %d, want %d", dev.Size(), 16<<20)
	}
}

func TestOpenWrapsOpaqueProgrammersDirectly(t *testing.T) {
	r := registry.New()
	r.Register("opaque", func(ctx context.Context, opts map[string]string) (registry.Handle, error) {
		return registry.Handle{Opaque: fakeOpaque{}}, nil
	})

	dev, _, err := r.Open(context.Background(), "opaque", chipdb.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if dev.Size() != 1<<20 {
		t.Fatalf("Size() = %d, want %d", dev.Size(), 1<<20)
	}
}

type fakeOpaque struct{}

func (fakeOpaque) Size() uint32             { return 1 << 20 }
func (fakeOpaque) EraseGranularity() uint32 { return 4 << 10 }
func (fakeOpaque) Read(ctx context.Context, addr uint32, buf []byte) error   { return nil }
func (fakeOpaque) Write(ctx context.Context, addr uint32, data []byte) error { return nil }
func (fakeOpaque) Erase(ctx context.Context, addr, length uint32) error      { return nil }
