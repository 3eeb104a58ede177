package main

import (
	"context"
	"flag"

	"github.com/gentam/goflash/chipdb"
	"github.com/gentam/goflash/registry"
)

func eraseCommand(ctx context.Context, r *registry.Registry, db *chipdb.Registry, args []string) {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	var (
		programmer string
		addr       uint
		n          uint
		all        bool
	)
	fs.StringVar(&programmer, "p", "", "programmer spec, e.g. ft2232h or ch347:cs=1")
	fs.UintVar(&addr, "a", 0, "start address")
	fs.UintVar(&n, "n", 0, "number of bytes to erase")
	fs.BoolVar(&all, "all", false, "erase the entire chip")
	fs.Parse(args)

	if programmer == "" {
		fatalf(exitUsage, "erase: -p <programmer> is required")
	}
	if !all && n == 0 {
		fatalf(exitUsage, "erase: -n <count> or -all is required")
	}

	dev, closeFn, err := r.Open(ctx, programmer, db)
	if err != nil {
		fatalf(exitAccessDenied, "erase: %v", err)
	}
	defer closeFn()

	if all {
		addr, n = 0, uint(dev.Size())
	}
	if err := dev.Erase(ctx, uint32(addr), uint32(n)); err != nil {
		fatalf(exitOperation, "erase: %v", err)
	}
}
