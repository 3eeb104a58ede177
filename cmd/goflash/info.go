package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/gentam/goflash/chipdb"
	"github.com/gentam/goflash/registry"
)

func infoCommand(ctx context.Context, r *registry.Registry, db *chipdb.Registry, args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	var programmer string
	fs.StringVar(&programmer, "p", "", "programmer spec, e.g. ft2232h or ch347:cs=1")
	fs.Parse(args)

	if programmer == "" {
		fatalf(exitUsage, "info: -p <programmer> is required")
	}

	dev, closeFn, err := r.Open(ctx, programmer, db)
	if err != nil {
		fatalf(exitAccessDenied, "info: %v", err)
	}
	defer closeFn()

	fmt.Printf("Size:              0x%X (%d bytes)\n", dev.Size(), dev.Size())
	fmt.Printf("Erase granularity: 0x%X\n", dev.EraseGranularity())
	fmt.Printf("Write granularity: %v\n", dev.WriteGranularity())
	fmt.Printf("Write-protect:     %v\n", dev.WPSupported())
	for _, eb := range dev.EraseBlocks() {
		fmt.Printf("Erase block:       opcode=0x%02X uniform=%v\n", eb.Opcode, eb.Layout.Uniform)
	}
}
