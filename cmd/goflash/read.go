package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"

	"github.com/gentam/goflash/chipdb"
	"github.com/gentam/goflash/registry"
)

func readCommand(ctx context.Context, r *registry.Registry, db *chipdb.Registry, args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var (
		programmer string
		addr       uint
		n          uint
		outFile    string
	)
	fs.StringVar(&programmer, "p", "", "programmer spec, e.g. ft2232h or ch347:cs=1")
	fs.UintVar(&addr, "a", 0, "start address")
	fs.UintVar(&n, "n", 256, "number of bytes to read")
	fs.StringVar(&outFile, "o", "", "output file (default: hexdump)")
	fs.Parse(args)

	if programmer == "" {
		fatalf(exitUsage, "read: -p <programmer> is required")
	}

	dev, closeFn, err := r.Open(ctx, programmer, db)
	if err != nil {
		fatalf(exitAccessDenied, "read: %v", err)
	}
	defer closeFn()

	buf := make([]byte, n)
	if err := dev.Read(ctx, uint32(addr), buf); err != nil {
		fatalf(exitOperation, "read: %v", err)
	}

	if outFile == "" {
		os.Stdout.WriteString(hex.Dump(buf))
		return
	}
	if err := os.WriteFile(outFile, buf, 0644); err != nil {
		fatalf(exitOperation, "read: write output file: %v", err)
	}
}
