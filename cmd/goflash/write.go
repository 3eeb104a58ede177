package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gentam/goflash/chipdb"
	"github.com/gentam/goflash/registry"
	"github.com/gentam/goflash/smartwrite"
)

func writeCommand(ctx context.Context, r *registry.Registry, db *chipdb.Registry, args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var (
		programmer string
		filename   string
		addr       uint
		noVerify   bool
	)
	fs.StringVar(&programmer, "p", "", "programmer spec, e.g. ft2232h or ch347:cs=1")
	fs.StringVar(&filename, "f", "", "input file")
	fs.UintVar(&addr, "a", 0, "start address")
	fs.BoolVar(&noVerify, "no-verify", false, "skip the post-write verify pass")
	fs.Parse(args)

	if programmer == "" || filename == "" {
		fatalf(exitUsage, "write: -p <programmer> and -f <file> are required")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		fatalf(exitUsage, "write: %v", err)
	}

	dev, closeFn, err := r.Open(ctx, programmer, db)
	if err != nil {
		fatalf(exitAccessDenied, "write: %v", err)
	}
	defer closeFn()

	progress := smartwrite.ProgressFunc(renderProgress)
	report, err := smartwrite.Write(ctx, dev, uint32(addr), data, nil, progress)
	if err != nil {
		fatalf(exitOperation, "write: %v", err)
	}
	fmt.Fprintf(os.Stderr, "changed %d bytes, erased %d blocks (%d bytes), wrote %d blocks (%d bytes)\n",
		report.BytesChanged, report.BlocksErased, report.BytesErased, report.BlocksWritten, report.BytesWritten)

	if !noVerify {
		if err := smartwrite.Verify(ctx, dev, uint32(addr), data, progress); err != nil {
			fatalf(exitOperation, "write: %v", err)
		}
	}
}

func renderProgress(p smartwrite.Progress) {
	phase := [...]string{"reading", "erasing", "writing", "verifying"}[p.Phase]
	unit := "bytes"
	if p.Units == smartwrite.UnitsBlocks {
		unit = "blocks"
	}
	fmt.Fprintf(os.Stderr, "\r%s: %d/%d %s", phase, p.Current, p.Total, unit)
}
