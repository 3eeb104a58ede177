// Command goflash is a thin CLI over the library: one subcommand per
// flash operation, dispatched off os.Args[1].
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gentam/goflash/chipdb"
	"github.com/gentam/goflash/prog/ch347"
	"github.com/gentam/goflash/prog/ftdi"
	"github.com/gentam/goflash/registry"
)

// Exit codes per spec.md §6.
const (
	exitOK          = 0
	exitOperation   = 1
	exitUsage       = 2
	exitAccessDenied = 3
)

func fatalf(code int, format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(code)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	goflash <command> [arguments]

Commands:
	read    -p <programmer> [-a addr] [-n count] [-o file]     read flash memory
	write   -p <programmer> -f file [-a addr]                  write flash memory
	erase   -p <programmer> [-a addr] [-n count]                erase flash memory
	info    -p <programmer>                                    print chip identification
	help                                                        show this message

<programmer> uses the grammar name(:key=value(,key=value)*), e.g.
"ft2232h:spispeed=30000" or "ch347:cs=1".
`)
}

func newRegistry() *registry.Registry {
	r := registry.New()
	r.Register("ft2232h", ftdi.Open)
	r.Register("ch347", ch347.Open)
	registerPlatformProgrammers(r)
	return r
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	ctx := context.Background()
	db := chipdb.New()
	r := newRegistry()

	switch cmd := os.Args[1]; cmd {
	case "read":
		readCommand(ctx, r, db, os.Args[2:])
	case "write":
		writeCommand(ctx, r, db, os.Args[2:])
	case "erase":
		eraseCommand(ctx, r, db, os.Args[2:])
	case "info":
		infoCommand(ctx, r, db, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n\n", cmd)
		usage()
		os.Exit(exitUsage)
	}
}
