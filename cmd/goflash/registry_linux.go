package main

import (
	"github.com/gentam/goflash/prog/ch341b"
	"github.com/gentam/goflash/prog/ichspi"
	"github.com/gentam/goflash/prog/linuxgpio"
	"github.com/gentam/goflash/registry"
)

// registerPlatformProgrammers adds the programmers that only make sense
// against a Linux kernel ABI (the GPIO character device, /dev/mem,
// USBDEVFS's raw URB ioctls).
func registerPlatformProgrammers(r *registry.Registry) {
	r.Register("linuxgpio", linuxgpio.Open)
	r.Register("ichspi", ichspi.Open)
	r.Register("ch341b", ch341b.Open)
}
