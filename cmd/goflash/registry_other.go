//go:build !linux

package main

import "github.com/gentam/goflash/registry"

// registerPlatformProgrammers is a no-op off Linux: linuxgpio, ichspi, and
// ch341b all depend on Linux-only kernel interfaces (the GPIO character
// device, /dev/mem, and USBDEVFS's raw URB ioctls, respectively).
func registerPlatformProgrammers(r *registry.Registry) {}
