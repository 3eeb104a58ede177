package ch341b

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// urb mirrors struct usbdevfs_urb from <linux/usbdevice_fs.h>, the
// subset this driver needs (the trailing iso_frame_desc flexible array
// is irrelevant to bulk transfers and omitted). Field order and types
// match golang.org/x/sys/unix's natural alignment to the kernel's C
// layout on every architecture this module targets.
//
// Grounded on ardnew-softusb/host/hal/linux/usbfs.go's urb struct.
type urb struct {
	typ          uint8
	endpoint     uint8
	status       int32
	flags        uint32
	buffer       uintptr
	bufferLength int32
	actualLength int32
	startFrame   int32
	streamID     uint32
	errorCount   int32
	signr        uint32
	userContext  uintptr
}

// URB types, from <linux/usbdevice_fs.h>.
const (
	urbTypeISO       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

// Linux's generic _IOC ioctl-number encoding (include/uapi/asm-generic/ioctl.h),
// computed rather than hardcoded so the size field matches this
// architecture's uintptr width, the way
// ardnew-softusb/host/hal/linux/ioctl_linux_arm.go's ior/iow/iowr do for
// their target.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	usbdevfsType = 'U'
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func ior(nr, size uintptr) uintptr { return ioc(iocRead, usbdevfsType, nr, size) }
func iow(nr, size uintptr) uintptr { return ioc(iocWrite, usbdevfsType, nr, size) }
func ioNone(nr uintptr) uintptr    { return ioc(iocNone, usbdevfsType, nr, 0) }

// usbdevfs ioctl numbers, per <linux/usbdevice_fs.h>: USBDEVFS_SUBMITURB,
// USBDEVFS_DISCARDURB, USBDEVFS_REAPURB, USBDEVFS_CLAIMINTERFACE,
// USBDEVFS_RELEASEINTERFACE. REAPURBNDELAY (the non-blocking variant) is
// unused here: reapLoop always wants its one blocking reap per
// completion, never a poll.
var (
	ioctlSubmitURB        = ior(10, unsafe.Sizeof(urb{}))
	ioctlDiscardURB       = ioNone(11)
	ioctlReapURB          = iow(12, unsafe.Sizeof(uintptr(0)))
	ioctlClaimInterface   = ior(15, unsafe.Sizeof(uint32(0)))
	ioctlReleaseInterface = ior(16, unsafe.Sizeof(uint32(0)))
)

func ioctlPtr(fd int, op uintptr, p unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(p))
	if errno != 0 {
		return errno
	}
	return nil
}

func submitURB(fd int, u *urb) error {
	return ioctlPtr(fd, ioctlSubmitURB, unsafe.Pointer(u))
}

func discardURB(fd int, u *urb) error {
	return ioctlPtr(fd, ioctlDiscardURB, unsafe.Pointer(u))
}

// reapURB blocks until one submitted URB on fd (any endpoint) completes
// and returns a pointer to the exact *urb passed to submitURB for it —
// the kernel round-trips the pointer value unchanged, so identity
// comparison is enough to match a completion back to its submission.
func reapURB(fd int) (*urb, error) {
	var p uintptr
	if err := ioctlPtr(fd, ioctlReapURB, unsafe.Pointer(&p)); err != nil {
		return nil, err
	}
	return (*urb)(unsafe.Pointer(p)), nil
}

func claimInterface(fd int, iface uint32) error {
	return ioctlPtr(fd, ioctlClaimInterface, unsafe.Pointer(&iface))
}

func releaseInterface(fd int, iface uint32) error {
	return ioctlPtr(fd, ioctlReleaseInterface, unsafe.Pointer(&iface))
}
