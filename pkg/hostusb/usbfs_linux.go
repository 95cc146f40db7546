//go:build linux && (386 || amd64 || arm || arm64 || loong64 || riscv64)

package hostusb

import (
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/nxboot/nxboot/pkg/devices"
)

// usbfs ioctls, from include/uapi/linux/usbdevice_fs.h. The encoding is the
// generic one, which is why other architectures fall back to libusb.
const (
	iocWrite = 1
	iocRead  = 2

	usbdevfsType = 'U'

	urbTypeControl = 2
)

var (
	ioctlSubmitURB      = ioc(iocRead, 10, unsafe.Sizeof(usbdevfsURB{}))
	ioctlDiscardURB     = ioc(0, 11, 0)
	ioctlReapURB        = ioc(iocWrite, 12, unsafe.Sizeof(uintptr(0)))
	ioctlReapURBNoDelay = ioc(iocWrite, 13, unsafe.Sizeof(uintptr(0)))
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | usbdevfsType<<8 | nr
}

// usbdevfsURB mirrors struct usbdevfs_urb, without the trailing isochronous
// packet descriptors.
type usbdevfsURB struct {
	typ          uint8
	endpoint     uint8
	status       int32
	flags        uint32
	buffer       uintptr
	bufferLength int32
	actualLength int32
	startFrame   int32
	numPackets   int32
	errorCount   int32
	signr        uint32
	userContext  uintptr
}

const (
	// largeControlTimeout applies when no control timeout is set. The smash
	// never completes on an exploitable device, so it must not wait forever.
	largeControlTimeout = time.Second
	reapInterval        = 5 * time.Millisecond
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (u *usb) controlLarge(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	path := fmt.Sprintf("/dev/bus/usb/%03d/%03d", u.dev.Desc.Bus, u.dev.Desc.Address)
	return usbfsControl(path, u.dev.ControlTimeout, rType, request, val, idx, data)
}

// usbfsControl submits a control transfer as an URB on the usbfs node at
// path, bypassing the length limit of synchronous transfers.
func usbfsControl(path string, timeout time.Duration, rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if len(data) > 0xffff {
		return 0, fmt.Errorf("control transfer of 0x%x bytes too long", len(data))
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, mapErrno(err))
	}
	defer unix.Close(fd)

	in := rType&0x80 != 0
	buf := make([]byte, setupLength+len(data))
	setup := setupPacket(rType, request, val, idx, len(data))
	copy(buf, setup[:])
	if !in {
		copy(buf[setupLength:], data)
	}
	urb := &usbdevfsURB{
		typ:          urbTypeControl,
		buffer:       uintptr(unsafe.Pointer(&buf[0])),
		bufferLength: int32(len(buf)),
	}
	// The kernel writes to both until the URB is reaped.
	defer runtime.KeepAlive(buf)
	defer runtime.KeepAlive(urb)

	if err := ioctl(fd, ioctlSubmitURB, unsafe.Pointer(urb)); err != nil {
		return 0, fmt.Errorf("submitting control transfer: %w", mapErrno(err))
	}
	glog.V(2).Infof("Submitted 0x%x byte control transfer on %s", len(data), path)

	if timeout <= 0 {
		timeout = largeControlTimeout
	}
	deadline := time.Now().Add(timeout)
	var reaped uintptr
	for {
		err := ioctl(fd, ioctlReapURBNoDelay, unsafe.Pointer(&reaped))
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EAGAIN) {
			return 0, fmt.Errorf("reaping control transfer: %w", mapErrno(err))
		}
		if time.Now().After(deadline) {
			if err := ioctl(fd, ioctlDiscardURB, unsafe.Pointer(urb)); err == nil {
				ioctl(fd, ioctlReapURB, unsafe.Pointer(&reaped))
			}
			return 0, fmt.Errorf("%w: control transfer of 0x%x bytes", devices.ErrTimeout, len(data))
		}
		time.Sleep(reapInterval)
	}
	if urb.status != 0 {
		return 0, mapErrno(unix.Errno(-urb.status))
	}
	n := int(urb.actualLength)
	if in {
		copy(data, buf[setupLength:setupLength+n])
	}
	return n, nil
}

func mapErrno(err error) error {
	switch {
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ESHUTDOWN), errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%w: %v", devices.ErrNoDevice, err)
	case errors.Is(err, unix.ETIMEDOUT):
		return fmt.Errorf("%w: %v", devices.ErrTimeout, err)
	}
	return err
}
