package rcm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/nxboot/nxboot/pkg/devices"
)

// Handle is an opened Tegra in RCM mode with its vendor interface claimed and
// both bulk endpoints located. It is owned by a single user for the duration
// of one boot attempt and must be released exactly once.
type Handle struct {
	dev *devices.Device

	mu       sync.Mutex
	usb      devices.Usb
	intf     devices.Interface
	in       devices.InEndpoint
	out      devices.OutEndpoint
	readEP   uint8
	writeEP  uint8
	released bool
}

// findRCMInterface returns the first vendor-specific interface carrying both
// a bulk IN and a bulk OUT endpoint.
func findRCMInterface(ifaces []devices.InterfaceDesc) (desc devices.InterfaceDesc, in, out uint8, ok bool) {
	for _, i := range ifaces {
		if i.Class != devices.ClassVendorSpecific {
			continue
		}
		var haveIn, haveOut bool
		for _, ep := range i.Endpoints {
			if ep.TransferType != devices.TransferBulk {
				continue
			}
			switch {
			case ep.In() && !haveIn:
				in, haveIn = ep.Address, true
			case !ep.In() && !haveOut:
				out, haveOut = ep.Address, true
			}
		}
		if haveIn && haveOut {
			return i, in, out, true
		}
	}
	return devices.InterfaceDesc{}, 0, 0, false
}

// Acquire opens dev, claims its RCM interface and locates its bulk endpoints.
// On failure, everything done so far is undone and no handle is returned.
func Acquire(dev *devices.Device) (*Handle, error) {
	opener, err := dev.Reserve()
	switch {
	case errors.Is(err, devices.ErrReserved):
		return nil, newError(KindAlreadyAcquired, nil)
	case err != nil:
		return nil, newError(KindDeviceBusy, err)
	}

	h := &Handle{dev: dev}
	if err := h.acquire(opener); err != nil {
		h.unwind()
		return nil, err
	}
	glog.V(1).Infof("Acquired %s (read 0x%02x, write 0x%02x)", dev, h.readEP, h.writeEP)
	return h, nil
}

func (h *Handle) acquire(opener devices.Opener) error {
	usb, err := opener.Open()
	if err != nil {
		return newError(KindDeviceBusy, fmt.Errorf("open: %w", err))
	}
	h.usb = usb

	ifaces, err := usb.Interfaces()
	if err != nil {
		return newError(KindInterfaceNotFound, fmt.Errorf("listing interfaces: %w", err))
	}
	desc, inAddr, outAddr, ok := findRCMInterface(ifaces)
	if !ok {
		return newError(KindInterfaceNotFound, nil)
	}

	intf, err := usb.Claim(desc)
	if err != nil {
		return newError(KindClaimFailed, err)
	}
	h.intf = intf

	in, err := intf.InEndpoint(inAddr)
	if err != nil {
		return newError(KindEndpointNotFound, fmt.Errorf("IN endpoint 0x%02x: %w", inAddr, err))
	}
	out, err := intf.OutEndpoint(outAddr)
	if err != nil {
		return newError(KindEndpointNotFound, fmt.Errorf("OUT endpoint 0x%02x: %w", outAddr, err))
	}
	h.in, h.out = in, out
	h.readEP, h.writeEP = inAddr, outAddr
	return nil
}

// unwind closes whatever acquire managed to set up. Errors are only logged,
// as the device might well be gone already.
func (h *Handle) unwind() error {
	var errs error
	if h.intf != nil {
		if err := h.intf.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing interface: %w", err))
		}
	}
	if h.usb != nil {
		if err := h.usb.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing device: %w", err))
		}
	}
	h.intf, h.usb, h.in, h.out = nil, nil, nil, nil
	h.dev.Unreserve()
	if errs != nil {
		glog.Warningf("Releasing %s: %v", h.dev, errs)
	}
	return errs
}

// Release closes the interface and the device. It is safe to call more than
// once and on a device that has since been unplugged.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.unwind()
	glog.V(1).Infof("Released %s", h.dev)
}

// Device returns the device this handle was acquired from.
func (h *Handle) Device() *devices.Device {
	return h.dev
}

// Read performs a bulk IN transfer.
func (h *Handle) Read(buf []byte) (int, error) {
	h.mu.Lock()
	in := h.in
	h.mu.Unlock()
	if in == nil {
		return 0, ErrReleased
	}
	return in.Read(buf)
}

// Write performs a bulk OUT transfer.
func (h *Handle) Write(buf []byte) (int, error) {
	h.mu.Lock()
	out := h.out
	h.mu.Unlock()
	if out == nil {
		return 0, ErrReleased
	}
	return out.Write(buf)
}

// Control performs a control transfer on the default pipe.
func (h *Handle) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	h.mu.Lock()
	usb := h.usb
	h.mu.Unlock()
	if usb == nil {
		return 0, ErrReleased
	}
	return usb.Control(rType, request, val, idx, data)
}

// SetControlTimeout bounds control transfers made through Control.
func (h *Handle) SetControlTimeout(d time.Duration) error {
	h.mu.Lock()
	usb := h.usb
	h.mu.Unlock()
	if usb == nil {
		return ErrReleased
	}
	return usb.SetControlTimeout(d)
}
