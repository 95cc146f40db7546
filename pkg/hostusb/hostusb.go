// Package hostusb implements the devices interfaces on top of libusb, via
// gousb.
package hostusb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/nxboot/nxboot/pkg/devices"
)

// Bus is the host's USB subsystem.
type Bus struct {
	ctx *gousb.Context

	mu     sync.Mutex
	closed bool
}

func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}

func New() (*Bus, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	return &Bus{ctx: ctx}, nil
}

// Close releases libusb. Devices opened from this bus must be closed first.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.ctx.Close()
}

func (b *Bus) List() ([]devices.Info, error) {
	var res []devices.Info
	// Returning false from the callback means no device gets opened.
	_, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		vid, pid := devices.ID(desc.Vendor), devices.ID(desc.Product)
		name := devices.Identity{VID: vid, PID: pid}.String()
		if d := devices.Describe(vid, pid); d != nil {
			name = d.Kind.String()
		}
		res = append(res, devices.Info{
			LocationID: devices.MakeLocationID(desc.Bus, desc.Path),
			Address:    desc.Address,
			VID:        vid,
			PID:        pid,
			Name:       name,
			Opener: &opener{
				bus:     b,
				busNum:  desc.Bus,
				address: desc.Address,
			},
		})
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return res, nil
}

type opener struct {
	bus     *Bus
	busNum  int
	address int
}

func (o *opener) Open() (devices.Usb, error) {
	devs, err := o.bus.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == o.busNum && desc.Address == o.address
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, mapError(err)
		}
		return nil, devices.ErrNoDevice
	}
	dev := devs[0]
	for _, d := range devs[1:] {
		d.Close()
	}
	glog.V(2).Infof("Opened USB device %d:%d", o.busNum, o.address)
	return &usb{dev: dev}, nil
}

type usb struct {
	dev *gousb.Device
}

func (u *usb) Interfaces() ([]devices.InterfaceDesc, error) {
	var cfgNums []int
	for n := range u.dev.Desc.Configs {
		cfgNums = append(cfgNums, n)
	}
	sort.Ints(cfgNums)

	var res []devices.InterfaceDesc
	for _, n := range cfgNums {
		cfg := u.dev.Desc.Configs[n]
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				d := devices.InterfaceDesc{
					Config:    cfg.Number,
					Number:    alt.Number,
					Alternate: alt.Alternate,
					Class:     uint8(alt.Class),
				}
				for _, ep := range alt.Endpoints {
					d.Endpoints = append(d.Endpoints, devices.EndpointDesc{
						Address:       uint8(ep.Address),
						TransferType:  transferType(ep.TransferType),
						MaxPacketSize: ep.MaxPacketSize,
					})
				}
				sort.Slice(d.Endpoints, func(i, j int) bool {
					return d.Endpoints[i].Address < d.Endpoints[j].Address
				})
				res = append(res, d)
			}
		}
	}
	return res, nil
}

func transferType(t gousb.TransferType) devices.TransferType {
	switch t {
	case gousb.TransferTypeControl:
		return devices.TransferControl
	case gousb.TransferTypeIsochronous:
		return devices.TransferIsochronous
	case gousb.TransferTypeBulk:
		return devices.TransferBulk
	default:
		return devices.TransferInterrupt
	}
}

func (u *usb) Claim(desc devices.InterfaceDesc) (devices.Interface, error) {
	if err := u.dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("enabling kernel driver auto detach: %w", err)
	}
	cfg, err := u.dev.Config(desc.Config)
	if err != nil {
		return nil, fmt.Errorf("configuration %d: %w", desc.Config, mapError(err))
	}
	intf, err := cfg.Interface(desc.Number, desc.Alternate)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("interface %d.%d: %w", desc.Number, desc.Alternate, mapError(err))
	}
	return &iface{cfg: cfg, intf: intf}, nil
}

// Linux usbfs, which libusb sits on, rejects synchronous control transfers
// with more than maxControlLength bytes of data.
const (
	maxControlLength = 4096
	setupLength      = 8
)

func (u *usb) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if len(data) > maxControlLength {
		return u.controlLarge(rType, request, val, idx, data)
	}
	n, err := u.dev.Control(rType, request, val, idx, data)
	return n, mapError(err)
}

// setupPacket encodes a control request's SETUP stage.
func setupPacket(rType, request uint8, val, idx uint16, length int) [setupLength]byte {
	var res [setupLength]byte
	res[0] = rType
	res[1] = request
	binary.LittleEndian.PutUint16(res[2:], val)
	binary.LittleEndian.PutUint16(res[4:], idx)
	binary.LittleEndian.PutUint16(res[6:], uint16(length))
	return res
}

func (u *usb) SetControlTimeout(dur time.Duration) error {
	u.dev.ControlTimeout = dur
	return nil
}

func (u *usb) Close() error {
	return u.dev.Close()
}

type iface struct {
	cfg  *gousb.Config
	intf *gousb.Interface
}

func (i *iface) InEndpoint(addr uint8) (devices.InEndpoint, error) {
	ep, err := i.intf.InEndpoint(int(addr & 0x0f))
	if err != nil {
		return nil, err
	}
	return &inEndpoint{ep}, nil
}

func (i *iface) OutEndpoint(addr uint8) (devices.OutEndpoint, error) {
	ep, err := i.intf.OutEndpoint(int(addr & 0x0f))
	if err != nil {
		return nil, err
	}
	return &outEndpoint{ep}, nil
}

func (i *iface) Close() error {
	i.intf.Close()
	return i.cfg.Close()
}

type inEndpoint struct {
	ep *gousb.InEndpoint
}

func (e *inEndpoint) Read(buf []byte) (int, error) {
	n, err := e.ep.Read(buf)
	return n, mapError(err)
}

type outEndpoint struct {
	ep *gousb.OutEndpoint
}

func (e *outEndpoint) Write(buf []byte) (int, error) {
	n, err := e.ep.Write(buf)
	return n, mapError(err)
}

// mapError translates libusb errors that callers act upon into their devices
// counterparts, keeping the original in the chain.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		return fmt.Errorf("%w: %v", devices.ErrTimeout, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", devices.ErrNoDevice, err)
	case errors.Is(err, gousb.ErrorInvalidParam):
		return fmt.Errorf("transfer rejected by the host USB stack: %w", err)
	}
	return err
}
