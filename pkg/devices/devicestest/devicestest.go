// Package devicestest provides in-memory implementations of the devices
// interfaces, standing in for a Tegra in RCM mode in tests.
package devicestest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nxboot/nxboot/pkg/devices"
)

// RCMInterface is the interface layout presented by the T210 bootROM.
var RCMInterface = devices.InterfaceDesc{
	Config:    1,
	Number:    0,
	Alternate: 0,
	Class:     devices.ClassVendorSpecific,
	Endpoints: []devices.EndpointDesc{
		{Address: 0x81, TransferType: devices.TransferBulk, MaxPacketSize: 512},
		{Address: 0x01, TransferType: devices.TransferBulk, MaxPacketSize: 512},
	},
}

// Fake is a device that can be opened many times in sequence, keeping count
// of resources handed out and returned.
type Fake struct {
	// Interfaces returned by the opened device. Defaults to RCMInterface.
	Ifaces []devices.InterfaceDesc
	// UID returned on the bulk IN endpoint.
	UID []byte

	// Injected failures, by step.
	OpenErr    error
	ClaimErr   error
	InEpErr    error
	OutEpErr   error
	ControlErr error
	// WriteErrAt makes the Nth (zero-based) bulk write fail when non-negative.
	WriteErrAt int
	// WriteDelay is slept before every bulk write.
	WriteDelay time.Duration
	// OpenDelay is slept before every open.
	OpenDelay time.Duration

	mu           sync.Mutex
	opens        int
	closes       int
	claims       int
	releases     int
	writes       [][]byte
	controls     []Control
	writeStarted chan struct{}
	openStarted  chan struct{}
}

// Control is a recorded control request.
type Control struct {
	RType, Request uint8
	Val, Idx       uint16
	Length         int
}

func New() *Fake {
	return &Fake{
		WriteErrAt:   -1,
		UID:          bytes.Repeat([]byte{0xab}, 16),
		writeStarted: make(chan struct{}, 1),
		openStarted:  make(chan struct{}, 1),
	}
}

func (f *Fake) Open() (devices.Usb, error) {
	select {
	case f.openStarted <- struct{}{}:
	default:
	}
	if f.OpenDelay > 0 {
		time.Sleep(f.OpenDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	f.opens += 1
	return &fakeUsb{f: f}, nil
}

// Counts returns the number of device opens/closes and interface
// claims/releases seen so far.
func (f *Fake) Counts() (opens, closes, claims, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes, f.claims, f.releases
}

// Writes returns a copy of every bulk OUT transfer, in order.
func (f *Fake) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := make([][]byte, len(f.writes))
	copy(res, f.writes)
	return res
}

// Written returns all bulk OUT data concatenated.
func (f *Fake) Written() []byte {
	return bytes.Join(f.Writes(), nil)
}

func (f *Fake) Controls() []Control {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := make([]Control, len(f.controls))
	copy(res, f.controls)
	return res
}

// WriteStarted fires (at most once per receive) when a bulk write begins.
func (f *Fake) WriteStarted() <-chan struct{} {
	return f.writeStarted
}

// OpenStarted fires (at most once per receive) when an open begins.
func (f *Fake) OpenStarted() <-chan struct{} {
	return f.openStarted
}

type fakeUsb struct {
	f      *Fake
	closed bool
}

func (u *fakeUsb) Interfaces() ([]devices.InterfaceDesc, error) {
	if u.closed {
		return nil, devices.ErrNoDevice
	}
	if u.f.Ifaces != nil {
		return u.f.Ifaces, nil
	}
	return []devices.InterfaceDesc{RCMInterface}, nil
}

func (u *fakeUsb) Claim(desc devices.InterfaceDesc) (devices.Interface, error) {
	u.f.mu.Lock()
	defer u.f.mu.Unlock()
	if u.f.ClaimErr != nil {
		return nil, u.f.ClaimErr
	}
	u.f.claims += 1
	return &fakeIface{f: u.f, desc: desc}, nil
}

func (u *fakeUsb) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	u.f.mu.Lock()
	defer u.f.mu.Unlock()
	u.f.controls = append(u.f.controls, Control{rType, request, val, idx, len(data)})
	if u.f.ControlErr != nil {
		return 0, u.f.ControlErr
	}
	return len(data), nil
}

func (u *fakeUsb) SetControlTimeout(time.Duration) error {
	return nil
}

func (u *fakeUsb) Close() error {
	if u.closed {
		return errors.New("double close")
	}
	u.closed = true
	u.f.mu.Lock()
	defer u.f.mu.Unlock()
	u.f.closes += 1
	return nil
}

type fakeIface struct {
	f      *Fake
	desc   devices.InterfaceDesc
	closed bool
}

func (i *fakeIface) has(addr uint8) bool {
	for _, ep := range i.desc.Endpoints {
		if ep.Address == addr {
			return true
		}
	}
	return false
}

func (i *fakeIface) InEndpoint(addr uint8) (devices.InEndpoint, error) {
	if i.f.InEpErr != nil {
		return nil, i.f.InEpErr
	}
	if !i.has(addr) {
		return nil, fmt.Errorf("no endpoint 0x%02x", addr)
	}
	return &fakeIn{f: i.f}, nil
}

func (i *fakeIface) OutEndpoint(addr uint8) (devices.OutEndpoint, error) {
	if i.f.OutEpErr != nil {
		return nil, i.f.OutEpErr
	}
	if !i.has(addr) {
		return nil, fmt.Errorf("no endpoint 0x%02x", addr)
	}
	return &fakeOut{f: i.f}, nil
}

func (i *fakeIface) Close() error {
	if i.closed {
		return errors.New("double close")
	}
	i.closed = true
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	i.f.releases += 1
	return nil
}

type fakeIn struct {
	f *Fake
}

func (e *fakeIn) Read(buf []byte) (int, error) {
	return copy(buf, e.f.UID), nil
}

type fakeOut struct {
	f *Fake
}

func (e *fakeOut) Write(buf []byte) (int, error) {
	select {
	case e.f.writeStarted <- struct{}{}:
	default:
	}
	if e.f.WriteDelay > 0 {
		time.Sleep(e.f.WriteDelay)
	}

	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	if e.f.WriteErrAt >= 0 && len(e.f.writes) == e.f.WriteErrAt {
		return 0, devices.ErrNoDevice
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	e.f.writes = append(e.f.writes, data)
	return len(buf), nil
}

// Bus is a settable bus listing.
type Bus struct {
	mu    sync.Mutex
	infos []devices.Info
	err   error
	lists int
}

func (b *Bus) Set(infos ...devices.Info) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.infos = infos
}

func (b *Bus) SetErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Lists returns how many times List has been called.
func (b *Bus) Lists() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

func (b *Bus) List() ([]devices.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists += 1
	if b.err != nil {
		return nil, b.err
	}
	res := make([]devices.Info, len(b.infos))
	copy(res, b.infos)
	return res, nil
}

// Info returns a bus listing entry for a Tegra in RCM backed by f.
func Info(loc devices.LocationID, address int, f *Fake) devices.Info {
	return devices.Info{
		LocationID: loc,
		Address:    address,
		VID:        devices.TegraRCM.VID,
		PID:        devices.TegraRCM.PID,
		Name:       "APX",
		Opener:     f,
	}
}
