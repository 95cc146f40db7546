package devices

import (
	"errors"
	"time"
)

// Info is a single entry of a bus listing. Listing a bus never opens any of
// the devices on it.
type Info struct {
	LocationID LocationID
	Address    int
	VID, PID   ID
	Name       string
	Opener     Opener
}

// Bus describes a source of USB device listings, eg. libusb.
type Bus interface {
	// List returns all devices currently attached, regardless of identity.
	List() ([]Info, error)
}

// Opener opens a specific, previously listed device.
type Opener interface {
	Open() (Usb, error)
}

// Usb describes a common API to access an opened device over USB.
type Usb interface {
	// Interfaces returns all interface alternate settings across all
	// configurations of the device.
	Interfaces() ([]InterfaceDesc, error)

	// Claim takes over the given interface for exclusive use, detaching any
	// OS driver bound to it.
	Claim(InterfaceDesc) (Interface, error)

	// Control sends a control request to the device.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	SetControlTimeout(time.Duration) error

	// Close disposes of this device. No other functions may be called on the
	// interface afterwards.
	Close() error
}

// Interface is a claimed interface of an opened device.
type Interface interface {
	InEndpoint(addr uint8) (InEndpoint, error)
	OutEndpoint(addr uint8) (OutEndpoint, error)
	// Close releases the claim.
	Close() error
}

type InEndpoint interface {
	Read(buf []byte) (int, error)
}

type OutEndpoint interface {
	Write(buf []byte) (int, error)
}

type TransferType int

const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

// EndpointDirectionIn is the direction bit of an endpoint address.
const EndpointDirectionIn uint8 = 0x80

type EndpointDesc struct {
	Address       uint8
	TransferType  TransferType
	MaxPacketSize int
}

func (e EndpointDesc) In() bool {
	return e.Address&EndpointDirectionIn != 0
}

// ClassVendorSpecific is the interface class of vendor protocols, such as the
// one spoken by the Tegra bootROM.
const ClassVendorSpecific uint8 = 0xff

type InterfaceDesc struct {
	Config    int
	Number    int
	Alternate int
	Class     uint8
	Endpoints []EndpointDesc
}

var (
	ErrTimeout  = errors.New("USB timeout error")
	ErrNoDevice = errors.New("USB device gone")
)
