package enumerator

import (
	"fmt"

	"github.com/nxboot/nxboot/pkg/devices"
)

type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	Error
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	}
	return "UNKNOWN"
}

// Event is an Observer call turned into a value.
type Event struct {
	Kind EventKind
	// Device is set for Connected and Disconnected.
	Device *devices.Device
	// Message is set for Error.
	Message string
}

func (e Event) String() string {
	if e.Kind == Error {
		return fmt.Sprintf("error: %s", e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Device)
}

// ChanObserver forwards events into a channel. If the channel fills up,
// delivery (but not bus polling) stalls until it is drained. As Stop waits for
// a stalled delivery, the channel must be drained until Stop returns.
type ChanObserver struct {
	C chan Event
}

func NewChanObserver(size int) *ChanObserver {
	return &ChanObserver{
		C: make(chan Event, size),
	}
}

func (o *ChanObserver) DeviceConnected(dev *devices.Device) {
	o.C <- Event{Kind: Connected, Device: dev}
}

func (o *ChanObserver) DeviceDisconnected(dev *devices.Device) {
	o.C <- Event{Kind: Disconnected, Device: dev}
}

func (o *ChanObserver) DeviceError(message string) {
	o.C <- Event{Kind: Error, Message: message}
}
