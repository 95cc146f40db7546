package devices

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ID is a USB vendor or product ID.
type ID uint16

func (i ID) String() string {
	return fmt.Sprintf("%04x", uint16(i))
}

// Identity is the USB vendor/product pair a device presents on the bus.
type Identity struct {
	VID, PID ID
}

func (i Identity) Matches(vid, pid ID) bool {
	return i.VID == vid && i.PID == pid
}

func (i Identity) String() string {
	return fmt.Sprintf("%s:%s", i.VID, i.PID)
}

// TegraRCM is a Tegra X1 (T210) SoC sitting in USB recovery mode.
var TegraRCM = Identity{VID: 0x0955, PID: 0x7321}

type Kind string

const (
	T210 Kind = "t210"
)

func (k Kind) String() string {
	switch k {
	case T210:
		return "Tegra X1"
	}
	return "UNKNOWN"
}

type Description struct {
	Identity Identity
	Kind     Kind
}

var Descriptions = []Description{
	{
		Identity: TegraRCM,
		Kind:     T210,
	},
}

// Describe returns the known description for a vid/pid pair, if any.
func Describe(vid, pid ID) *Description {
	for _, d := range Descriptions {
		if d.Identity.Matches(vid, pid) {
			return &d
		}
	}
	return nil
}

// LocationID identifies the physical attachment point of a device: the bus
// number in the top byte, followed by one nibble per hub port on the path
// from the root. This is the same scheme IOKit uses.
type LocationID uint32

// MakeLocationID builds a LocationID from a bus number and a port path. Paths
// deeper than six hops or ports above 15 are folded, which can only ever
// cause collisions on absurd topologies.
func MakeLocationID(bus int, path []int) LocationID {
	l := uint32(bus&0xff) << 24
	for i, p := range path {
		if i >= 6 {
			break
		}
		l |= uint32(p&0xf) << (20 - 4*i)
	}
	return LocationID(l)
}

func (l LocationID) String() string {
	return fmt.Sprintf("0x%08x", uint32(l))
}

// Bus returns the bus number part of the location.
func (l LocationID) Bus() int {
	return int(l >> 24)
}

// Path returns the port path part of the location.
func (l LocationID) Path() []int {
	var res []int
	for i := 0; i < 6; i++ {
		p := int(l>>(20-4*i)) & 0xf
		if p == 0 {
			break
		}
		res = append(res, p)
	}
	return res
}

func (l LocationID) PathString() string {
	var parts []string
	for _, p := range l.Path() {
		parts = append(parts, fmt.Sprintf("%d", p))
	}
	return fmt.Sprintf("%d-%s", l.Bus(), strings.Join(parts, "."))
}

var (
	// ErrReserved is returned by Reserve when another user holds the device.
	ErrReserved = errors.New("device already reserved")
	// ErrGone is returned by Reserve once the device has been invalidated,
	// eg. because it was unplugged.
	ErrGone = errors.New("device no longer present")
)

// Device is a device seen on the bus by an enumerator. It is valid from the
// moment it is reported as connected until it is reported as disconnected (or
// the enumerator is stopped). At most one user may hold a reservation on it at
// any given time.
type Device struct {
	LocationID LocationID
	// Address is the bus address assigned on attachment. It changes on every
	// re-plug, even into the same port.
	Address int
	Name    string
	Kind    Kind

	mu       sync.Mutex
	opener   Opener
	reserved bool
}

// NewDevice is used by enumerators to wrap a bus listing entry.
func NewDevice(info Info) *Device {
	kind := Kind("")
	if d := Describe(info.VID, info.PID); d != nil {
		kind = d.Kind
	}
	return &Device{
		LocationID: info.LocationID,
		Address:    info.Address,
		Name:       info.Name,
		Kind:       kind,
		opener:     info.Opener,
	}
}

func (d *Device) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s (%s)", d.Name, d.LocationID)
	}
	return fmt.Sprintf("device at %s", d.LocationID)
}

// Reserve marks the device as in use and returns the means to open it.
func (d *Device) Reserve() (Opener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opener == nil {
		return nil, ErrGone
	}
	if d.reserved {
		return nil, ErrReserved
	}
	d.reserved = true
	return d.opener, nil
}

// Unreserve drops a reservation taken by Reserve.
func (d *Device) Unreserve() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reserved = false
}

// Invalidate drops the platform reference. Existing reservations stay valid
// until released, but no new ones can be taken.
func (d *Device) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opener = nil
}

func (d *Device) Valid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opener != nil
}
