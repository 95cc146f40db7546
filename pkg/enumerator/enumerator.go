// Package enumerator watches a USB bus for devices of a given identity coming
// and going, and reports them to an Observer.
//
// gousb does not expose libusb's hotplug API, so arrival and removal are
// detected by periodically listing the bus. Listing never opens devices, and
// is cheap enough to do a few times per second.
package enumerator

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/nxboot/nxboot/pkg/devices"
)

// Observer receives enumeration events. Calls are made one at a time, in
// order, from a goroutine dedicated to event delivery. Implementations must
// not block for long, and must not call Stop.
//
// A device's LocationID is derived from the port it is plugged into, so it
// stays the same when the device is unplugged and plugged back into the same
// port. Every connection yields a new *Device though: correlate connects and
// disconnects by *Device identity, not by LocationID.
type Observer interface {
	DeviceConnected(dev *devices.Device)
	DeviceDisconnected(dev *devices.Device)
	// DeviceError is called when listing the bus fails. Enumeration carries
	// on regardless.
	DeviceError(message string)
}

const DefaultInterval = 500 * time.Millisecond

type Option func(e *Enumerator)

// WithInterval sets how often the bus is listed.
func WithInterval(d time.Duration) Option {
	return func(e *Enumerator) {
		e.interval = d
	}
}

// Enumerator tracks devices matching a filter on a bus. By default it matches
// devices.TegraRCM.
type Enumerator struct {
	bus      devices.Bus
	observer Observer
	interval time.Duration

	// runMu serializes Start and Stop.
	runMu sync.Mutex

	mu      sync.Mutex
	filter  devices.Identity
	tracked map[devices.LocationID]*devices.Device
	running bool
	stopC   chan struct{}
	pollerC chan struct{}
	events  chan event

	// deliverMu is held while an observer callback runs.
	deliverMu sync.Mutex
	// stopped guards against deliveries after Stop, under deliverMu.
	stopped bool
	doneC   chan struct{}
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventDisconnected
	eventError
)

type event struct {
	kind eventKind
	dev  *devices.Device
	msg  string
}

func New(bus devices.Bus, observer Observer, opts ...Option) *Enumerator {
	e := &Enumerator{
		bus:      bus,
		observer: observer,
		interval: DefaultInterval,
		filter:   devices.TegraRCM,
		tracked:  make(map[devices.LocationID]*devices.Device),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetFilter changes the identity of devices reported. Tracked devices not
// matching the new filter are reported as disconnected on the next poll.
func (e *Enumerator) SetFilter(id devices.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filter = id
}

// Start begins polling the bus. Devices already present are reported as
// connected right away. Starting a running enumerator does nothing.
func (e *Enumerator) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopC = make(chan struct{})
	e.pollerC = make(chan struct{})
	e.doneC = make(chan struct{})
	e.events = make(chan event, 16)

	e.deliverMu.Lock()
	e.stopped = false
	e.deliverMu.Unlock()

	go e.poll(e.stopC, e.pollerC, e.events)
	go e.deliver(e.events, e.doneC)
	glog.V(1).Infof("Enumerating %s devices every %s", e.filter, e.interval)
}

// Stop ends polling. Once it returns, no more observer calls will be made,
// and all devices reported so far are invalidated. It waits for a callback
// that is already running to return.
func (e *Enumerator) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stopC, pollerC, doneC, events := e.stopC, e.pollerC, e.doneC, e.events
	e.mu.Unlock()

	close(stopC)
	// The poller is the only sender on events, so once it is gone the
	// channel can be closed.
	<-pollerC

	// Waits for an in-flight callback, and prevents any further one.
	e.deliverMu.Lock()
	e.stopped = true
	e.deliverMu.Unlock()

	close(events)
	e.mu.Lock()
	for loc, dev := range e.tracked {
		dev.Invalidate()
		delete(e.tracked, loc)
	}
	e.mu.Unlock()
	<-doneC
}

// Devices returns the devices currently tracked.
func (e *Enumerator) Devices() []*devices.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]*devices.Device, 0, len(e.tracked))
	for _, d := range e.tracked {
		res = append(res, d)
	}
	return res
}

func (e *Enumerator) poll(stopC, pollerC chan struct{}, events chan<- event) {
	defer close(pollerC)

	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		for _, ev := range e.scan() {
			select {
			case events <- ev:
			case <-stopC:
				return
			}
		}
		select {
		case <-stopC:
			return
		case <-t.C:
		}
	}
}

// scan lists the bus once and diffs it against the tracking table, returning
// the resulting events.
func (e *Enumerator) scan() []event {
	infos, err := e.bus.List()
	if err != nil {
		glog.Warningf("Listing USB devices failed: %v", err)
		return []event{{kind: eventError, msg: err.Error()}}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var res []event
	seen := make(map[devices.LocationID]bool)
	for _, info := range infos {
		if !e.filter.Matches(info.VID, info.PID) {
			continue
		}
		seen[info.LocationID] = true
		if old, ok := e.tracked[info.LocationID]; ok {
			if old.Address == info.Address {
				continue
			}
			// Re-plugged into the same port between two polls.
			res = append(res, e.remove(old))
		}
		dev := devices.NewDevice(info)
		e.tracked[info.LocationID] = dev
		glog.V(1).Infof("Device connected: %s", dev)
		res = append(res, event{kind: eventConnected, dev: dev})
	}
	for loc, dev := range e.tracked {
		if !seen[loc] {
			res = append(res, e.remove(dev))
		}
	}
	return res
}

// remove must be called with mu held.
func (e *Enumerator) remove(dev *devices.Device) event {
	delete(e.tracked, dev.LocationID)
	dev.Invalidate()
	glog.V(1).Infof("Device disconnected: %s", dev)
	return event{kind: eventDisconnected, dev: dev}
}

func (e *Enumerator) deliver(events <-chan event, doneC chan struct{}) {
	defer close(doneC)
	for ev := range events {
		e.deliverMu.Lock()
		if !e.stopped {
			switch ev.kind {
			case eventConnected:
				e.observer.DeviceConnected(ev.dev)
			case eventDisconnected:
				e.observer.DeviceDisconnected(ev.dev)
			case eventError:
				e.observer.DeviceError(ev.msg)
			}
		}
		e.deliverMu.Unlock()
	}
}
