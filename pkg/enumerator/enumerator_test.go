package enumerator

import (
	"errors"
	"testing"
	"time"

	"github.com/nxboot/nxboot/pkg/devices"
	"github.com/nxboot/nxboot/pkg/devices/devicestest"
)

const testInterval = 5 * time.Millisecond

func expect(t *testing.T, o *ChanObserver, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-o.C:
		if ev.Kind != kind {
			t.Fatalf("wanted %s event, got %s", kind, ev)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
	}
	return Event{}
}

// expectNone checks that nothing is delivered for a few poll intervals.
func expectNone(t *testing.T, o *ChanObserver) {
	t.Helper()
	select {
	case ev := <-o.C:
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(20 * testInterval):
	}
}

func TestConnectDisconnect(t *testing.T) {
	bus := &devicestest.Bus{}
	o := NewChanObserver(16)
	e := New(bus, o, WithInterval(testInterval))
	e.Start()
	defer e.Stop()

	expectNone(t, o)

	bus.Set(devicestest.Info(42, 3, devicestest.New()))
	conn := expect(t, o, Connected)
	if want, got := devices.LocationID(42), conn.Device.LocationID; want != got {
		t.Errorf("wanted location %s, got %s", want, got)
	}
	if want, got := devices.T210, conn.Device.Kind; want != got {
		t.Errorf("wanted kind %s, got %s", want, got)
	}
	if !conn.Device.Valid() {
		t.Errorf("connected device not valid")
	}
	if n := len(e.Devices()); n != 1 {
		t.Errorf("wanted 1 tracked device, got %d", n)
	}
	// Still present, no new events.
	expectNone(t, o)

	bus.Set()
	disc := expect(t, o, Disconnected)
	if disc.Device != conn.Device {
		t.Errorf("disconnected device is not the one connected")
	}
	if disc.Device.Valid() {
		t.Errorf("disconnected device still valid")
	}
	if _, err := disc.Device.Reserve(); !errors.Is(err, devices.ErrGone) {
		t.Errorf("wanted ErrGone reserving disconnected device, got %v", err)
	}
	expectNone(t, o)
}

func TestFilter(t *testing.T) {
	bus := &devicestest.Bus{}
	other := devicestest.Info(7, 1, devicestest.New())
	other.VID, other.PID = 0x05ac, 0x1227
	bus.Set(other)

	o := NewChanObserver(16)
	e := New(bus, o, WithInterval(testInterval))
	e.Start()
	defer e.Stop()
	expectNone(t, o)

	e.SetFilter(devices.Identity{VID: 0x05ac, PID: 0x1227})
	ev := expect(t, o, Connected)
	if ev.Device.LocationID != 7 {
		t.Errorf("wrong device connected: %s", ev.Device)
	}

	e.SetFilter(devices.TegraRCM)
	expect(t, o, Disconnected)
}

func TestListError(t *testing.T) {
	bus := &devicestest.Bus{}
	bus.SetErr(errors.New("libusb exploded"))
	o := NewChanObserver(64)
	e := New(bus, o, WithInterval(testInterval))
	e.Start()
	defer e.Stop()

	ev := expect(t, o, Error)
	if ev.Message != "libusb exploded" {
		t.Errorf("unexpected error message %q", ev.Message)
	}

	bus.SetErr(nil)
	bus.Set(devicestest.Info(42, 3, devicestest.New()))
	for {
		ev := <-o.C
		if ev.Kind == Error {
			continue
		}
		if ev.Kind != Connected {
			t.Fatalf("wanted connected event after recovery, got %s", ev)
		}
		break
	}
}

func TestStartTwice(t *testing.T) {
	bus := &devicestest.Bus{}
	bus.Set(devicestest.Info(42, 3, devicestest.New()))
	o := NewChanObserver(16)
	e := New(bus, o, WithInterval(testInterval))
	e.Start()
	e.Start()
	defer e.Stop()

	expect(t, o, Connected)
	expectNone(t, o)
}

func TestStop(t *testing.T) {
	bus := &devicestest.Bus{}
	bus.Set(devicestest.Info(42, 3, devicestest.New()))
	o := NewChanObserver(16)
	e := New(bus, o, WithInterval(testInterval))
	e.Start()
	ev := expect(t, o, Connected)

	e.Stop()
	if ev.Device.Valid() {
		t.Errorf("device still valid after Stop")
	}
	if n := len(e.Devices()); n != 0 {
		t.Errorf("wanted no tracked devices after Stop, got %d", n)
	}
	lists := bus.Lists()
	bus.Set()
	expectNone(t, o)
	if bus.Lists() != lists {
		t.Errorf("bus still listed after Stop")
	}
	// Stopping twice is fine.
	e.Stop()

	// Restarting reports the device afresh.
	bus.Set(devicestest.Info(42, 3, devicestest.New()))
	e.Start()
	defer e.Stop()
	ev2 := expect(t, o, Connected)
	if ev2.Device == ev.Device {
		t.Errorf("restart reused invalidated device")
	}
}

func TestReplug(t *testing.T) {
	bus := &devicestest.Bus{}
	bus.Set(devicestest.Info(42, 3, devicestest.New()))
	o := NewChanObserver(16)
	e := New(bus, o, WithInterval(testInterval))
	e.Start()
	defer e.Stop()
	first := expect(t, o, Connected)

	// Same port, new address: unplugged and replugged between two polls.
	bus.Set(devicestest.Info(42, 4, devicestest.New()))
	disc := expect(t, o, Disconnected)
	if disc.Device != first.Device {
		t.Errorf("disconnect for wrong device")
	}
	conn := expect(t, o, Connected)
	if conn.Device.Address != 4 {
		t.Errorf("wanted replugged device at address 4, got %d", conn.Device.Address)
	}
	if conn.Device.LocationID != first.Device.LocationID {
		t.Errorf("location changed across replug into the same port")
	}
	if conn.Device == first.Device {
		t.Errorf("replug reused the old *Device")
	}
	if first.Device.Valid() {
		t.Errorf("old *Device still valid after replug")
	}
}

func TestMultipleDevices(t *testing.T) {
	bus := &devicestest.Bus{}
	a := devicestest.Info(devices.MakeLocationID(1, []int{1}), 2, devicestest.New())
	b := devicestest.Info(devices.MakeLocationID(1, []int{2}), 3, devicestest.New())
	bus.Set(a, b)
	o := NewChanObserver(16)
	e := New(bus, o, WithInterval(testInterval))
	e.Start()
	defer e.Stop()

	seen := make(map[devices.LocationID]bool)
	for i := 0; i < 2; i++ {
		seen[expect(t, o, Connected).Device.LocationID] = true
	}
	if !seen[a.LocationID] || !seen[b.LocationID] {
		t.Fatalf("not all devices connected: %v", seen)
	}

	bus.Set(b)
	if ev := expect(t, o, Disconnected); ev.Device.LocationID != a.LocationID {
		t.Errorf("wrong device disconnected: %s", ev.Device)
	}
	expectNone(t, o)
}
