package launcher

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/nxboot/nxboot/pkg/devices"
	"github.com/nxboot/nxboot/pkg/enumerator"
)

// WaitForDevice consumes enumeration events until a device connects, and
// returns it. Enumeration errors are logged and skipped. The enumerator
// producing events must keep running for as long as the device is used, as
// stopping it invalidates the device.
func WaitForDevice(ctx context.Context, events <-chan enumerator.Event) (*devices.Device, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for device: %w", ctx.Err())
		case ev := <-events:
			switch ev.Kind {
			case enumerator.Connected:
				if !ev.Device.Valid() {
					// Already gone again.
					continue
				}
				glog.Infof("Found %s at %s", ev.Device, ev.Device.LocationID.PathString())
				return ev.Device, nil
			case enumerator.Error:
				glog.Warningf("Enumeration error: %s", ev.Message)
			}
		}
	}
}
