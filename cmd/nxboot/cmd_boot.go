package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/nxboot/nxboot/pkg/enumerator"
	"github.com/nxboot/nxboot/pkg/hostusb"
	"github.com/nxboot/nxboot/pkg/launcher"
	"github.com/nxboot/nxboot/pkg/payload"
	"github.com/nxboot/nxboot/pkg/rcm"
)

var (
	flagWait      bool
	flagTimeout   time.Duration
	flagRelocator string
)

// startEnumerator starts watching the bus for devices in RCM. The returned
// function stops it.
func startEnumerator(bus *hostusb.Bus) (*enumerator.ChanObserver, func()) {
	obs := enumerator.NewChanObserver(16)
	e := enumerator.New(bus, obs, enumerator.WithInterval(cfg.PollInterval))
	e.Start()
	return obs, func() {
		// Stop waits for pending deliveries, so keep draining until it is
		// done.
		stopped := make(chan struct{})
		go func() {
			e.Stop()
			close(stopped)
		}()
		for {
			select {
			case <-obs.C:
			case <-stopped:
				return
			}
		}
	}
}

var bootCmd = &cobra.Command{
	Use:   "boot [payload.bin]",
	Short: "Boot a payload on a device in RCM",
	Long: `Sends a payload to a Tegra X1 in USB recovery mode and runs it. Payloads may be
compressed with xz, zstd or lz4. hekate payloads are customized according to
the configuration file and --target, --index, --id, --ums and --log.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := payload.Load(args[0])
		if err != nil {
			return err
		}
		img, err = customize(cmd, img)
		if err != nil {
			return err
		}
		reloc, err := loadRelocator()
		if err != nil {
			return err
		}
		glog.Infof("Payload: 0x%x bytes, fingerprint %s", len(img), payload.Fingerprint(img))

		bus, err := hostusb.New()
		if err != nil {
			return err
		}
		defer bus.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		obs, stopEnumerator := startEnumerator(bus)
		defer stopEnumerator()

		waitCtx := ctx
		timeout := cfg.WaitTimeout
		if cmd.Flags().Changed("timeout") {
			timeout = flagTimeout
		}
		if !flagWait {
			// Devices already present show up on the first poll.
			timeout = 2 * cfg.PollInterval
		} else {
			glog.Infof("Waiting for a device in RCM...")
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		dev, err := launcher.WaitForDevice(waitCtx, obs.C)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if !flagWait {
					return fmt.Errorf("no device in RCM found, connect one or use --wait")
				}
				return fmt.Errorf("no device in RCM connected within %s", timeout)
			}
			return err
		}

		ctl := launcher.New(
			launcher.ControlTimeout(cfg.ControlTimeout),
			launcher.OnStateChange(func(s launcher.State) {
				glog.V(1).Infof("Boot state: %s", s)
			}),
		)
		doneC := make(chan struct{})
		defer close(doneC)
		go func() {
			for {
				select {
				case <-doneC:
					return
				case <-ctx.Done():
					if ctl.Cancel() {
						glog.Infof("Cancelling...")
					}
					return
				case ev := <-obs.C:
					if ev.Kind == enumerator.Disconnected && ev.Device == dev {
						glog.Warningf("%s disconnected", dev)
					}
				}
			}
		}()

		if err := ctl.Boot(context.Background(), dev, reloc, img); err != nil {
			var rerr *rcm.Error
			if errors.As(err, &rerr) && rerr.Retryable() {
				return fmt.Errorf("%w (retry once the device is free)", err)
			}
			return err
		}
		glog.Infof("Payload running.")
		return nil
	},
}
