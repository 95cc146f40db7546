package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/nxboot/nxboot/pkg/enumerator"
	"github.com/nxboot/nxboot/pkg/hostusb"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show devices in RCM as they come and go",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bus, err := hostusb.New()
		if err != nil {
			return err
		}
		defer bus.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		obs, stopEnumerator := startEnumerator(bus)
		defer stopEnumerator()

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-obs.C:
				switch ev.Kind {
				case enumerator.Connected, enumerator.Disconnected:
					fmt.Printf("%-12s %s %s [%s]\n", ev.Kind, ev.Device.LocationID, ev.Device.LocationID.PathString(), ev.Device.Name)
				case enumerator.Error:
					fmt.Printf("%-12s %s\n", ev.Kind, ev.Message)
				}
			}
		}
	},
}
