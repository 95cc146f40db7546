package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/nxboot/nxboot/pkg/payload"
	"github.com/nxboot/nxboot/pkg/relocator"
)

var relocatorCmd = &cobra.Command{
	Use:   "relocator [out.bin]",
	Short: "Write the built-in relocator to a file",
	Long:  fmt.Sprintf("Writes the built-in relocator, which runs at 0x%08x once the bootROM is exploited, to a file.", relocator.RelocatedAddress),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stub := relocator.Default()
		if err := os.WriteFile(args[0], stub, 0644); err != nil {
			return fmt.Errorf("could not write relocator: %w", err)
		}
		glog.Infof("Wrote 0x%x byte relocator to %s (%s)", len(stub), args[0], payload.Fingerprint(stub))
		return nil
	},
}
