package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nxboot/nxboot/pkg/hekate"
	"github.com/nxboot/nxboot/pkg/payload"
)

// customizationFlags are the hekate boot configuration flags shared by boot
// and customize.
type customizationFlags struct {
	target string
	index  int
	id     string
	ums    string
	log    bool
}

var customization customizationFlags

func (f *customizationFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.target, "target", "", fmt.Sprintf("hekate boot target (one of: %s)", strings.Join(hekate.BootTargetNames(), ", ")))
	fs.IntVar(&f.index, "index", 0, "hekate autoboot entry index, for --target=index")
	fs.StringVar(&f.id, "id", "", "hekate boot entry ID, for --target=id")
	fs.StringVar(&f.ums, "ums", "", fmt.Sprintf("Storage exposed over USB, for --target=ums (one of: %s)", strings.Join(hekate.StorageTargetNames(), ", ")))
	fs.BoolVar(&f.log, "log", false, "Enable hekate's boot log")
}

// requested reports whether any customization flag was given on the command
// line of cmd.
func (f *customizationFlags) requested(cmd *cobra.Command) bool {
	for _, n := range []string{"target", "index", "id", "ums", "log"} {
		if cmd.Flags().Changed(n) {
			return true
		}
	}
	return false
}

// apply sets on c the configuration file defaults, then the flags given on
// the command line of cmd.
func (f *customizationFlags) apply(cmd *cobra.Command, c *hekate.Customizer) error {
	cfg.Hekate.Apply(c)

	fs := cmd.Flags()
	if fs.Changed("target") {
		t, err := hekate.ParseBootTarget(f.target)
		if err != nil {
			return err
		}
		c.SetBootTarget(t)
	}
	if fs.Changed("index") {
		if f.index < 0 || f.index > 0xff {
			return fmt.Errorf("invalid index %d", f.index)
		}
		c.SetBootIndex(f.index)
	}
	if fs.Changed("id") {
		c.SetBootID(f.id)
	}
	if fs.Changed("ums") {
		s, err := hekate.ParseStorageTarget(f.ums)
		if err != nil {
			return err
		}
		c.SetUMSTarget(s)
	}
	if fs.Changed("log") {
		c.SetLogEnabled(f.log)
	}
	return nil
}

// customize returns img with the requested hekate configuration applied. Images
// that are not hekate are returned as is.
func customize(cmd *cobra.Command, img []byte) ([]byte, error) {
	c := hekate.New(img)
	if err := customization.apply(cmd, c); err != nil {
		return nil, err
	}
	if !c.IsPayloadSupported() {
		if customization.requested(cmd) {
			glog.Warningf("Payload is not a supported hekate build, ignoring customization")
		}
		return img, nil
	}
	v, _ := c.Version()
	if !customization.requested(cmd) && cfg.Hekate.Empty() {
		glog.Infof("Payload is hekate %s, keeping its boot configuration: %s", v, c.Config())
		return img, nil
	}
	glog.Infof("Payload is hekate %s, boot configuration: %s", v, c.Config())
	return c.CommitToImage(), nil
}

var customizeCmd = &cobra.Command{
	Use:   "customize [in.bin] [out.bin]",
	Short: "Write a customized hekate image",
	Long:  "Applies a boot configuration to a hekate image and writes the result to a file, without booting it.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := payload.Load(args[0])
		if err != nil {
			return err
		}
		if !hekate.New(img).IsPayloadSupported() {
			return fmt.Errorf("%s is not a supported hekate image", args[0])
		}
		out, err := customize(cmd, img)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], out, 0644); err != nil {
			return fmt.Errorf("could not write output: %w", err)
		}
		glog.Infof("Wrote %s (%s)", args[1], payload.Fingerprint(out))
		return nil
	},
}
