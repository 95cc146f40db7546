package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nxboot/nxboot/pkg/config"
	"github.com/nxboot/nxboot/pkg/payload"
	"github.com/nxboot/nxboot/pkg/relocator"
)

var rootCmd = &cobra.Command{
	Use:   "nxboot",
	Short: "nxboot boots payloads on Nintendo Switch consoles in RCM",
	Long: `Sends payloads such as hekate to Tegra X1 based devices sitting in USB
recovery mode (RCM), using the Fusée Gelée bootROM vulnerability.

hekate images can be customized before sending, to boot straight into a given
entry or to expose a storage device as USB mass storage.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

var (
	flagConfig string
	cfg        *config.Config
)

func main() {
	bootCmd.Flags().BoolVarP(&flagWait, "wait", "w", false, "Wait for a device to be connected instead of failing if none is present")
	bootCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "Give up waiting for a device after this long (default from configuration, 0 waits forever)")
	bootCmd.Flags().StringVar(&flagRelocator, "relocator", "", "Path to a relocator to use instead of the built-in one")
	customization.register(bootCmd.Flags())
	customization.register(customizeCmd.Flags())
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", fmt.Sprintf("Path to configuration file (default: %s)", configHint()))
	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(customizeCmd)
	rootCmd.AddCommand(relocatorCmd)
	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	flag.Set("logtostderr", "true")
}

func configHint() string {
	if p := config.Path(); p != "" {
		return p
	}
	return "$XDG_CONFIG_HOME/nxboot/config.yaml"
}

// loadRelocator returns the relocator selected by flag or configuration, or
// the built-in one.
func loadRelocator() ([]byte, error) {
	path := flagRelocator
	if path == "" {
		path = cfg.Relocator
	}
	if path == "" {
		return relocator.Default(), nil
	}
	data, err := payload.Load(path)
	if err != nil {
		return nil, fmt.Errorf("could not load relocator: %w", err)
	}
	glog.Infof("Using relocator %s (%s)", path, payload.Fingerprint(data))
	return data, nil
}
