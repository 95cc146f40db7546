package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nxboot/nxboot/pkg/hekate"
	"github.com/nxboot/nxboot/pkg/payload"
	"github.com/nxboot/nxboot/pkg/rcm"
)

type inspection struct {
	Path        string      `yaml:"path"`
	Format      string      `yaml:"format"`
	Size        int         `yaml:"size"`
	Free        int         `yaml:"free"`
	Fingerprint string      `yaml:"fingerprint"`
	Hekate      *hekateInfo `yaml:"hekate,omitempty"`
}

type hekateInfo struct {
	Version   string `yaml:"version"`
	Supported bool   `yaml:"supported"`

	Target *hekate.BootTarget    `yaml:"target,omitempty"`
	Index  *int                  `yaml:"index,omitempty"`
	ID     *string               `yaml:"id,omitempty"`
	UMS    *hekate.StorageTarget `yaml:"ums,omitempty"`
	Log    *bool                 `yaml:"log,omitempty"`
}

func inspectHekate(img []byte) *hekateInfo {
	c := hekate.New(img)
	v, ok := c.Version()
	if !ok {
		return nil
	}
	res := &hekateInfo{
		Version:   v,
		Supported: c.IsPayloadSupported(),
	}
	if !res.Supported {
		return res
	}
	cfg := c.Config()
	res.Target = &cfg.Target
	res.Log = &cfg.LogEnabled
	switch cfg.Target {
	case hekate.BootByIndex:
		res.Index = &cfg.Index
	case hekate.BootByID:
		res.ID = &cfg.ID
	case hekate.BootUMS:
		res.UMS = &cfg.UMS
	}
	return res
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [payload.bin]",
	Short: "Show information about a payload",
	Long:  "Reports a payload's size, fingerprint, and for hekate images, their version and embedded boot configuration. Output is YAML.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("could not read payload: %w", err)
		}
		img, err := payload.Decode(raw)
		if err != nil {
			return err
		}
		res := inspection{
			Path:        args[0],
			Format:      payload.Detect(raw).String(),
			Size:        len(img),
			Free:        rcm.MaxPayloadSize - len(img),
			Fingerprint: payload.Fingerprint(img),
			Hekate:      inspectHekate(img),
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return err
		}
		return enc.Close()
	},
}
