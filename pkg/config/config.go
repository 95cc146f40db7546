// Package config loads the optional nxboot configuration file.
//
// The file is looked up as nxboot/config.yaml in the XDG config directories,
// unless an explicit path is given. A missing file is not an error, defaults
// are used instead. Command line flags override whatever is set here.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/adrg/xdg"
	"github.com/golang/glog"
	"gopkg.in/yaml.v3"

	"github.com/nxboot/nxboot/pkg/hekate"
)

const relPath = "nxboot/config.yaml"

type Config struct {
	// Relocator is the path to a relocator binary to use instead of the
	// built-in one.
	Relocator string `yaml:"relocator"`
	// PollInterval is how often the USB bus is scanned for devices.
	PollInterval time.Duration `yaml:"poll_interval"`
	// WaitTimeout bounds how long to wait for a device. Zero waits forever.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// ControlTimeout applies to control transfers, including the one that
	// triggers the payload.
	ControlTimeout time.Duration `yaml:"control_timeout"`

	Hekate HekateDefaults `yaml:"hekate"`
}

// HekateDefaults is the boot configuration applied to hekate images unless
// overridden on the command line. Unset fields leave the configuration
// already embedded in the image alone.
type HekateDefaults struct {
	Target *hekate.BootTarget    `yaml:"target,omitempty"`
	Index  *int                  `yaml:"index,omitempty"`
	ID     *string               `yaml:"id,omitempty"`
	UMS    *hekate.StorageTarget `yaml:"ums,omitempty"`
	Log    *bool                 `yaml:"log,omitempty"`
}

func Default() *Config {
	return &Config{
		PollInterval:   500 * time.Millisecond,
		ControlTimeout: time.Second,
	}
}

// Path returns the location of the configuration file, or an empty string if
// there is none.
func Path() string {
	p, err := xdg.SearchConfigFile(relPath)
	if err != nil {
		return ""
	}
	return p
}

// Load reads the configuration at path, or the one found by Path if path is
// empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
		if path == "" {
			glog.V(1).Infof("No configuration file, using defaults")
			return Default(), nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	glog.V(1).Infof("Loaded configuration from %s", path)
	return cfg, nil
}

// Parse decodes a configuration file on top of the defaults. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Relocator = os.ExpandEnv(cfg.Relocator)
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, is %s", c.PollInterval)
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("wait_timeout must not be negative, is %s", c.WaitTimeout)
	}
	if c.ControlTimeout <= 0 {
		return fmt.Errorf("control_timeout must be positive, is %s", c.ControlTimeout)
	}
	if i := c.Hekate.Index; i != nil && (*i < 0 || *i > 0xff) {
		return fmt.Errorf("hekate.index must be between 0 and 255, is %d", *i)
	}
	return nil
}

// Apply sets the fields present in d on c.
func (d *HekateDefaults) Apply(c *hekate.Customizer) {
	if d.Target != nil {
		c.SetBootTarget(*d.Target)
	}
	if d.Index != nil {
		c.SetBootIndex(*d.Index)
	}
	if d.ID != nil {
		c.SetBootID(*d.ID)
	}
	if d.UMS != nil {
		c.SetUMSTarget(*d.UMS)
	}
	if d.Log != nil {
		c.SetLogEnabled(*d.Log)
	}
}

// Empty reports whether no field is set.
func (d *HekateDefaults) Empty() bool {
	return d.Target == nil && d.Index == nil && d.ID == nil && d.UMS == nil && d.Log == nil
}
