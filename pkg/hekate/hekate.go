// Package hekate customizes hekate bootloader images before they are sent to a
// device, pre-selecting what hekate does once it starts: show its menu, boot
// an entry by index or ID, or expose a storage device as USB mass storage.
//
// hekate reserves a boot configuration block near the start of its image,
// which is what it reads when chainloaded by another payload. This package
// writes to that block. Images that cannot be positively identified are never
// touched.
package hekate

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/golang/glog"
)

// Layout of a hekate IPL image.
const (
	bootCfgOffset = 0x94
	bootCfgSize   = 0x84

	metaOffset = 0x118
	metaSize   = 0x0c

	// minMajor is the first release with Nyx UMS support in its boot
	// configuration.
	minMajor = 5
)

var magic = []byte("ICTC")

// Boot configuration block fields.
const (
	cfgFlags    = 0
	cfgIndex    = 1
	cfgList     = 2
	cfgExtra    = 3
	cfgID       = 4
	cfgUMS      = 4
	maxIDLength = 7
	maxIndex    = 0xff
)

// Boot configuration flags.
const (
	flagAutoboot   = 1 << 0
	flagFromLaunch = 1 << 1
	flagFromID     = 1 << 2
	flagsModeled   = flagAutoboot | flagFromLaunch | flagFromID

	extraLog      = 1 << 4
	extraNyxUMS   = 1 << 5
	extrasModeled = extraLog | extraNyxUMS
)

// Config is the boot configuration embedded into an image. Parts of the block
// it does not describe, like the emuMMC settings or whether the index refers to
// the ini list, are carried over from the image as they are.
type Config struct {
	Target BootTarget
	// Index is the autoboot entry, used when Target is BootByIndex. It is in
	// the range 0 to 255.
	Index int
	// ID is the boot entry ID, used when Target is BootByID.
	ID string
	// UMS is the storage exposed over USB, used when Target is BootUMS.
	UMS        StorageTarget
	LogEnabled bool
}

// Customizer patches the boot configuration of a hekate image. It always works
// on a private copy of the image given to New.
type Customizer struct {
	payload   []byte
	supported bool
	version   string
	config    Config
	// dirty is set once a setter has been called.
	dirty bool
}

// New inspects payload. If it is a supported hekate image, the configuration
// currently embedded in it becomes the starting configuration.
func New(payload []byte) *Customizer {
	c := &Customizer{
		payload: bytes.Clone(payload),
	}
	c.version, c.supported = detect(c.payload)
	if c.supported {
		c.config = decode(c.payload[bootCfgOffset : bootCfgOffset+bootCfgSize])
		glog.V(1).Infof("Detected hekate %s", c.version)
	}
	return c
}

// detect looks for hekate's version metadata: the ICTC magic followed by the
// major, minor and hotfix version as ASCII digits.
func detect(payload []byte) (string, bool) {
	if len(payload) < metaOffset+metaSize {
		return "", false
	}
	meta := payload[metaOffset : metaOffset+metaSize]
	if !bytes.Equal(meta[:4], magic) {
		return "", false
	}
	digits := meta[4:7]
	for _, d := range digits {
		if d < '0' || d > '9' {
			return "", false
		}
	}
	version := fmt.Sprintf("%c.%c.%c", digits[0], digits[1], digits[2])
	if int(digits[0]-'0') < minMajor {
		glog.V(1).Infof("hekate %s too old to customize", version)
		return version, false
	}
	return version, true
}

func decode(block []byte) Config {
	var c Config
	flags, extra := block[cfgFlags], block[cfgExtra]
	c.LogEnabled = extra&extraLog != 0
	switch {
	case extra&extraNyxUMS != 0:
		c.Target = BootUMS
		c.UMS = StorageTarget(block[cfgUMS])
	case flags&flagFromID != 0:
		c.Target = BootByID
		id := block[cfgID : cfgID+maxIDLength+1]
		if i := bytes.IndexByte(id, 0); i >= 0 {
			id = id[:i]
		}
		c.ID = string(id)
	case flags&flagAutoboot != 0:
		c.Target = BootByIndex
		c.Index = int(block[cfgIndex])
	default:
		c.Target = BootMenu
	}
	return c
}

// encode writes c into block, which holds the configuration currently in the
// image. Only the fields c describes are replaced.
func encode(c Config, block []byte) {
	flags := block[cfgFlags] &^ flagsModeled
	extra := block[cfgExtra] &^ extrasModeled
	switch c.Target {
	case BootMenu:
	case BootByIndex:
		flags |= flagAutoboot | flagFromLaunch
		block[cfgIndex] = byte(c.Index)
	case BootByID:
		flags |= flagAutoboot | flagFromLaunch | flagFromID
		id := c.ID
		if len(id) > maxIDLength {
			glog.Warningf("Boot ID %q truncated to %q", id, id[:maxIDLength])
			id = id[:maxIDLength]
		}
		field := block[cfgID : cfgID+maxIDLength+1]
		clear(field)
		copy(field, id)
	case BootUMS:
		flags |= flagFromLaunch
		extra |= extraNyxUMS
		block[cfgUMS] = byte(c.UMS)
	}
	if c.LogEnabled {
		extra |= extraLog
	}
	block[cfgFlags] = flags
	block[cfgExtra] = extra
}

// IsPayloadSupported reports whether the image is a hekate build whose boot
// configuration layout is known.
func (c *Customizer) IsPayloadSupported() bool {
	return c.supported
}

// Version returns the detected hekate version, eg. "6.2.1". It is also
// returned for recognized but unsupported (too old) images.
func (c *Customizer) Version() (string, bool) {
	return c.version, c.version != ""
}

// Config returns the configuration that CommitToImage would write.
func (c *Customizer) Config() Config {
	return c.config
}

func (c *Customizer) SetBootTarget(t BootTarget) {
	c.config.Target = t
	c.dirty = true
}

// SetBootIndex sets the autoboot entry. Values outside 0 to 255 are clamped.
func (c *Customizer) SetBootIndex(i int) {
	if i < 0 || i > maxIndex {
		clamped := min(max(i, 0), maxIndex)
		glog.Warningf("Boot index %d out of range, using %d", i, clamped)
		i = clamped
	}
	c.config.Index = i
	c.dirty = true
}

func (c *Customizer) SetBootID(id string) {
	c.config.ID = id
	c.dirty = true
}

func (c *Customizer) SetUMSTarget(s StorageTarget) {
	c.config.UMS = s
	c.dirty = true
}

func (c *Customizer) SetLogEnabled(e bool) {
	c.config.LogEnabled = e
	c.dirty = true
}

// CommitToImage returns a copy of the image with the current configuration
// written into it. The copy is unmodified if the image is not supported or no
// setter has been called.
func (c *Customizer) CommitToImage() []byte {
	res := bytes.Clone(c.payload)
	if !c.supported || !c.dirty {
		return res
	}
	encode(c.config, res[bootCfgOffset:bootCfgOffset+bootCfgSize])
	glog.V(1).Infof("Committed hekate configuration: %s", c.config)
	return res
}

func (c Config) String() string {
	parts := []string{fmt.Sprintf("target=%s", c.Target)}
	switch c.Target {
	case BootByIndex:
		parts = append(parts, fmt.Sprintf("index=%d", c.Index))
	case BootByID:
		parts = append(parts, fmt.Sprintf("id=%q", c.ID))
	case BootUMS:
		parts = append(parts, fmt.Sprintf("ums=%s", c.UMS))
	}
	parts = append(parts, fmt.Sprintf("log=%v", c.LogEnabled))
	return strings.Join(parts, " ")
}
