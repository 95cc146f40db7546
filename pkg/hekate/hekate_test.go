package hekate

import (
	"bytes"
	"testing"
)

// stubImage returns something that looks enough like a hekate build.
func stubImage(version string) []byte {
	img := bytes.Repeat([]byte{0xa5}, 0x400)
	copy(img[metaOffset:], "ICTC")
	copy(img[metaOffset+4:], version)
	img[metaOffset+7] = 0
	// A fresh build has an empty boot configuration.
	clear(img[bootCfgOffset : bootCfgOffset+bootCfgSize])
	return img
}

func TestDetect(t *testing.T) {
	c := New(stubImage("621"))
	if !c.IsPayloadSupported() {
		t.Fatalf("stub image not supported")
	}
	v, ok := c.Version()
	if !ok || v != "6.2.1" {
		t.Fatalf("wanted version 6.2.1, got %q (%v)", v, ok)
	}
	if want, got := BootMenu, c.Config().Target; want != got {
		t.Errorf("wanted initial target %s, got %s", want, got)
	}

	old := New(stubImage("431"))
	if old.IsPayloadSupported() {
		t.Errorf("hekate 4.x should not be supported")
	}
	if v, ok := old.Version(); !ok || v != "4.3.1" {
		t.Errorf("version of old hekate not reported, got %q", v)
	}
}

func TestRoundTripIndex(t *testing.T) {
	img := stubImage("621")
	orig := bytes.Clone(img)

	c := New(img)
	c.SetBootTarget(BootByIndex)
	c.SetBootIndex(3)
	out := c.CommitToImage()

	if !bytes.Equal(img, orig) {
		t.Fatalf("input buffer modified")
	}
	if bytes.Equal(out, orig) {
		t.Fatalf("output not customized")
	}

	cfg := New(out).Config()
	if want, got := BootByIndex, cfg.Target; want != got {
		t.Errorf("wanted target %s, got %s", want, got)
	}
	if want, got := 3, cfg.Index; want != got {
		t.Errorf("wanted index %d, got %d", want, got)
	}

	// Only the boot configuration block may differ.
	if !bytes.Equal(out[:bootCfgOffset], orig[:bootCfgOffset]) || !bytes.Equal(out[bootCfgOffset+bootCfgSize:], orig[bootCfgOffset+bootCfgSize:]) {
		t.Errorf("bytes outside boot configuration modified")
	}
}

func TestRoundTrip(t *testing.T) {
	for _, want := range []Config{
		{Target: BootMenu},
		{Target: BootMenu, LogEnabled: true},
		{Target: BootByID, ID: "atmos"},
		{Target: BootUMS, UMS: StorageEmuGPP},
		{Target: BootUMS, UMS: StorageSD, LogEnabled: true},
	} {
		c := New(stubImage("550"))
		c.SetBootTarget(want.Target)
		c.SetBootID(want.ID)
		c.SetUMSTarget(want.UMS)
		c.SetLogEnabled(want.LogEnabled)

		got := New(c.CommitToImage()).Config()
		if want != got {
			t.Errorf("wanted %s, got %s", want, got)
		}
	}
}

func TestIndependentCommits(t *testing.T) {
	c := New(stubImage("621"))
	c.SetBootTarget(BootByID)
	c.SetBootID("first")
	a := c.CommitToImage()

	c.SetBootTarget(BootByIndex)
	c.SetBootIndex(1)
	b := c.CommitToImage()

	c.SetBootTarget(BootByID)
	c.SetBootID("first")
	a2 := c.CommitToImage()

	if !bytes.Equal(a, a2) {
		t.Errorf("repeated commit with same configuration differs")
	}
	if got := New(b).Config(); got.Target != BootByIndex || got.ID != "" {
		t.Errorf("state of previous commit leaked: %s", got)
	}
}

func TestLongID(t *testing.T) {
	c := New(stubImage("621"))
	c.SetBootTarget(BootByID)
	c.SetBootID("much-too-long")

	if want, got := "much-to", New(c.CommitToImage()).Config().ID; want != got {
		t.Errorf("wanted truncated ID %q, got %q", want, got)
	}
}

// presetImage returns a stub image whose boot configuration was set up by
// someone else, with an emuMMC path and the ini list selected.
func presetImage() []byte {
	img := stubImage("621")
	block := img[bootCfgOffset : bootCfgOffset+bootCfgSize]
	block[cfgFlags] = 0x08 | flagAutoboot | flagFromLaunch
	block[cfgIndex] = 2
	block[cfgList] = 1
	copy(block[cfgID+maxIDLength+1:], "emuMMC/RAW1")
	return img
}

func TestCommitWithoutChanges(t *testing.T) {
	img := presetImage()
	c := New(img)
	if want, got := (Config{Target: BootByIndex, Index: 2}), c.Config(); want != got {
		t.Fatalf("wanted preset configuration %s, got %s", want, got)
	}
	if out := c.CommitToImage(); !bytes.Equal(out, img) {
		t.Fatalf("commit without changes modified the image: % x", out[bootCfgOffset:bootCfgOffset+0x18])
	}
}

func TestCommitKeepsUnknownFields(t *testing.T) {
	img := presetImage()
	c := New(img)
	c.SetBootTarget(BootByID)
	c.SetBootID("atmos")
	c.SetLogEnabled(true)
	out := c.CommitToImage()

	block := out[bootCfgOffset : bootCfgOffset+bootCfgSize]
	if block[cfgFlags]&0x08 == 0 {
		t.Errorf("emuMMC flag lost, flags %02x", block[cfgFlags])
	}
	if want, got := byte(1), block[cfgList]; want != got {
		t.Errorf("wanted list byte %d, got %d", want, got)
	}
	if want, got := []byte("emuMMC/RAW1"), block[cfgID+maxIDLength+1:][:11]; !bytes.Equal(want, got) {
		t.Errorf("emuMMC path lost, got %q", got)
	}
	if want, got := (Config{Target: BootByID, ID: "atmos", LogEnabled: true}), New(out).Config(); want != got {
		t.Errorf("wanted %s, got %s", want, got)
	}

	// Going back to the menu only drops the autoboot flags.
	c.SetBootTarget(BootMenu)
	c.SetLogEnabled(false)
	block = c.CommitToImage()[bootCfgOffset : bootCfgOffset+bootCfgSize]
	if want, got := byte(0x08), block[cfgFlags]; want != got {
		t.Errorf("wanted flags %02x, got %02x", want, got)
	}
	if want, got := img[bootCfgOffset+cfgIndex:bootCfgOffset+bootCfgSize], block[cfgIndex:]; !bytes.Equal(want, got) {
		t.Errorf("fields past the flags changed")
	}
}

func TestBootIndexRange(t *testing.T) {
	for _, tc := range []struct {
		set, want int
	}{
		{0, 0},
		{255, 255},
		{300, 255},
		{-1, 0},
	} {
		c := New(stubImage("621"))
		c.SetBootTarget(BootByIndex)
		c.SetBootIndex(tc.set)
		if got := c.Config().Index; got != tc.want {
			t.Errorf("SetBootIndex(%d): wanted %d, got %d", tc.set, tc.want, got)
		}
		if got := New(c.CommitToImage()).Config().Index; got != tc.want {
			t.Errorf("SetBootIndex(%d): committed image has index %d", tc.set, got)
		}
	}
}

func TestUnsupported(t *testing.T) {
	for _, img := range [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte{0x42}, 0x1000),
		stubImage("5x0"),
		stubImage("499"),
	} {
		c := New(img)
		if c.IsPayloadSupported() {
			t.Fatalf("image %x... unexpectedly supported", img[:min(len(img), 8)])
		}
		c.SetBootTarget(BootUMS)
		c.SetUMSTarget(StorageInternalGPP)
		c.SetBootIndex(7)
		c.SetBootID("x")
		c.SetLogEnabled(true)

		if out := c.CommitToImage(); !bytes.Equal(out, img) {
			t.Fatalf("unsupported image modified")
		}
	}
}

func TestParseTargets(t *testing.T) {
	for _, n := range BootTargetNames() {
		bt, err := ParseBootTarget(n)
		if err != nil {
			t.Fatalf("ParseBootTarget(%q): %v", n, err)
		}
		if bt.String() != n {
			t.Errorf("%q parsed to %s", n, bt)
		}
	}
	for _, n := range StorageTargetNames() {
		st, err := ParseStorageTarget(n)
		if err != nil {
			t.Fatalf("ParseStorageTarget(%q): %v", n, err)
		}
		if st.String() != n {
			t.Errorf("%q parsed to %s", n, st)
		}
	}
	if _, err := ParseBootTarget("chainload"); err == nil {
		t.Errorf("invalid boot target accepted")
	}
}
