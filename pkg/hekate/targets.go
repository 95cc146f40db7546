package hekate

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// BootTarget selects what hekate does once started.
type BootTarget int

const (
	// BootMenu shows hekate's menu.
	BootMenu BootTarget = iota
	// BootByID boots the configured entry with a given ID.
	BootByID
	// BootByIndex boots the configured entry at a given index.
	BootByIndex
	// BootUMS exposes a storage device as USB mass storage.
	BootUMS
)

var bootTargetNames = map[BootTarget]string{
	BootMenu:    "menu",
	BootByID:    "id",
	BootByIndex: "index",
	BootUMS:     "ums",
}

func (t BootTarget) String() string {
	if n, ok := bootTargetNames[t]; ok {
		return n
	}
	return fmt.Sprintf("BootTarget(%d)", int(t))
}

func ParseBootTarget(s string) (BootTarget, error) {
	for t, n := range bootTargetNames {
		if n == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalid boot target %q, must be one of: %v", s, BootTargetNames())
}

// BootTargetNames returns all valid boot target names, sorted.
func BootTargetNames() []string {
	return sortedNames(bootTargetNames)
}

func (t BootTarget) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *BootTarget) UnmarshalText(b []byte) error {
	v, err := ParseBootTarget(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// StorageTarget selects the storage exposed in UMS mode.
type StorageTarget int

const (
	StorageSD StorageTarget = iota
	StorageInternalBOOT0
	StorageInternalBOOT1
	StorageInternalGPP
	StorageEmuBOOT0
	StorageEmuBOOT1
	StorageEmuGPP
)

var storageTargetNames = map[StorageTarget]string{
	StorageSD:            "sd",
	StorageInternalBOOT0: "boot0",
	StorageInternalBOOT1: "boot1",
	StorageInternalGPP:   "gpp",
	StorageEmuBOOT0:      "emu-boot0",
	StorageEmuBOOT1:      "emu-boot1",
	StorageEmuGPP:        "emu-gpp",
}

func (s StorageTarget) String() string {
	if n, ok := storageTargetNames[s]; ok {
		return n
	}
	return fmt.Sprintf("StorageTarget(%d)", int(s))
}

func ParseStorageTarget(s string) (StorageTarget, error) {
	for t, n := range storageTargetNames {
		if n == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalid UMS target %q, must be one of: %v", s, StorageTargetNames())
}

// StorageTargetNames returns all valid storage target names, sorted.
func StorageTargetNames() []string {
	return sortedNames(storageTargetNames)
}

func (s StorageTarget) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StorageTarget) UnmarshalText(b []byte) error {
	v, err := ParseStorageTarget(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func sortedNames[K comparable](m map[K]string) []string {
	var res []string
	for _, n := range m {
		res = append(res, n)
	}
	slices.Sort(res)
	return res
}
