// Package payload loads payload images, transparently decompressing them if
// they were distributed compressed.
package payload

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/nxboot/nxboot/pkg/rcm"
)

// Format is the container a payload image was stored in.
type Format int

const (
	Raw Format = iota
	XZ
	Zstd
	LZ4
)

func (f Format) String() string {
	switch f {
	case Raw:
		return "raw"
	case XZ:
		return "xz"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	}
	return "UNKNOWN"
}

var magics = []struct {
	format Format
	magic  []byte
}{
	{XZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{LZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
}

// Detect returns the format of data, judging by its magic.
func Detect(data []byte) Format {
	for _, m := range magics {
		if bytes.HasPrefix(data, m.magic) {
			return m.format
		}
	}
	return Raw
}

// ErrTooLarge is returned for images that could never be sent to a device.
var ErrTooLarge = fmt.Errorf("payload larger than 0x%x bytes", rcm.MaxPayloadSize)

// Load reads and decodes the payload image at path.
func Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read payload: %w", err)
	}
	res, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// Decode returns the payload image contained in data, decompressing it if
// needed. Images larger than rcm.MaxPayloadSize are refused, without fully
// decompressing them first.
func Decode(data []byte) ([]byte, error) {
	format := Detect(data)
	if format == Raw {
		if len(data) > rcm.MaxPayloadSize {
			return nil, ErrTooLarge
		}
		return data, nil
	}

	r, err := reader(format, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid %s data: %w", format, err)
	}
	defer r.Close()
	res, err := io.ReadAll(io.LimitReader(r, int64(rcm.MaxPayloadSize)+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", format, err)
	}
	if len(res) > rcm.MaxPayloadSize {
		return nil, ErrTooLarge
	}
	glog.V(1).Infof("Decompressed %s payload: 0x%x -> 0x%x bytes", format, len(data), len(res))
	return res, nil
}

func reader(format Format, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case Zstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(64<<20))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, errors.New("unknown format")
}

// Fingerprint returns a short identifier of a payload image, used to tell
// images apart in logs and listings.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
