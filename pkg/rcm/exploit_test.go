package rcm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nxboot/nxboot/pkg/devices"
	"github.com/nxboot/nxboot/pkg/devices/devicestest"
)

var testRelocator = bytes.Repeat([]byte{0xee}, 124)

func acquire(t *testing.T, f *devicestest.Fake) *Handle {
	t.Helper()
	h, err := Acquire(newDevice(f))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(h.Release)
	return h
}

func TestPayloadTooLarge(t *testing.T) {
	f := devicestest.New()
	h := acquire(t, f)

	err := Execute(context.Background(), h, testRelocator, make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("wanted PayloadTooLarge, got %v", err)
	}
	err = Execute(context.Background(), h, make([]byte, MaxRelocatorSize+1), nil)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("wanted PayloadTooLarge for relocator, got %v", err)
	}
	if n := len(f.Writes()); n != 0 {
		t.Fatalf("%d writes issued", n)
	}
	if n := len(f.Controls()); n != 0 {
		t.Fatalf("%d control requests issued", n)
	}
}

func TestFrameLayout(t *testing.T) {
	payload := bytes.Repeat([]byte{0x55}, PayloadHeadSize+0x123)
	frame, err := BuildFrame(testRelocator, payload)
	if err != nil {
		t.Fatalf("BuildFrame: %v", err)
	}

	if want, got := uint32(rcmLength), binary.LittleEndian.Uint32(frame); want != got {
		t.Errorf("length field: wanted 0x%x, got 0x%x", want, got)
	}
	if len(frame)%ChunkSize != 0 {
		t.Errorf("frame length 0x%x not chunk aligned", len(frame))
	}

	off := FrameOffset(PayloadBase)
	if !bytes.Equal(frame[off:off+len(testRelocator)], testRelocator) {
		t.Errorf("relocator not at 0x%x", off)
	}
	if !bytes.Equal(frame[off+len(testRelocator):FrameOffset(PayloadStart)], make([]byte, MaxRelocatorSize-len(testRelocator))) {
		t.Errorf("relocator padding not zero")
	}

	off = FrameOffset(PayloadStart)
	if !bytes.Equal(frame[off:off+PayloadHeadSize], payload[:PayloadHeadSize]) {
		t.Errorf("payload head not at 0x%x", off)
	}
	for a := SprayStart; a < SprayEnd; a += 4 {
		if want, got := PayloadBase, binary.LittleEndian.Uint32(frame[FrameOffset(a):]); want != got {
			t.Fatalf("spray at 0x%08x: wanted 0x%08x, got 0x%08x", a, want, got)
		}
	}
	off = FrameOffset(SprayEnd)
	if !bytes.Equal(frame[off:off+0x123], payload[PayloadHeadSize:]) {
		t.Errorf("payload tail not at 0x%x", off)
	}
}

func TestMaxPayloadFits(t *testing.T) {
	frame, err := BuildFrame(make([]byte, MaxRelocatorSize), make([]byte, MaxPayloadSize))
	if err != nil {
		t.Fatalf("BuildFrame: %v", err)
	}
	if len(frame) > rcmLength {
		t.Fatalf("frame of 0x%x bytes exceeds RCM length", len(frame))
	}
}

func TestExecute(t *testing.T) {
	for _, tc := range []struct {
		name        string
		payloadSize int
		wantWrites  int
	}{
		// 0x72a8 bytes of frame, padded to 8 chunks, plus one to end on the
		// high buffer.
		{"small", 0x100, 9},
		// 9 chunks, already ending on the high buffer.
		{"odd", PayloadHeadSize + 0x1000, 9},
		{"max", MaxPayloadSize, 49},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := devicestest.New()
			h := acquire(t, f)

			payload := bytes.Repeat([]byte{0x42}, tc.payloadSize)
			if err := Execute(context.Background(), h, testRelocator, payload); err != nil {
				t.Fatalf("Execute: %v", err)
			}

			writes := f.Writes()
			if want, got := tc.wantWrites, len(writes); want != got {
				t.Fatalf("wanted %d writes, got %d", want, got)
			}
			for i, w := range writes {
				if len(w) != ChunkSize {
					t.Fatalf("write %d is 0x%x bytes", i, len(w))
				}
			}

			frame, _ := BuildFrame(testRelocator, payload)
			written := f.Written()
			if !bytes.Equal(written[:len(frame)], frame) {
				t.Fatalf("written data differs from frame")
			}
			if !bytes.Equal(written[len(frame):], make([]byte, len(written)-len(frame))) {
				t.Fatalf("buffer switch write not zero")
			}

			controls := f.Controls()
			if len(controls) != 1 {
				t.Fatalf("wanted one control request, got %d", len(controls))
			}
			if want, got := (devicestest.Control{RType: 0x82, Request: 0, Length: 0x7000}), controls[0]; want != got {
				t.Fatalf("wanted trigger %+v, got %+v", want, got)
			}
		})
	}
}

func TestExecuteTriggerTimeout(t *testing.T) {
	f := devicestest.New()
	f.ControlErr = devices.ErrTimeout
	h := acquire(t, f)

	if err := Execute(context.Background(), h, testRelocator, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Execute should treat trigger timeout as success, got %v", err)
	}
}

func TestExecuteTriggerFailure(t *testing.T) {
	f := devicestest.New()
	f.ControlErr = devices.ErrNoDevice
	h := acquire(t, f)

	err := Execute(context.Background(), h, testRelocator, []byte{1, 2, 3})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("wanted TransferFailed, got %v", err)
	}
	if !errors.Is(err, devices.ErrNoDevice) {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestExecuteWriteFailure(t *testing.T) {
	f := devicestest.New()
	f.WriteErrAt = 3
	h := acquire(t, f)

	err := Execute(context.Background(), h, testRelocator, []byte{1, 2, 3})
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindTransferFailed {
		t.Fatalf("wanted TransferFailed, got %v", err)
	}
	if want, got := 3*ChunkSize, e.Offset; want != got {
		t.Fatalf("wanted offset 0x%x, got 0x%x", want, got)
	}
	if n := len(f.Controls()); n != 0 {
		t.Fatalf("trigger sent after failed write")
	}
}

func TestExecuteCancelled(t *testing.T) {
	f := devicestest.New()
	h := acquire(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Execute(ctx, h, testRelocator, []byte{1, 2, 3})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("wanted Cancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause lost: %v", err)
	}
	if n := len(f.Writes()); n != 0 {
		t.Fatalf("%d writes issued after cancellation", n)
	}
}
