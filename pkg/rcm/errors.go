package rcm

import (
	"errors"
	"fmt"
)

// Kind classifies failures of acquiring a device or running the exploit.
type Kind int

const (
	KindDeviceBusy Kind = iota + 1
	KindInterfaceNotFound
	KindClaimFailed
	KindEndpointNotFound
	KindAlreadyAcquired
	KindPayloadTooLarge
	KindTransferFailed
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindDeviceBusy:
		return "DeviceBusy"
	case KindInterfaceNotFound:
		return "InterfaceNotFound"
	case KindClaimFailed:
		return "ClaimFailed"
	case KindEndpointNotFound:
		return "EndpointNotFound"
	case KindAlreadyAcquired:
		return "AlreadyAcquired"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindTransferFailed:
		return "TransferFailed"
	case KindCancelled:
		return "Cancelled"
	}
	return "UNKNOWN"
}

// Error is returned by Acquire and Execute.
type Error struct {
	Kind Kind
	// Offset is the number of frame bytes sent before a transfer failed or was
	// cancelled.
	Offset int
	Err    error
}

// Sentinels usable with errors.Is. They match any *Error of the same Kind.
var (
	ErrDeviceBusy        = &Error{Kind: KindDeviceBusy}
	ErrInterfaceNotFound = &Error{Kind: KindInterfaceNotFound}
	ErrClaimFailed       = &Error{Kind: KindClaimFailed}
	ErrEndpointNotFound  = &Error{Kind: KindEndpointNotFound}
	ErrAlreadyAcquired   = &Error{Kind: KindAlreadyAcquired}
	ErrPayloadTooLarge   = &Error{Kind: KindPayloadTooLarge}
	ErrTransferFailed    = &Error{Kind: KindTransferFailed}
	ErrCancelled         = &Error{Kind: KindCancelled}
)

// ErrReleased is returned when using a Handle after Release.
var ErrReleased = errors.New("handle already released")

func (e *Error) message() string {
	switch e.Kind {
	case KindDeviceBusy:
		return "device not found or busy"
	case KindInterfaceNotFound:
		return "device does not expose the RCM interface, is it really a Tegra in recovery mode?"
	case KindClaimFailed:
		return "could not claim RCM interface, is another program using the device?"
	case KindEndpointNotFound:
		return "RCM interface lacks bulk endpoints, is it really a Tegra in recovery mode?"
	case KindAlreadyAcquired:
		return "device already in use by another boot attempt"
	case KindPayloadTooLarge:
		return "image too large"
	case KindTransferFailed:
		return fmt.Sprintf("transfer failed at offset 0x%x, unplug the device and retry", e.Offset)
	case KindCancelled:
		return "cancelled"
	}
	return "unknown error"
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.message()
	}
	return fmt.Sprintf("%s: %v", e.message(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable is true for transient conditions where trying the same device
// again might succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindDeviceBusy
}

func newError(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// KindOf returns the Kind of err, or zero if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
