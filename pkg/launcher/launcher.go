// Package launcher drives a single boot attempt against a device: acquiring
// it, running the exploit, and releasing it again no matter how the attempt
// ends.
package launcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/nxboot/nxboot/pkg/devices"
	"github.com/nxboot/nxboot/pkg/rcm"
)

type State int

const (
	Idle State = iota
	Acquiring
	Transferring
	Cancelling
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Transferring:
		return "transferring"
	case Cancelling:
		return "cancelling"
	case Done:
		return "done"
	}
	return "UNKNOWN"
}

// ErrAlreadyUsed is returned by Boot on a controller that has already been
// booted. Every attempt needs a fresh Controller.
var ErrAlreadyUsed = errors.New("controller already used")

type Option func(c *Controller)

// OnStateChange registers a function called on every state transition. It is
// called with the controller locked, and must not call back into it.
func OnStateChange(fn func(State)) Option {
	return func(c *Controller) {
		c.onState = fn
	}
}

// ControlTimeout bounds control transfers to the device, most notably the one
// triggering the payload, which the bootROM never completes.
func ControlTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.controlTimeout = d
	}
}

// Controller runs one boot attempt. It is safe to call Cancel, State and Err
// from other goroutines while Boot runs.
type Controller struct {
	onState        func(State)
	controlTimeout time.Duration

	mu     sync.Mutex
	state  State
	used   bool
	cancel context.CancelFunc
	err    error
}

func New(opts ...Option) *Controller {
	c := &Controller{}
	for _, o := range opts {
		o(c)
	}
	return c
}

// setState must be called with mu held.
func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	glog.V(1).Infof("Controller: %s -> %s", c.state, s)
	c.state = s
	if c.onState != nil {
		c.onState(s)
	}
}

// Boot acquires dev, sends relocator and image to it, and releases it. The
// transfer runs on its own goroutine, Boot waits for it to finish. By the time
// Boot returns the controller is Done and the device has been released.
//
// Cancelling ctx has the same effect as calling Cancel.
func (c *Controller) Boot(ctx context.Context, dev *devices.Device, relocator, image []byte) error {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return ErrAlreadyUsed
	}
	c.used = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState(Acquiring)
	c.mu.Unlock()
	defer cancel()

	errC := make(chan error, 1)
	go func() {
		errC <- c.run(ctx, dev, relocator, image)
	}()
	err := <-errC

	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	c.setState(Done)
	if err != nil {
		glog.Errorf("Booting %s failed: %v", dev, err)
	} else {
		glog.Infof("Booted %s", dev)
	}
	return err
}

func (c *Controller) run(ctx context.Context, dev *devices.Device, relocator, image []byte) error {
	h, err := rcm.Acquire(dev)
	if err != nil {
		return err
	}
	defer h.Release()
	if c.controlTimeout > 0 {
		if err := h.SetControlTimeout(c.controlTimeout); err != nil {
			glog.Warningf("Could not set control timeout: %v", err)
		}
	}

	c.mu.Lock()
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return &rcm.Error{Kind: rcm.KindCancelled, Err: err}
	}
	c.setState(Transferring)
	c.mu.Unlock()

	return rcm.Execute(ctx, h, relocator, image)
}

// Cancel asks a running Boot to stop at its next check point. It returns
// false if there is nothing to cancel.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Acquiring, Transferring:
	default:
		return false
	}
	c.setState(Cancelling)
	c.cancel()
	return true
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the outcome of Boot once Done. nil means the payload was
// triggered.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
