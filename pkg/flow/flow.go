// Package flow implements the exploit pipelines run against a connected
// device: dumping the bootrom, switching a DFU mode device into defanged WTF
// mode, and uploading a customized RetailOS from there.
//
// Every pipeline is a fixed sequence of steps reported through a
// progress.Tracker and run through a runner.Runner. A failure aborts the
// remaining steps; nothing done to the device is undone, and a retry always
// starts from the first step.
package flow

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/cache"
	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/progress"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

// Notification is emitted to the presentation layer when a flow reaches a
// milestone.
type Notification int

const (
	// Accepted is emitted once the operator accepts the disclaimer and device
	// access is available.
	Accepted Notification = iota
	// SwitchedToWTF is emitted once the defanged WTF has been uploaded. The
	// device re-enumerates and has to be connected to again.
	SwitchedToWTF
	// UploadComplete is emitted once the customized RetailOS is running.
	UploadComplete
)

func (n Notification) String() string {
	switch n {
	case Accepted:
		return "session-accepted"
	case SwitchedToWTF:
		return "switched-to-wtf"
	case UploadComplete:
		return "upload-complete"
	}
	return fmt.Sprintf("Notification(%d)", int(n))
}

// Notify receives notifications. It is called synchronously from the
// goroutine running the flow.
type Notify func(n Notification, caps *session.Capabilities)

// Config parametrizes the flows.
type Config struct {
	// Kind is the hardware the flows are built for.
	Kind devices.Kind
	// Manufacturer is the USB manufacturer string reported by defanged WTF.
	Manufacturer string

	BootromBase uint32
	BootromSize uint32
	// BlockSize is the number of bytes returned by a single memory read.
	BlockSize uint32
}

func DefaultConfig() Config {
	return Config{
		Kind:         devices.Nano7,
		Manufacturer: "freemyipod",
		BootromBase:  0x2000_0000,
		BootromSize:  0x10000,
		BlockSize:    0x40,
	}
}

// BootromName is the suggested file name for a saved bootrom dump.
func (c Config) BootromName() string {
	return fmt.Sprintf("bootrom-%s.bin", string(c.Kind))
}

// DFURequirement is what a session must satisfy for the dump and switch
// flows.
func (c Config) DFURequirement() session.Requirement {
	return session.Requirement{
		Kind:          c.Kind,
		InterfaceKind: devices.DFU,
	}
}

// WTFRequirement is what a session must satisfy for the CFW upload flow.
func (c Config) WTFRequirement() session.Requirement {
	return session.Requirement{
		Kind:          c.Kind,
		InterfaceKind: devices.WTF,
		Manufacturer:  c.Manufacturer,
	}
}

func (c Config) validate() error {
	if c.BlockSize == 0 || c.BootromSize == 0 || c.BootromSize%c.BlockSize != 0 {
		return fmt.Errorf("bootrom size 0x%x is not a multiple of block size 0x%x", c.BootromSize, c.BlockSize)
	}
	return nil
}

// locked runs fn while holding the session's run-lock.
func locked[T any](ctx context.Context, s *session.Session, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	release, err := s.Acquire()
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	glog.Infof("Starting %s on %s", name, s)
	res, err := fn(ctx)
	if err != nil {
		glog.Errorf("%s failed: %v", name, err)
	} else {
		glog.Infof("%s done", name)
	}
	return res, err
}

// prepareStep makes the device's payload cache obtain a payload, as a single
// progress step.
func prepareStep(ctx context.Context, p *progress.Tracker, c session.Control, kind cache.PayloadKind, description string) error {
	step := p.Step(description)
	if err := c.PreparePayload(ctx, kind, step.Set); err != nil {
		return err
	}
	step.Complete()
	return nil
}

// uploadStep uploads a payload to the device, as a single progress step.
func uploadStep(ctx context.Context, p *progress.Tracker, c session.Control, kind cache.PayloadKind, description string) error {
	step := p.Step(description)
	if err := c.UploadPayload(ctx, kind, step.Set); err != nil {
		return err
	}
	step.Complete()
	return nil
}

// Done is the value of flows that produce nothing.
type Done struct{}

// Accept is called once the operator accepted the disclaimer. It emits
// Accepted with the loaded capabilities, or fails if device access is
// unavailable on this host.
func Accept(caps *session.Capabilities, notify Notify) error {
	if caps == nil || caps.Access == nil {
		return &session.PreconditionError{Err: session.ErrNoDeviceAccess}
	}
	if notify != nil {
		notify(Accepted, caps)
	}
	return nil
}
