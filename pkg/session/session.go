// Package session establishes a connection to a device through a
// device-control capability, identifies it, and guards it against concurrent
// use.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/cache"
	"github.com/freemyipod/nuggetzone/pkg/compression"
	"github.com/freemyipod/nuggetzone/pkg/devices"
)

// Candidate is a device offered by an Access for selection.
type Candidate struct {
	VID     uint16
	PID     uint16
	Bus     int
	Address int
}

func (c Candidate) String() string {
	return fmt.Sprintf("%03d:%03d %04x:%04x", c.Bus, c.Address, c.VID, c.PID)
}

// Access is the device enumeration half of the device-control capability.
type Access interface {
	// Select has the operator pick a device among those with the given vendor
	// ID. It returns ErrSelectionCancelled if they decline.
	Select(ctx context.Context, vid uint16) (Candidate, error)
	// Open binds a Control to a selected device. codec is the host's Tiano
	// codec for rebuilding firmware, and may be nil.
	Open(ctx context.Context, c Candidate, codec compression.Codec) (Control, error)
}

// Control is a handle to a single physical device. Calls must not overlap;
// Session serializes them.
type Control interface {
	Describe(ctx context.Context) (devices.Descriptor, error)
	StringDescriptors(ctx context.Context) (devices.StringDescriptors, error)
	// PrepareLink claims the device's control interface and, in DFU mode,
	// runs the link preparation exploit.
	PrepareLink(ctx context.Context) error
	TriggerModeSwitchExploit(ctx context.Context) error
	// ReadMemory returns one block of device memory starting at addr.
	ReadMemory(ctx context.Context, addr uint32) ([]byte, error)
	PreparePayload(ctx context.Context, kind cache.PayloadKind, onProgress func(float64)) error
	UploadPayload(ctx context.Context, kind cache.PayloadKind, onProgress func(float64)) error
	Close() error
}

// Capabilities are the collaborators loaded once at startup and passed to
// Connect. Either may be nil if unavailable on this host.
type Capabilities struct {
	Access      Access
	Compression compression.Codec
}

// Session is a connected, identified device.
type Session struct {
	// Descriptor does not change for the lifetime of the session.
	Descriptor devices.Descriptor

	manufacturer    string
	hasManufacturer bool

	control *serialControl
	run     sync.Mutex
}

// Manufacturer returns the USB manufacturer string of the device. ok is false
// for devices in disk mode, where it is not read.
func (s *Session) Manufacturer() (manufacturer string, ok bool) {
	return s.manufacturer, s.hasManufacturer
}

// Control returns the device handle. Calls through it are serialized and
// their failures are returned as CollaboratorErrors.
func (s *Session) Control() Control {
	return s.control
}

// Acquire takes the session's run-lock, which orchestrators hold for the
// duration of a run. It fails with ErrBusy instead of blocking.
func (s *Session) Acquire() (release func(), err error) {
	if !s.run.TryLock() {
		return nil, &PreconditionError{Err: ErrBusy}
	}
	return s.run.Unlock, nil
}

func (s *Session) Close() error {
	return s.control.Close()
}

func (s *Session) String() string {
	if m, ok := s.Manufacturer(); ok {
		return fmt.Sprintf("%s, manufacturer %q", s.Descriptor, m)
	}
	return s.Descriptor.String()
}

// Connect has the operator select a device, opens it, and identifies it.
func Connect(ctx context.Context, caps *Capabilities) (*Session, error) {
	if caps == nil || caps.Access == nil {
		return nil, &PreconditionError{Err: ErrNoDeviceAccess}
	}

	cand, err := caps.Access.Select(ctx, devices.AppleVID)
	if err != nil {
		if errors.Is(err, ErrSelectionCancelled) {
			return nil, err
		}
		return nil, collaborator("Select", err)
	}
	glog.Infof("Selected device %s", cand)

	c, err := caps.Access.Open(ctx, cand, caps.Compression)
	if err != nil {
		return nil, collaborator("Open", err)
	}
	s := &Session{
		control: &serialControl{c: c},
	}
	if err := s.identify(ctx); err != nil {
		if cerr := c.Close(); cerr != nil {
			glog.Warningf("Closing %s after failed identification: %v", cand, cerr)
		}
		return nil, err
	}
	glog.Infof("Connected to %s", s)
	return s, nil
}

func (s *Session) identify(ctx context.Context) error {
	desc, err := s.control.Describe(ctx)
	if err != nil {
		return err
	}
	if err := desc.Validate(); err != nil {
		return collaborator("Describe", err)
	}
	s.Descriptor = desc

	if desc.InterfaceKind == devices.Disk {
		return nil
	}
	if err := s.control.PrepareLink(ctx); err != nil {
		return err
	}
	strs, err := s.control.StringDescriptors(ctx)
	if err != nil {
		return err
	}
	s.manufacturer = strs.Manufacturer
	s.hasManufacturer = true
	return nil
}

// serialControl makes sure at most one call is in flight against the wrapped
// Control.
type serialControl struct {
	mu sync.Mutex
	c  Control
}

func (s *serialControl) Describe(ctx context.Context) (devices.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.c.Describe(ctx)
	return d, collaborator("Describe", err)
}

func (s *serialControl) StringDescriptors(ctx context.Context) (devices.StringDescriptors, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.c.StringDescriptors(ctx)
	return d, collaborator("StringDescriptors", err)
}

func (s *serialControl) PrepareLink(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return collaborator("PrepareLink", s.c.PrepareLink(ctx))
}

func (s *serialControl) TriggerModeSwitchExploit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return collaborator("TriggerModeSwitchExploit", s.c.TriggerModeSwitchExploit(ctx))
}

func (s *serialControl) ReadMemory(ctx context.Context, addr uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.c.ReadMemory(ctx, addr)
	return data, collaborator("ReadMemory", err)
}

func (s *serialControl) PreparePayload(ctx context.Context, kind cache.PayloadKind, onProgress func(float64)) error {
	if !kind.Valid() {
		return collaborator("PreparePayload", fmt.Errorf("unknown payload kind %q", kind))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return collaborator("PreparePayload", s.c.PreparePayload(ctx, kind, onProgress))
}

func (s *serialControl) UploadPayload(ctx context.Context, kind cache.PayloadKind, onProgress func(float64)) error {
	if !kind.Valid() {
		return collaborator("UploadPayload", fmt.Errorf("unknown payload kind %q", kind))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return collaborator("UploadPayload", s.c.UploadPayload(ctx, kind, onProgress))
}

func (s *serialControl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Close()
}
