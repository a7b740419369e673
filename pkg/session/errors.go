package session

import (
	"errors"
	"fmt"

	"github.com/freemyipod/nuggetzone/pkg/devices"
)

var (
	// ErrNoDeviceAccess is returned by Connect when no device access
	// capability has been loaded.
	ErrNoDeviceAccess = errors.New("no device access support")
	// ErrSelectionCancelled is returned by Access implementations when the
	// operator declines to pick a device.
	ErrSelectionCancelled = errors.New("device selection cancelled")
	// ErrBusy is returned when another orchestrator is already running against
	// the session.
	ErrBusy = errors.New("another operation is already running on this device")
)

// PreconditionError means an operation was attempted in a state where it
// cannot run, eg. saving a bootrom before one was dumped.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string {
	return e.Err.Error()
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// Preconditionf returns a PreconditionError with a formatted message.
func Preconditionf(format string, a ...any) error {
	return &PreconditionError{Err: fmt.Errorf(format, a...)}
}

// ClassificationError means the connected device is not the one a flow
// requires.
type ClassificationError struct {
	Want         Requirement
	Got          devices.Descriptor
	Manufacturer string
	Reason       string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("connected to %s with manufacturer %q: %s", e.Got, e.Manufacturer, e.Reason)
}

// CollaboratorError is a failure surfaced from a device-control or
// compression capability. Its message is that of the underlying error,
// unmodified.
type CollaboratorError struct {
	// Op is the capability call that failed.
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// collaborator wraps err in a CollaboratorError unless it already carries one
// of the taxonomy types.
func collaborator(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CollaboratorError
	var pe *PreconditionError
	var cle *ClassificationError
	if errors.As(err, &ce) || errors.As(err, &pe) || errors.As(err, &cle) {
		return err
	}
	return &CollaboratorError{Op: op, Err: err}
}
