package session

import (
	"fmt"

	"github.com/freemyipod/nuggetzone/pkg/devices"
)

// Requirement is what a flow needs from a session to be usable.
type Requirement struct {
	Kind          devices.Kind
	InterfaceKind devices.InterfaceKind
	// Manufacturer, if set, must match the device's USB manufacturer string.
	// This tells an exploited WTF apart from a stock one.
	Manufacturer string
}

// Classify checks the session against a requirement, returning a
// ClassificationError on mismatch. Mismatches are never retried.
func (s *Session) Classify(r Requirement) error {
	m, _ := s.Manufacturer()
	fail := func(format string, a ...any) error {
		return &ClassificationError{
			Want:         r,
			Got:          s.Descriptor,
			Manufacturer: m,
			Reason:       fmt.Sprintf(format, a...),
		}
	}

	if r.Manufacturer != "" {
		if s.Descriptor.InterfaceKind != r.InterfaceKind || m != r.Manufacturer {
			return fail("not in %s mode with manufacturer %q", r.InterfaceKind, r.Manufacturer)
		}
	}
	if s.Descriptor.InterfaceKind != r.InterfaceKind {
		return fail("not in %s mode", r.InterfaceKind)
	}
	if s.Descriptor.Kind != r.Kind {
		return fail("not an iPod %s", r.Kind)
	}
	return nil
}
