package devices

import (
	"errors"
	"time"
)

// bmRequestType values for class requests to the default interface.
const (
	RequestTypeClassOut uint8 = 0x21
	RequestTypeClassIn  uint8 = 0xa1
)

// Usb is the transport to a single connected device, in whichever mode it is
// enumerated. Implementations are not safe for concurrent use.
type Usb interface {
	// UseDefaultInterface claims interface 0, which carries every control
	// transfer nuggetzone issues.
	UseDefaultInterface() error
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	SetControlTimeout(time.Duration) error
	GetStringDescriptor(descIndex int) (string, error)
	// Close releases the device. The Usb must not be used afterwards.
	Close() error
}

// ErrUsbTimeout is returned by Control when the device did not respond in
// time. Some exploits rely on provoking it.
var ErrUsbTimeout = errors.New("USB timeout error")
