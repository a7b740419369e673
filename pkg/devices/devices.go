// Package devices describes the iPod models nuggetzone knows about and the
// USB personalities they expose.
package devices

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

// AppleVID is the USB vendor ID shared by every supported device, in every
// mode.
const AppleVID uint16 = 0x05ac

type Kind string

const (
	Nano3 Kind = "n3g"
	Nano4 Kind = "n4g"
	Nano5 Kind = "n5g"
	Nano6 Kind = "n6g"
	Nano7 Kind = "n7g"
)

// InterfaceKind is the mode the device is currently enumerated in.
type InterfaceKind string

const (
	// DFU is the bootrom recovery mode, entered by a button sequence.
	DFU InterfaceKind = "dfu"
	// WTF is the second stage recovery mode, running a (possibly defanged)
	// WTF image uploaded over DFU.
	WTF InterfaceKind = "wtf"
	// Disk is the retail mode, where the device presents itself as mass
	// storage.
	Disk InterfaceKind = "diskmode"
)

func (k Kind) String() string {
	switch k {
	case Nano3:
		return "Nano 3G"
	case Nano4:
		return "Nano 4G"
	case Nano5:
		return "Nano 5G"
	case Nano6:
		return "Nano 6G"
	case Nano7:
		return "Nano 7G"
	}
	return "UNKNOWN"
}

func (k Kind) SoCCode() string {
	switch k {
	case Nano3:
		return "8702"
	case Nano4:
		return "8720"
	case Nano5:
		return "8730"
	case Nano6:
		return "8723"
	case Nano7:
		return "8740"
	}
	return "INVL"
}

type DFUProtoVersion int

const (
	// DFUProtoVersion1 images carry an inverted CRC32 trailer.
	DFUProtoVersion1 DFUProtoVersion = 1
	DFUProtoVersion2 DFUProtoVersion = 2
)

func (k Kind) DFUVersion() DFUProtoVersion {
	switch k {
	case Nano3:
		return DFUProtoVersion1
	default:
		return DFUProtoVersion2
	}
}

// Description returns the table entry for this kind. ok is false for kinds
// outside of Descriptions.
func (k Kind) Description() (d Description, ok bool) {
	for _, d := range Descriptions {
		if d.Kind == k {
			return d, true
		}
	}
	return Description{}, false
}

func (k Kind) Valid() bool {
	_, ok := k.Description()
	return ok
}

func (i InterfaceKind) Valid() bool {
	switch i {
	case DFU, WTF, Disk:
		return true
	}
	return false
}

// ParseKind converts a wire string into a Kind, rejecting anything outside of
// the supported set.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown device kind %q", s)
	}
	return k, nil
}

// ParseInterfaceKind converts a wire string into an InterfaceKind, rejecting
// anything outside of the supported set.
func ParseInterfaceKind(s string) (InterfaceKind, error) {
	i := InterfaceKind(s)
	if !i.Valid() {
		return "", fmt.Errorf("unknown interface kind %q", s)
	}
	return i, nil
}

type Description struct {
	VID             uint16
	PIDs            map[InterfaceKind]uint16
	UpdaterFamilyID int
	Kind            Kind
}

var Descriptions = []Description{
	{
		VID: AppleVID,
		PIDs: map[InterfaceKind]uint16{
			DFU:  0x1223,
			WTF:  0x1242,
			Disk: 0x1262,
		},
		UpdaterFamilyID: 26,
		Kind:            Nano3,
	},
	{
		VID: AppleVID,
		PIDs: map[InterfaceKind]uint16{
			DFU:  0x1225,
			WTF:  0x1243,
			Disk: 0x1263,
		},
		UpdaterFamilyID: 31,
		Kind:            Nano4,
	},
	{
		VID: AppleVID,
		PIDs: map[InterfaceKind]uint16{
			DFU:  0x1231,
			WTF:  0x1246,
			Disk: 0x1265,
		},
		UpdaterFamilyID: 34,
		Kind:            Nano5,
	},
	{
		VID: AppleVID,
		PIDs: map[InterfaceKind]uint16{
			DFU:  0x1232,
			WTF:  0x1248,
			Disk: 0x1266,
		},
		UpdaterFamilyID: 36,
		Kind:            Nano6,
	},
	{
		VID: AppleVID,
		PIDs: map[InterfaceKind]uint16{
			DFU:  0x1234,
			WTF:  0x1249,
			Disk: 0x1267,
		},
		UpdaterFamilyID: 37,
		Kind:            Nano7,
	},
}

// Lookup finds the device description and mode matching a USB VID/PID pair.
func Lookup(vid, pid uint16) (*Description, InterfaceKind, bool) {
	for i := range Descriptions {
		desc := &Descriptions[i]
		if desc.VID != vid {
			continue
		}
		for ik, dpid := range desc.PIDs {
			if dpid == pid {
				return desc, ik, true
			}
		}
	}
	return nil, "", false
}

// InterfaceKinds returns the PID-keyed modes of a description in a stable
// order.
func (d *Description) InterfaceKinds() []InterfaceKind {
	res := maps.Keys(d.PIDs)
	slices.Sort(res)
	return res
}

// Descriptor is what a connected device reports about itself. It does not
// change for the lifetime of a session.
type Descriptor struct {
	VID             uint16
	PID             uint16
	UpdaterFamilyID int
	Kind            Kind
	InterfaceKind   InterfaceKind
}

// Validate checks that the descriptor only carries values from the closed
// Kind and InterfaceKind sets.
func (d Descriptor) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown device kind %q", d.Kind)
	}
	if !d.InterfaceKind.Valid() {
		return fmt.Errorf("unknown interface kind %q", d.InterfaceKind)
	}
	return nil
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s over %s (%04x:%04x)", d.Kind, d.InterfaceKind, d.VID, d.PID)
}

// StringDescriptors are the USB string descriptors the session cares about.
type StringDescriptors struct {
	Manufacturer string
	Product      string
}
