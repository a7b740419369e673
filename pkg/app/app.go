// Package app implements the device-control capability on top of a devices.Usb
// transport, a payload cache, and per-kind exploit primitives.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/cache"
	"github.com/freemyipod/nuggetzone/pkg/compression"
	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/dfu"
)

var ErrNoExploit = errors.New("no exploit available for this device")

// Exploit is the set of bootrom/WTF exploit primitives for one kind of device.
type Exploit interface {
	// Prepare readies a DFU mode device for the other primitives.
	Prepare(usb devices.Usb) error
	// HaxDFU makes a DFU mode device accept unsigned images.
	HaxDFU(usb devices.Usb) error
	// DumpMem reads one block of memory at addr.
	DumpMem(usb devices.Usb, addr uint32) ([]byte, error)
	// Decrypt decrypts an image using the device's hardware key.
	Decrypt(ctx context.Context, usb devices.Usb, encrypted []byte, cp *cache.Checkpoint, progress func(float64)) ([]byte, error)
}

// Exploits are the exploit primitives registered per device kind.
type Exploits map[devices.Kind]Exploit

// Device is a connected iPod. It implements session.Control.
type Device struct {
	Usb           devices.Usb
	Desc          *devices.Description
	InterfaceKind devices.InterfaceKind
	PID           uint16
	// Ep is nil if no exploit is registered for this kind.
	Ep    Exploit
	Cache *cache.Cache
	// Codec is used to rebuild compressed firmware volumes. It may be nil.
	Codec compression.Codec
}

// NewDevice identifies a device from its USB IDs.
func NewDevice(usb devices.Usb, vid, pid uint16, exploits Exploits, c *cache.Cache) (*Device, error) {
	desc, ik, ok := devices.Lookup(vid, pid)
	if !ok {
		return nil, fmt.Errorf("unknown kind of device %04x:%04x", vid, pid)
	}
	return &Device{
		Usb:           usb,
		Desc:          desc,
		InterfaceKind: ik,
		PID:           pid,
		Ep:            exploits[desc.Kind],
		Cache:         c,
	}, nil
}

func (d *Device) exploit() (Exploit, error) {
	if d.Ep == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExploit, d.Desc.Kind)
	}
	return d.Ep, nil
}

func (d *Device) Describe(ctx context.Context) (devices.Descriptor, error) {
	return devices.Descriptor{
		VID:             d.Desc.VID,
		PID:             d.PID,
		UpdaterFamilyID: d.Desc.UpdaterFamilyID,
		Kind:            d.Desc.Kind,
		InterfaceKind:   d.InterfaceKind,
	}, nil
}

func (d *Device) StringDescriptors(ctx context.Context) (devices.StringDescriptors, error) {
	var res devices.StringDescriptors
	var err error
	res.Manufacturer, err = d.Usb.GetStringDescriptor(1)
	if err != nil {
		return res, fmt.Errorf("could not get manufacturer: %w", err)
	}
	res.Product, err = d.Usb.GetStringDescriptor(2)
	if err != nil {
		return res, fmt.Errorf("could not get product: %w", err)
	}
	return res, nil
}

func (d *Device) PrepareLink(ctx context.Context) error {
	if d.InterfaceKind == devices.Disk {
		return nil
	}
	if err := d.Usb.UseDefaultInterface(); err != nil {
		return err
	}
	if d.InterfaceKind == devices.DFU {
		ep, err := d.exploit()
		if err != nil {
			return err
		}
		if err := ep.Prepare(d.Usb); err != nil {
			return fmt.Errorf("failed to prepare exploit: %w", err)
		}
	}
	return nil
}

func (d *Device) TriggerModeSwitchExploit(ctx context.Context) error {
	ep, err := d.exploit()
	if err != nil {
		return err
	}
	if err := ep.HaxDFU(d.Usb); err != nil {
		return fmt.Errorf("failed to run mode switch exploit: %w", err)
	}
	return nil
}

func (d *Device) ReadMemory(ctx context.Context, addr uint32) ([]byte, error) {
	ep, err := d.exploit()
	if err != nil {
		return nil, err
	}
	data, err := ep.DumpMem(d.Usb, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dump 0x%08x: %w", addr, err)
	}
	return data, nil
}

// decrypter runs decryption on the device.
type decrypter struct {
	d *Device
}

func (dc decrypter) Decrypt(ctx context.Context, encrypted []byte, cp *cache.Checkpoint, progress func(float64)) ([]byte, error) {
	ep, err := dc.d.exploit()
	if err != nil {
		return nil, err
	}
	return ep.Decrypt(ctx, dc.d.Usb, encrypted, cp, progress)
}

func (d *Device) target() cache.Target {
	return cache.Target{
		Kind:      d.Desc.Kind,
		Decrypter: decrypter{d},
		Codec:     d.Codec,
	}
}

func (d *Device) PreparePayload(ctx context.Context, kind cache.PayloadKind, onProgress func(float64)) error {
	if d.Cache == nil {
		return fmt.Errorf("no payload cache")
	}
	return d.Cache.Prepare(ctx, d.target(), kind, onProgress)
}

func (d *Device) UploadPayload(ctx context.Context, kind cache.PayloadKind, onProgress func(float64)) error {
	if d.Cache == nil {
		return fmt.Errorf("no payload cache")
	}
	data, err := d.Cache.Get(ctx, d.target(), kind, nil)
	if err != nil {
		return fmt.Errorf("could not get %s: %w", kind, err)
	}
	glog.Infof("Uploading %s (%d bytes)...", kind, len(data))
	if err := dfu.SendImage(d.Usb, data, d.Desc.Kind.DFUVersion(), onProgress); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

func (d *Device) Close() error {
	return d.Usb.Close()
}
