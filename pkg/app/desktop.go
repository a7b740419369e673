package app

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/freemyipod/nuggetzone/pkg/cache"
	"github.com/freemyipod/nuggetzone/pkg/compression"
	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

type desktopUsb struct {
	usb  *gousb.Device
	done func()
}

func (d *desktopUsb) UseDefaultInterface() error {
	if d.done != nil {
		d.done()
		d.done = nil
	}
	_, done, err := d.usb.DefaultInterface()
	if err != nil {
		return err
	}
	d.done = done
	return nil
}

func (d *desktopUsb) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	v, err := d.usb.Control(rType, request, val, idx, data)
	if err == gousb.ErrorTimeout {
		err = devices.ErrUsbTimeout
	}
	return v, err
}

func (d *desktopUsb) SetControlTimeout(dur time.Duration) error {
	d.usb.ControlTimeout = dur
	return nil
}

func (d *desktopUsb) GetStringDescriptor(descIndex int) (string, error) {
	return d.usb.GetStringDescriptor(descIndex)
}

func (d *desktopUsb) Close() error {
	if d.done != nil {
		d.done()
		d.done = nil
	}
	return d.usb.Close()
}

// Chooser has the operator pick one of the candidates. It returns
// session.ErrSelectionCancelled if they decline.
type Chooser func(ctx context.Context, candidates []session.Candidate) (session.Candidate, error)

// Desktop is the device access capability over libusb. It implements
// session.Access.
type Desktop struct {
	ctx      *gousb.Context
	Exploits Exploits
	Cache    *cache.Cache
	Chooser  Chooser
	// Wait is how long Select keeps polling for a device to show up, eg.
	// while one re-enumerates after a mode switch.
	Wait time.Duration
}

// NewDesktop initializes libusb.
func NewDesktop(exploits Exploits, c *cache.Cache, chooser Chooser) (*Desktop, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	return &Desktop{
		ctx:      ctx,
		Exploits: exploits,
		Cache:    c,
		Chooser:  chooser,
	}, nil
}

func (d *Desktop) Close() error {
	if err := d.ctx.Close(); err != nil {
		return fmt.Errorf("when closing context: %w", err)
	}
	return nil
}

// enumerate lists the connected devices with the given vendor ID without
// opening any of them.
func (d *Desktop) enumerate(vid uint16) ([]session.Candidate, error) {
	var res []session.Candidate
	_, err := d.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) == vid {
			res = append(res, session.Candidate{
				VID:     uint16(desc.Vendor),
				PID:     uint16(desc.Product),
				Bus:     desc.Bus,
				Address: desc.Address,
			})
		}
		return false
	})
	return res, err
}

func (d *Desktop) Select(ctx context.Context, vid uint16) (session.Candidate, error) {
	deadline := time.Now().Add(d.Wait)
	for {
		cands, err := d.enumerate(vid)
		if err != nil {
			return session.Candidate{}, fmt.Errorf("could not enumerate devices: %w", err)
		}
		if len(cands) > 0 {
			if d.Chooser == nil {
				return cands[0], nil
			}
			return d.Chooser(ctx, cands)
		}
		if !time.Now().Before(deadline) {
			return session.Candidate{}, fmt.Errorf("no device found")
		}
		glog.V(1).Infof("No device yet, waiting...")

		select {
		case <-ctx.Done():
			return session.Candidate{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (d *Desktop) Open(ctx context.Context, cand session.Candidate, codec compression.Codec) (session.Control, error) {
	devs, err := d.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == cand.Bus && desc.Address == cand.Address &&
			uint16(desc.Vendor) == cand.VID && uint16(desc.Product) == cand.PID
	})
	var errs error
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if len(devs) == 0 {
		if errs == nil {
			return nil, fmt.Errorf("device %s is gone", cand)
		}
		return nil, errs
	}
	for _, extra := range devs[1:] {
		if err := extra.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		glog.Warningf("Opening %s: %v", cand, errs)
	}

	usb := &desktopUsb{usb: devs[0]}
	dev, err := NewDevice(usb, cand.VID, cand.PID, d.Exploits, d.Cache)
	if err != nil {
		usb.Close()
		return nil, err
	}
	dev.Codec = codec
	return dev, nil
}

func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}
