// Package cache obtains and persists the payloads uploaded to devices:
// upstream images from Apple, and images derived from them by decryption,
// defanging or customization.
package cache

import (
	"bytes"
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/compression"
	"github.com/freemyipod/nuggetzone/pkg/devices"
)

// Checkpoint lets a long-running decryption persist partial results, so that
// a restarted transfer can resume.
type Checkpoint struct {
	store FS
	path  string
}

// Load returns previously saved partial results, or nil if there are none.
func (c *Checkpoint) Load() []byte {
	if c == nil {
		return nil
	}
	if exists, err := c.store.Exists(c.path); err != nil || !exists {
		return nil
	}
	data, err := c.store.ReadFile(c.path)
	if err != nil {
		return nil
	}
	return data
}

func (c *Checkpoint) Save(data []byte) error {
	if c == nil {
		return nil
	}
	return c.store.WriteFile(c.path, data)
}

// Decrypter decrypts encrypted images using a connected device.
type Decrypter interface {
	Decrypt(ctx context.Context, encrypted []byte, cp *Checkpoint, progress func(float64)) ([]byte, error)
}

// Defanger takes a decrypted WTF and returns it with security checks
// disabled.
type Defanger func(ctx context.Context, codec compression.Codec, decrypted []byte) ([]byte, error)

// Target is the device a payload is obtained for.
type Target struct {
	Kind devices.Kind
	// Decrypter is required for decrypted payloads.
	Decrypter Decrypter
	// Codec is handed to defangers that rebuild compressed volumes. It may be
	// nil if the host has none.
	Codec compression.Codec
}

type Cache struct {
	Store     FS
	Upstream  *Phobos
	Defangers map[devices.Kind]Defanger
}

// Get returns a payload for a device, obtaining it and any payloads it is
// derived from if they are not yet in the store. progress, if set, reports
// the completion of the final stage only.
func (c *Cache) Get(ctx context.Context, t Target, payload PayloadKind, progress func(float64)) ([]byte, error) {
	if !payload.Obtainable() {
		return nil, fmt.Errorf("don't know how to get a %s", payload)
	}
	if payload == PayloadKindRetailOSCustomized {
		// Not cached.
		return c.retailOSCustomized(ctx, t)
	}

	url := ""
	if payload.Upstream() {
		if c.Upstream == nil {
			return nil, fmt.Errorf("no upstream configured for %s", payload)
		}
		var err error
		url, err = c.Upstream.URLFor(ctx, payload, t.Kind)
		if err != nil {
			return nil, err
		}
	}

	fspath := pathFor(&t.Kind, payload, url)
	if exists, err := c.Store.Exists(fspath); err == nil && exists {
		glog.Infof("Using cached %s %s at %s", t.Kind, payload, fspath)
		if progress != nil {
			progress(1.0)
		}
		return c.Store.ReadFile(fspath)
	}
	glog.Infof("No cached %s %s, performing slow action...", t.Kind, payload)

	var data []byte
	var err error
	switch {
	case payload.Upstream():
		data, err = c.Upstream.Fetch(ctx, payload, url, progress)
	case payload == PayloadKindWTFDefanged:
		data, err = c.wtfDefanged(ctx, t)
	default:
		data, err = c.decrypted(ctx, t, payload, progress)
	}
	if err != nil {
		return nil, err
	}

	if err := c.Store.WriteFile(fspath, data); err != nil {
		return nil, fmt.Errorf("could not write %s: %w", payload, err)
	}
	return data, nil
}

// Prepare makes sure a payload is in the store.
func (c *Cache) Prepare(ctx context.Context, t Target, payload PayloadKind, progress func(float64)) error {
	_, err := c.Get(ctx, t, payload, progress)
	return err
}

func (c *Cache) decrypted(ctx context.Context, t Target, payload PayloadKind, progress func(float64)) ([]byte, error) {
	d, ok := decryptions[payload]
	if !ok {
		return nil, fmt.Errorf("don't know how to get a %s", payload)
	}
	if t.Decrypter == nil {
		return nil, fmt.Errorf("cannot decrypt %s without a device", d.name)
	}
	encrypted, err := c.Get(ctx, t, d.from, nil)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		store: c.Store,
		path:  pathFor(&t.Kind, d.checkpoint, ""),
	}
	decrypted, err := t.Decrypter.Decrypt(ctx, encrypted, cp, progress)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt %s: %w", d.name, err)
	}
	if err := c.Store.Remove(cp.path); err != nil {
		glog.Warningf("Could not remove %s checkpoint: %v", d.name, err)
	}
	return decrypted, nil
}

func (c *Cache) wtfDefanged(ctx context.Context, t Target) ([]byte, error) {
	defanger, ok := c.Defangers[t.Kind]
	if !ok {
		return nil, fmt.Errorf("don't know how to defang a %s", t.Kind)
	}
	decrypted, err := c.Get(ctx, t, PayloadKindWTFDecrypted, nil)
	if err != nil {
		return nil, err
	}
	defanged, err := defanger(ctx, t.Codec, decrypted)
	if err != nil {
		return nil, fmt.Errorf("defanging failed: %w", err)
	}
	return defanged, nil
}

var (
	customizeFrom = []byte("Eject before disconnecting\x00")
	customizeTo   = []byte("freemyipod\x00")
)

// Customize rebrands the USB connection screen of a decrypted RetailOS. The
// replacement is padded so that no offsets in the image change.
func Customize(decrypted []byte) []byte {
	to := make([]byte, len(customizeFrom))
	copy(to, customizeTo)
	return bytes.ReplaceAll(decrypted, customizeFrom, to)
}

func (c *Cache) retailOSCustomized(ctx context.Context, t Target) ([]byte, error) {
	decrypted, err := c.Get(ctx, t, PayloadKindRetailOSDecrypted, nil)
	if err != nil {
		return nil, err
	}
	return Customize(decrypted), nil
}
