// Package sessiontest provides in-memory fakes of the device-control
// capability for tests.
package sessiontest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/freemyipod/nuggetzone/pkg/cache"
	"github.com/freemyipod/nuggetzone/pkg/compression"
	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

// NewControl returns a Control pretending to be a device of the given kind in
// the given mode.
func NewControl(kind devices.Kind, ik devices.InterfaceKind, manufacturer string) *Control {
	desc, _ := kind.Description()
	return &Control{
		Descriptor: devices.Descriptor{
			VID:             devices.AppleVID,
			PID:             desc.PIDs[ik],
			UpdaterFamilyID: desc.UpdaterFamilyID,
			Kind:            kind,
			InterfaceKind:   ik,
		},
		Strings: devices.StringDescriptors{
			Manufacturer: manufacturer,
			Product:      "iPod",
		},
		BlockSize: 0x40,
		Fail:      make(map[string]error),
	}
}

// Control records every call made to it. Calls fail with the error set in
// Fail for their name (eg. "ReadMemory", or "PreparePayload(wtf-defanged)" for
// payload calls).
type Control struct {
	Descriptor devices.Descriptor
	Strings    devices.StringDescriptors
	BlockSize  int
	// Memory overrides the default memory contents, which are the
	// little-endian address of each word.
	Memory func(addr uint32) ([]byte, error)
	// Block, if set, is received from before every call returns.
	Block chan struct{}

	mu       sync.Mutex
	Fail     map[string]error
	calls    []string
	reads    []uint32
	inFlight int
	overlap  bool
	closed   bool
}

func (c *Control) enter(op string) error {
	c.mu.Lock()
	c.calls = append(c.calls, op)
	c.inFlight += 1
	if c.inFlight > 1 {
		c.overlap = true
	}
	err := c.Fail[op]
	c.mu.Unlock()
	if c.Block != nil {
		<-c.Block
	}
	return err
}

func (c *Control) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight -= 1
}

// SetFail makes op fail with err from now on. A nil err clears the failure.
func (c *Control) SetFail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.Fail, op)
		return
	}
	c.Fail[op] = err
}

// Calls returns the names of all calls made so far, in order.
func (c *Control) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Reads returns the addresses of all ReadMemory calls made so far.
func (c *Control) Reads() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.reads...)
}

// Overlapped returns whether two calls were ever in flight at once.
func (c *Control) Overlapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlap
}

func (c *Control) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Control) Describe(ctx context.Context) (devices.Descriptor, error) {
	defer c.leave()
	if err := c.enter("Describe"); err != nil {
		return devices.Descriptor{}, err
	}
	return c.Descriptor, nil
}

func (c *Control) StringDescriptors(ctx context.Context) (devices.StringDescriptors, error) {
	defer c.leave()
	if err := c.enter("StringDescriptors"); err != nil {
		return devices.StringDescriptors{}, err
	}
	return c.Strings, nil
}

func (c *Control) PrepareLink(ctx context.Context) error {
	defer c.leave()
	return c.enter("PrepareLink")
}

func (c *Control) TriggerModeSwitchExploit(ctx context.Context) error {
	defer c.leave()
	return c.enter("TriggerModeSwitchExploit")
}

func (c *Control) ReadMemory(ctx context.Context, addr uint32) ([]byte, error) {
	defer c.leave()
	c.mu.Lock()
	c.reads = append(c.reads, addr)
	c.mu.Unlock()
	if err := c.enter("ReadMemory"); err != nil {
		return nil, err
	}
	if c.Memory != nil {
		return c.Memory(addr)
	}
	res := make([]byte, c.BlockSize)
	for i := 0; i+4 <= len(res); i += 4 {
		binary.LittleEndian.PutUint32(res[i:], addr+uint32(i))
	}
	return res, nil
}

func (c *Control) PreparePayload(ctx context.Context, kind cache.PayloadKind, onProgress func(float64)) error {
	defer c.leave()
	if err := c.enter(fmt.Sprintf("PreparePayload(%s)", kind)); err != nil {
		return err
	}
	onProgress(0.5)
	onProgress(1.0)
	return nil
}

func (c *Control) UploadPayload(ctx context.Context, kind cache.PayloadKind, onProgress func(float64)) error {
	defer c.leave()
	if err := c.enter(fmt.Sprintf("UploadPayload(%s)", kind)); err != nil {
		return err
	}
	onProgress(0.5)
	onProgress(1.0)
	return nil
}

func (c *Control) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Access offers a single device.
type Access struct {
	Control   *Control
	SelectErr error
	OpenErr   error

	mu    sync.Mutex
	vids  []uint16
	codec compression.Codec
}

// VIDs returns the vendor IDs Select was filtered by, in order.
func (a *Access) VIDs() []uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint16(nil), a.vids...)
}

func (a *Access) Select(ctx context.Context, vid uint16) (session.Candidate, error) {
	a.mu.Lock()
	a.vids = append(a.vids, vid)
	a.mu.Unlock()
	if a.SelectErr != nil {
		return session.Candidate{}, a.SelectErr
	}
	return session.Candidate{
		VID:     a.Control.Descriptor.VID,
		PID:     a.Control.Descriptor.PID,
		Bus:     1,
		Address: 7,
	}, nil
}

func (a *Access) Open(ctx context.Context, cand session.Candidate, codec compression.Codec) (session.Control, error) {
	a.mu.Lock()
	a.codec = codec
	a.mu.Unlock()
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	return a.Control, nil
}

// Codec returns the codec last passed to Open.
func (a *Access) Codec() compression.Codec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.codec
}

// Connect establishes a session against c, failing the test on error.
func Connect(t interface {
	Helper()
	Fatalf(string, ...any)
}, c *Control) *session.Session {
	t.Helper()
	s, err := session.Connect(context.Background(), &session.Capabilities{
		Access: &Access{Control: c},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}
