package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/cache"
	"github.com/freemyipod/nuggetzone/pkg/progress"
	"github.com/freemyipod/nuggetzone/pkg/runner"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

// DFU holds the flows available for a device in DFU mode: dumping the bootrom
// and switching to defanged WTF. Both report into the same Progress.
type DFU struct {
	Progress *progress.Tracker
	// Dump yields the bootrom.
	Dump   *runner.Runner[[]byte]
	Switch *runner.Runner[Done]

	s      *session.Session
	cfg    Config
	notify Notify

	mu       sync.Mutex
	bootrom  []byte
	switched bool
}

// ForDFU returns the DFU flows for a session, or a ClassificationError if the
// session is not a device of the configured kind in DFU mode.
func ForDFU(s *session.Session, cfg Config, notify Notify) (*DFU, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := s.Classify(cfg.DFURequirement()); err != nil {
		return nil, err
	}
	d := &DFU{
		Progress: progress.NewTracker(),
		s:        s,
		cfg:      cfg,
		notify:   notify,
	}
	d.Dump = runner.New(d.dump)
	d.Switch = runner.New(d.switchToWTF)
	return d, nil
}

// Switched returns whether the device was switched to WTF mode, after which
// none of the DFU flows can run again.
func (d *DFU) Switched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.switched
}

// Bootrom returns the result of the last successful dump, or nil.
func (d *DFU) Bootrom() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootrom
}

func (d *DFU) setBootrom(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bootrom = b
}

// Saver persists a bootrom dump on explicit operator request.
type Saver interface {
	Save(ctx context.Context, suggestedName string, data []byte) error
}

// SaveBootrom hands the last dump to a Saver.
func (d *DFU) SaveBootrom(ctx context.Context, saver Saver) error {
	b := d.Bootrom()
	if len(b) == 0 {
		return session.Preconditionf("no bootrom dump")
	}
	if err := saver.Save(ctx, d.cfg.BootromName(), b); err != nil {
		return fmt.Errorf("could not save bootrom: %w", err)
	}
	return nil
}

func (d *DFU) checkNotSwitched() error {
	if d.Switched() {
		return session.Preconditionf("device already switched to WTF mode")
	}
	return nil
}

func (d *DFU) dump(ctx context.Context) ([]byte, error) {
	return locked(ctx, d.s, "bootrom dump", func(ctx context.Context) ([]byte, error) {
		if err := d.checkNotSwitched(); err != nil {
			return nil, err
		}
		d.setBootrom(nil)
		d.Progress.Reset()
		c := d.s.Control()

		step := d.Progress.Step("Running S5Late...")
		if err := c.PrepareLink(ctx); err != nil {
			return nil, err
		}
		step.Complete()

		step = d.Progress.Step("Dumping BootROM...")
		blocks := d.cfg.BootromSize / d.cfg.BlockSize
		buf := make([]byte, 0, d.cfg.BootromSize)
		for i := uint32(0); i < blocks; i++ {
			addr := d.cfg.BootromBase + i*d.cfg.BlockSize
			glog.V(2).Infof("Dumping 0x%08x...", addr)
			data, err := c.ReadMemory(ctx, addr)
			if err != nil {
				return nil, err
			}
			if uint32(len(data)) != d.cfg.BlockSize {
				return nil, &session.CollaboratorError{
					Op:  "ReadMemory",
					Err: fmt.Errorf("read at 0x%08x returned %d bytes, want %d", addr, len(data), d.cfg.BlockSize),
				}
			}
			buf = append(buf, data...)
			step.Set(float64(i+1) / float64(blocks))
		}
		step.Complete()

		d.setBootrom(buf)
		return buf, nil
	})
}

func (d *DFU) switchToWTF(ctx context.Context) (Done, error) {
	return locked(ctx, d.s, "switch to WTF", func(ctx context.Context) (Done, error) {
		if err := d.checkNotSwitched(); err != nil {
			return Done{}, err
		}
		d.Progress.Reset()
		c := d.s.Control()

		for _, p := range []struct {
			kind        cache.PayloadKind
			description string
		}{
			{cache.PayloadKindWTFUpstream, "Downloading WTF..."},
			{cache.PayloadKindWTFDecrypted, "Decrypting WTF..."},
			{cache.PayloadKindWTFDefanged, "Defanging WTF..."},
			{cache.PayloadKindRetailOSUpstream, "Downloading RetailOS..."},
			{cache.PayloadKindRetailOSDecrypted, "Decrypting RetailOS (this will take a while)..."},
		} {
			if err := prepareStep(ctx, d.Progress, c, p.kind, p.description); err != nil {
				return Done{}, err
			}
		}

		step := d.Progress.Step("Triggering HaxedDFU mode...")
		if err := c.TriggerModeSwitchExploit(ctx); err != nil {
			return Done{}, err
		}
		step.Complete()

		if err := uploadStep(ctx, d.Progress, c, cache.PayloadKindWTFDefanged, "Uploading defanged WTF..."); err != nil {
			return Done{}, err
		}

		d.mu.Lock()
		d.switched = true
		d.mu.Unlock()
		if d.notify != nil {
			d.notify(SwitchedToWTF, nil)
		}
		return Done{}, nil
	})
}
