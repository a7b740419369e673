package flow

import (
	"context"

	"github.com/freemyipod/nuggetzone/pkg/cache"
	"github.com/freemyipod/nuggetzone/pkg/progress"
	"github.com/freemyipod/nuggetzone/pkg/runner"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

// WTF holds the flow available for a device in defanged WTF mode: uploading
// a customized RetailOS. The RetailOS only lives in memory, and rebooting the
// device returns it to stock.
type WTF struct {
	Progress *progress.Tracker
	Upload   *runner.Runner[Done]

	s      *session.Session
	notify Notify
}

// ForWTF returns the WTF flow for a session, or a ClassificationError if the
// session is not a device of the configured kind in defanged WTF mode.
func ForWTF(s *session.Session, cfg Config, notify Notify) (*WTF, error) {
	if err := s.Classify(cfg.WTFRequirement()); err != nil {
		return nil, err
	}
	w := &WTF{
		Progress: progress.NewTracker(),
		s:        s,
		notify:   notify,
	}
	w.Upload = runner.New(w.upload)
	return w, nil
}

func (w *WTF) upload(ctx context.Context) (Done, error) {
	return locked(ctx, w.s, "CFW upload", func(ctx context.Context) (Done, error) {
		w.Progress.Reset()
		if err := uploadStep(ctx, w.Progress, w.s.Control(), cache.PayloadKindRetailOSCustomized, "Uploading RetailOS CFW..."); err != nil {
			return Done{}, err
		}
		if w.notify != nil {
			w.notify(UploadComplete, nil)
		}
		return Done{}, nil
	})
}
