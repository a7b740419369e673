package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/flow"
	"github.com/freemyipod/nuggetzone/pkg/session"
	"github.com/freemyipod/nuggetzone/pkg/session/sessiontest"
)

// flakyAccess fails the first selections, eg. while the device is still
// re-enumerating.
type flakyAccess struct {
	*sessiontest.Access

	mu      sync.Mutex
	fails   int
	selects int
}

func (f *flakyAccess) Select(ctx context.Context, vid uint16) (session.Candidate, error) {
	f.mu.Lock()
	f.selects += 1
	fail := f.selects <= f.fails
	f.mu.Unlock()
	if fail {
		return session.Candidate{}, errors.New("no device found")
	}
	return f.Access.Select(ctx, vid)
}

func forDFU(s *session.Session) (*flow.DFU, error) {
	return flow.ForDFU(s, flow.DefaultConfig(), nil)
}

func forWTF(s *session.Session) (*flow.WTF, error) {
	return flow.ForWTF(s, flow.DefaultConfig(), nil)
}

func TestConnectForRetriesTransientErrors(t *testing.T) {
	c := sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc.")
	a := &flakyAccess{Access: &sessiontest.Access{Control: c}, fails: 1}
	caps := &session.Capabilities{Access: a}
	p, out := testPrompter("y\n", "")

	d, s, err := connectFor(context.Background(), caps, p.tryAgain, forDFU)
	if err != nil {
		t.Fatalf("connectFor: %v", err)
	}
	defer s.Close()
	if d == nil {
		t.Fatalf("no flows built")
	}
	if a.selects != 2 {
		t.Errorf("%d selections, want 2", a.selects)
	}
	if !strings.Contains(out.String(), "no device found") {
		t.Errorf("failure not shown: %q", out.String())
	}
}

func TestConnectForDeclined(t *testing.T) {
	c := sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc.")
	a := &flakyAccess{Access: &sessiontest.Access{Control: c}, fails: 5}
	p, _ := testPrompter("y\nn\n", "")
	_, _, err := connectFor(context.Background(), &session.Capabilities{Access: a}, p.tryAgain, forDFU)
	if err == nil || !strings.Contains(err.Error(), "no device found") {
		t.Errorf("got %v, want the last connect failure", err)
	}
	if a.selects != 2 {
		t.Errorf("%d selections, want 2", a.selects)
	}
}

func TestConnectForNoDeviceAccess(t *testing.T) {
	p, out := testPrompter("y\n", "")
	_, _, err := connectFor(context.Background(), &session.Capabilities{}, p.tryAgain, forDFU)
	if !errors.Is(err, session.ErrNoDeviceAccess) {
		t.Errorf("got %v, want ErrNoDeviceAccess", err)
	}
	if out.Len() != 0 {
		t.Errorf("retry offered without device access: %q", out.String())
	}
}

func TestConnectForStartOver(t *testing.T) {
	// Still in DFU mode, so the WTF flows cannot be built.
	c := sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc.")
	caps := &session.Capabilities{Access: &sessiontest.Access{Control: c}}

	p, out := testPrompter("x\nd\n", "")
	_, _, err := connectFor(context.Background(), caps, p.tryAgainOrStartOver, forWTF)
	if !errors.Is(err, errStartOver) {
		t.Errorf("got %v, want errStartOver", err)
	}
	if !strings.Contains(out.String(), "Start over in DFU mode") || !strings.Contains(out.String(), `Invalid choice "x"`) {
		t.Errorf("menu not shown: %q", out.String())
	}

	p, _ = testPrompter("w\nq\n", "")
	_, _, err = connectFor(context.Background(), caps, p.tryAgainOrStartOver, forWTF)
	var ce *session.ClassificationError
	if !errors.As(err, &ce) {
		t.Errorf("got %v, want ClassificationError after quitting", err)
	}
}
