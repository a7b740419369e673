package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/freemyipod/nuggetzone/pkg/compression"
	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/session"
	"github.com/freemyipod/nuggetzone/pkg/session/sessiontest"
)

func TestConnectNoAccess(t *testing.T) {
	for _, caps := range []*session.Capabilities{nil, {}} {
		_, err := session.Connect(context.Background(), caps)
		if !errors.Is(err, session.ErrNoDeviceAccess) {
			t.Errorf("Connect(%+v): got %v, want ErrNoDeviceAccess", caps, err)
		}
		var pe *session.PreconditionError
		if !errors.As(err, &pe) {
			t.Errorf("Connect(%+v): %v is not a PreconditionError", caps, err)
		}
	}
}

func TestConnectFiltersByVID(t *testing.T) {
	c := sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc.")
	a := &sessiontest.Access{Control: c}
	if _, err := session.Connect(context.Background(), &session.Capabilities{Access: a}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if diff := cmp.Diff([]uint16{0x05ac}, a.VIDs()); diff != "" {
		t.Errorf("Select filters (-want +got):\n%s", diff)
	}
}

func TestConnectCancelled(t *testing.T) {
	for _, selectErr := range []error{
		session.ErrSelectionCancelled,
		fmt.Errorf("chooser: %w", session.ErrSelectionCancelled),
	} {
		c := sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc.")
		a := &sessiontest.Access{Control: c, SelectErr: selectErr}
		_, err := session.Connect(context.Background(), &session.Capabilities{Access: a})
		if !errors.Is(err, session.ErrSelectionCancelled) {
			t.Errorf("%v: got %v, want ErrSelectionCancelled", selectErr, err)
		}
		var ce *session.CollaboratorError
		if errors.As(err, &ce) {
			t.Errorf("%v: cancellation reported as collaborator failure", selectErr)
		}
	}
}

func TestConnectPassesCodec(t *testing.T) {
	c := sessiontest.NewControl(devices.Nano7, devices.WTF, "freemyipod")
	a := &sessiontest.Access{Control: c}
	codec := &compression.Funcs{}
	if _, err := session.Connect(context.Background(), &session.Capabilities{Access: a, Compression: codec}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if a.Codec() != codec {
		t.Errorf("Open got codec %v, want the capability's", a.Codec())
	}
}

func TestConnectManufacturer(t *testing.T) {
	for _, te := range []struct {
		ik      devices.InterfaceKind
		wantSet bool
		want    []string
	}{
		{devices.DFU, true, []string{"Describe", "PrepareLink", "StringDescriptors"}},
		{devices.WTF, true, []string{"Describe", "PrepareLink", "StringDescriptors"}},
		{devices.Disk, false, []string{"Describe"}},
	} {
		c := sessiontest.NewControl(devices.Nano7, te.ik, "freemyipod")
		s := sessiontest.Connect(t, c)
		m, ok := s.Manufacturer()
		if ok != te.wantSet {
			t.Errorf("%s: manufacturer set = %v, want %v", te.ik, ok, te.wantSet)
		}
		if ok && m != "freemyipod" {
			t.Errorf("%s: manufacturer %q", te.ik, m)
		}
		if diff := cmp.Diff(te.want, c.Calls()); diff != "" {
			t.Errorf("%s: calls (-want +got):\n%s", te.ik, diff)
		}
		if s.Descriptor != c.Descriptor {
			t.Errorf("%s: descriptor %v, want %v", te.ik, s.Descriptor, c.Descriptor)
		}
	}
}

func TestConnectCollaboratorError(t *testing.T) {
	cause := errors.New("LIBUSB_ERROR_PIPE")
	c := sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc.")
	c.SetFail("PrepareLink", cause)
	_, err := session.Connect(context.Background(), &session.Capabilities{
		Access: &sessiontest.Access{Control: c},
	})
	var ce *session.CollaboratorError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CollaboratorError", err)
	}
	if ce.Op != "PrepareLink" || !errors.Is(err, cause) {
		t.Errorf("got %+v", ce)
	}
	if err.Error() != cause.Error() {
		t.Errorf("message %q, want %q unmodified", err.Error(), cause.Error())
	}
	if !c.Closed() {
		t.Errorf("control not closed after failed connect")
	}

	_, err = session.Connect(context.Background(), &session.Capabilities{
		Access: &sessiontest.Access{Control: c, OpenErr: cause},
	})
	if !errors.As(err, &ce) || ce.Op != "Open" {
		t.Errorf("open failure: %v", err)
	}
}

func TestConnectUnknownDescriptor(t *testing.T) {
	c := sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc.")
	c.Descriptor.Kind = "n8g"
	_, err := session.Connect(context.Background(), &session.Capabilities{
		Access: &sessiontest.Access{Control: c},
	})
	var ce *session.CollaboratorError
	if !errors.As(err, &ce) {
		t.Errorf("got %v, want CollaboratorError", err)
	}
}

func TestClassify(t *testing.T) {
	dfu := session.Requirement{Kind: devices.Nano7, InterfaceKind: devices.DFU}
	wtf := session.Requirement{Kind: devices.Nano7, InterfaceKind: devices.WTF, Manufacturer: "freemyipod"}

	for i, te := range []struct {
		kind         devices.Kind
		ik           devices.InterfaceKind
		manufacturer string
		req          session.Requirement
		ok           bool
	}{
		{devices.Nano7, devices.DFU, "Apple Inc.", dfu, true},
		{devices.Nano5, devices.DFU, "Apple Inc.", dfu, false},
		{devices.Nano7, devices.WTF, "Apple Inc.", dfu, false},
		{devices.Nano7, devices.Disk, "", dfu, false},
		{devices.Nano7, devices.WTF, "freemyipod", wtf, true},
		{devices.Nano7, devices.WTF, "Apple Inc.", wtf, false},
		{devices.Nano6, devices.WTF, "freemyipod", wtf, false},
		{devices.Nano7, devices.DFU, "freemyipod", wtf, false},
	} {
		s := sessiontest.Connect(t, sessiontest.NewControl(te.kind, te.ik, te.manufacturer))
		err := s.Classify(te.req)
		if te.ok {
			if err != nil {
				t.Errorf("%d: Classify: %v", i, err)
			}
			continue
		}
		var ce *session.ClassificationError
		if !errors.As(err, &ce) {
			t.Errorf("%d: got %v, want ClassificationError", i, err)
		}
	}
}

func TestAcquire(t *testing.T) {
	s := sessiontest.Connect(t, sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc."))
	release, err := s.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := s.Acquire(); !errors.Is(err, session.ErrBusy) {
		t.Errorf("second Acquire: %v, want ErrBusy", err)
	}
	release()
	release, err = s.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release()
}

func TestControlSerialized(t *testing.T) {
	c := sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc.")
	s := sessiontest.Connect(t, c)
	ctl := s.Control()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := ctl.ReadMemory(context.Background(), uint32(i)*0x40); err != nil {
				t.Errorf("ReadMemory: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if c.Overlapped() {
		t.Errorf("calls overlapped")
	}
	if n := len(c.Reads()); n != 16 {
		t.Errorf("%d reads, want 16", n)
	}
}

func TestControlRejectsUnknownPayload(t *testing.T) {
	c := sessiontest.NewControl(devices.Nano7, devices.DFU, "Apple Inc.")
	s := sessiontest.Connect(t, c)
	err := s.Control().UploadPayload(context.Background(), "wtf-bogus", func(float64) {})
	var ce *session.CollaboratorError
	if !errors.As(err, &ce) {
		t.Errorf("got %v, want CollaboratorError", err)
	}
	for _, call := range c.Calls() {
		if call == "UploadPayload(wtf-bogus)" {
			t.Errorf("unknown payload kind reached the device")
		}
	}
}
