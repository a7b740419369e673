package main

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/freemyipod/nuggetzone/pkg/progress"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

func testPrompter(input, device string) (*prompter, *strings.Builder) {
	out := &strings.Builder{}
	return &prompter{
		in:     bufio.NewReader(strings.NewReader(input)),
		out:    out,
		device: device,
	}, out
}

var testCandidates = []session.Candidate{
	{VID: 0x05ac, PID: 0x1234, Bus: 1, Address: 7},
	{VID: 0x05ac, PID: 0x1267, Bus: 2, Address: 3},
}

func TestChoose(t *testing.T) {
	ctx := context.Background()
	for _, te := range []struct {
		name    string
		input   string
		device  string
		cands   []session.Candidate
		want    session.Candidate
		wantErr error
	}{
		{"single", "", "", testCandidates[:1], testCandidates[0], nil},
		{"pick", "2\n", "", testCandidates, testCandidates[1], nil},
		{"retry", "9\nfoo\n1\n", "", testCandidates, testCandidates[0], nil},
		{"preselected", "", "2:3", testCandidates, testCandidates[1], nil},
		{"cancelled", "\n", "", testCandidates, session.Candidate{}, session.ErrSelectionCancelled},
	} {
		t.Run(te.name, func(t *testing.T) {
			p, _ := testPrompter(te.input, te.device)
			got, err := p.choose(ctx, te.cands)
			if !errors.Is(err, te.wantErr) {
				t.Fatalf("choose: %v, want %v", err, te.wantErr)
			}
			if got != te.want {
				t.Errorf("chose %s, want %s", got, te.want)
			}
		})
	}

	p, _ := testPrompter("", "9:9")
	if _, err := p.choose(ctx, testCandidates); err == nil {
		t.Errorf("missing preselected device was chosen")
	}
}

func TestAccept(t *testing.T) {
	p, out := testPrompter("", "")
	if err := p.accept(true); err != nil {
		t.Errorf("preaccepted: %v", err)
	}
	if !strings.Contains(out.String(), "NO\nWARRANTY") {
		t.Errorf("disclaimer not shown: %q", out.String())
	}

	p, _ = testPrompter("YES\n", "")
	if err := p.accept(false); err != nil {
		t.Errorf("accepted: %v", err)
	}
	p, _ = testPrompter("nope\n", "")
	if err := p.accept(false); err == nil {
		t.Errorf("declined disclaimer accepted")
	}
}

func TestShowProgress(t *testing.T) {
	p, out := testPrompter("", "")
	tr := progress.NewTracker()
	stop := p.showProgress(tr)
	h := tr.Step("Downloading WTF...")
	h.Set(0.5)
	h.Set(0.501)
	tr.Step("Decrypting WTF...").Complete()
	stop()
	tr.Step("Ignored...")

	want := "\r[  0%] Downloading WTF...\r[ 50%] Downloading WTF...\r[100%] Downloading WTF...\n\r[  0%] Decrypting WTF...\r[100%] Decrypting WTF...\n"
	if got := out.String(); got != want {
		t.Errorf("rendered %q, want %q", got, want)
	}
}
