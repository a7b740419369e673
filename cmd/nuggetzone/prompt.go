package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/progress"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

const disclaimer = `nuggetzone runs unofficial, reverse engineered exploits against your iPod.

Nothing is written to the device's persistent storage, and rebooting it
returns it to stock. However, this software comes with ABSOLUTELY NO
WARRANTY. If it breaks your device, you get to keep both pieces.
`

// prompter talks to the operator over a terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	// device preselects a candidate by bus:address.
	device string
}

func newPrompter(device string) *prompter {
	return &prompter{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		device: device,
	}
}

func (p *prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ask prints a question and returns whether the operator answered with
// one of yes.
func (p *prompter) ask(question string, yes ...string) (bool, error) {
	fmt.Fprintf(p.out, "%s ", question)
	ans, err := p.readLine()
	if err != nil {
		return false, err
	}
	for _, y := range yes {
		if strings.EqualFold(ans, y) {
			return true, nil
		}
	}
	return false, nil
}

// accept shows the disclaimer and has the operator accept it, unless
// preaccepted.
func (p *prompter) accept(preaccepted bool) error {
	fmt.Fprint(p.out, disclaimer)
	if preaccepted {
		return nil
	}
	ok, err := p.ask("Type 'yes' to continue:", "yes")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("disclaimer not accepted")
	}
	return nil
}

// tryAgain asks whether to retry after a failure.
func (p *prompter) tryAgain(err error) (bool, error) {
	fmt.Fprintf(p.out, "\n%v\n", err)
	return p.ask("Try again? [y/N]", "y", "yes")
}

// tryAgainOrStartOver is tryAgain for a device that should be in WTF mode,
// additionally offering to go back to DFU mode. That choice is returned as
// errStartOver.
func (p *prompter) tryAgainOrStartOver(err error) (bool, error) {
	fmt.Fprintf(p.out, "\n%v\n", err)
	for {
		fmt.Fprint(p.out, "[w] Try again in WTF mode\n[d] Start over in DFU mode\n[q] Quit\nChoice: ")
		ans, err := p.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(ans) {
		case "w":
			return true, nil
		case "d":
			return false, errStartOver
		case "q", "":
			return false, nil
		}
		fmt.Fprintf(p.out, "Invalid choice %q.\n", ans)
	}
}

func describeCandidate(c session.Candidate) string {
	desc, ik, ok := devices.Lookup(c.VID, c.PID)
	if !ok {
		return fmt.Sprintf("%s, unknown device", c)
	}
	return fmt.Sprintf("%s, %s in %s mode", c, desc.Kind, ik)
}

// choose implements app.Chooser.
func (p *prompter) choose(ctx context.Context, cands []session.Candidate) (session.Candidate, error) {
	if p.device != "" {
		for _, c := range cands {
			if fmt.Sprintf("%d:%d", c.Bus, c.Address) == p.device {
				return c, nil
			}
		}
		return session.Candidate{}, fmt.Errorf("device %s not found", p.device)
	}
	if len(cands) == 1 {
		fmt.Fprintf(p.out, "Using %s\n", describeCandidate(cands[0]))
		return cands[0], nil
	}

	fmt.Fprintf(p.out, "Found %d devices:\n", len(cands))
	for i, c := range cands {
		fmt.Fprintf(p.out, "  [%d] %s\n", i+1, describeCandidate(c))
	}
	for {
		fmt.Fprintf(p.out, "Pick a device (empty to cancel): ")
		ans, err := p.readLine()
		if err != nil {
			return session.Candidate{}, err
		}
		if ans == "" {
			return session.Candidate{}, session.ErrSelectionCancelled
		}
		i, err := strconv.Atoi(ans)
		if err != nil || i < 1 || i > len(cands) {
			fmt.Fprintf(p.out, "Invalid choice %q.\n", ans)
			continue
		}
		return cands[i-1], nil
	}
}

// showProgress renders a tracker's steps as they change. The returned
// function stops rendering.
func (p *prompter) showProgress(t *progress.Tracker) func() {
	shown := 0
	last := -1
	cancel := t.OnChange(func(steps []progress.Step) {
		if len(steps) < shown {
			shown = 0
		}
		if len(steps) > shown {
			if shown > 0 {
				fmt.Fprintf(p.out, "\r[100%%] %s\n", steps[shown-1].Description)
			}
			shown = len(steps)
			last = -1
		}
		if shown == 0 {
			return
		}
		cur := steps[shown-1]
		pct := int(cur.Percentage * 100)
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(p.out, "\r[%3d%%] %s", pct, cur.Description)
	})
	return func() {
		cancel()
		if shown > 0 {
			fmt.Fprintln(p.out)
		}
	}
}
