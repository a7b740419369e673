package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/freemyipod/nuggetzone/pkg/flow"
	"github.com/freemyipod/nuggetzone/pkg/progress"
	"github.com/freemyipod/nuggetzone/pkg/runner"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Interactively dump the bootrom and run customized RetailOS",
	Long: `Connects to a device in DFU mode, optionally dumps its bootrom, switches it
to defanged WTF mode and then uploads a customized RetailOS to it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p := newPrompter(viper.GetString("device"))
		if err := p.accept(viper.GetBool("accept")); err != nil {
			return err
		}
		e, err := newEnv(ctx, p)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		if err := flow.Accept(e.caps, logNotification); err != nil {
			return err
		}
		for {
			err := runOnce(ctx, p, e.caps, e.cfg)
			if !errors.Is(err, errStartOver) {
				return err
			}
		}
	},
}

// errStartOver is returned by runOnce when the operator wants to begin again
// with the device in DFU mode.
var errStartOver = errors.New("starting over in DFU mode")

// runOnce walks a device from DFU mode to running customized RetailOS.
func runOnce(ctx context.Context, p *prompter, caps *session.Capabilities, cfg flow.Config) error {
	fmt.Fprintln(p.out, "Connect your device in DFU mode.")
	d, s, err := connectFor(ctx, caps, p.tryAgain, func(s *session.Session) (*flow.DFU, error) {
		return flow.ForDFU(s, cfg, logNotification)
	})
	if err != nil {
		return err
	}
	switched, err := dfuMenu(ctx, p, d)
	s.Close()
	if err != nil || !switched {
		return err
	}

	fmt.Fprintln(p.out, "Waiting for the device to come back in WTF mode...")
	w, s, err := connectFor(ctx, caps, p.tryAgainOrStartOver, func(s *session.Session) (*flow.WTF, error) {
		return flow.ForWTF(s, cfg, logNotification)
	})
	if err != nil {
		return err
	}
	defer s.Close()
	for {
		_, err := runFlow(ctx, p, w.Progress, w.Upload)
		if err == nil {
			break
		}
		if again, perr := p.tryAgainOrStartOver(err); perr != nil || !again {
			return errors.Join(err, perr)
		}
	}
	fmt.Fprintln(p.out, "RetailOS CFW uploaded! To return to stock, simply reboot your device.")
	return nil
}

func logNotification(n flow.Notification, caps *session.Capabilities) {
	slog.Debug("Flow notification", "notification", n)
}

// connectFor connects to a device and builds flows for it. Failures are
// offered to be retried, unless the host has no device access at all. A
// non-nil error from retry is returned as is.
func connectFor[F any](ctx context.Context, caps *session.Capabilities, retry func(error) (bool, error), build func(*session.Session) (F, error)) (F, *session.Session, error) {
	var zero F
	for {
		s, err := session.Connect(ctx, caps)
		if err == nil {
			var f F
			f, err = build(s)
			if err == nil {
				return f, s, nil
			}
			s.Close()
		}
		if errors.Is(err, session.ErrNoDeviceAccess) {
			return zero, nil, err
		}
		again, rerr := retry(err)
		if rerr != nil {
			return zero, nil, rerr
		}
		if !again {
			return zero, nil, err
		}
	}
}

// runFlow runs a flow to completion while rendering its progress.
func runFlow[T any](ctx context.Context, p *prompter, t *progress.Tracker, r *runner.Runner[T]) (T, error) {
	stop := p.showProgress(t)
	o, err := r.RunAndWait(ctx)
	stop()
	if err != nil {
		return o.Value, err
	}
	if o.State == runner.Failed {
		return o.Value, o.Err
	}
	return o.Value, nil
}

// dfuMenu lets the operator dump and save the bootrom any number of times,
// and then switch the device to WTF mode. It returns whether the switch
// happened.
func dfuMenu(ctx context.Context, p *prompter, d *flow.DFU) (bool, error) {
	for {
		fmt.Fprint(p.out, "\n[d] Dump BootROM\n[s] Save BootROM dump\n[w] Switch to WTF mode\n[q] Quit\n")
		fmt.Fprint(p.out, "Choice: ")
		ans, err := p.readLine()
		if err != nil {
			return false, err
		}
		switch ans {
		case "d":
			if _, err := runFlow(ctx, p, d.Progress, d.Dump); err != nil {
				fmt.Fprintf(p.out, "Dump failed: %v\n", err)
				continue
			}
			fmt.Fprintf(p.out, "Dumped %d bytes.\n", len(d.Bootrom()))
		case "s":
			if err := d.SaveBootrom(ctx, &fileSaver{}); err != nil {
				fmt.Fprintf(p.out, "%v\n", err)
			}
		case "w":
			if _, err := runFlow(ctx, p, d.Progress, d.Switch); err != nil {
				fmt.Fprintf(p.out, "Switch failed: %v\n", err)
				continue
			}
			return true, nil
		case "q", "":
			return false, nil
		default:
			fmt.Fprintf(p.out, "Invalid choice %q.\n", ans)
		}
	}
}
