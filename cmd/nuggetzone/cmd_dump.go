package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/freemyipod/nuggetzone/pkg/flow"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

var dumpNoSave bool

var dumpCmd = &cobra.Command{
	Use:   "dump [file]",
	Short: "Dump the bootrom of a device in DFU mode",
	Long: `Reads the bootrom from a connected device in DFU mode and writes it to a
file. The file is xz compressed if its name ends in .xz. Not very fast.`,
	Args: cobra.MaximumNArgs(1),
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
		d, s, err := connectFor(ctx, e.caps, p.tryAgain, func(s *session.Session) (*flow.DFU, error) {
			return flow.ForDFU(s, e.cfg, logNotification)
		})
		if err != nil {
			return err
		}
		defer s.Close()

		start := time.Now()
		bootrom, err := runFlow(ctx, p, d.Progress, d.Dump)
		if err != nil {
			return err
		}
		took := time.Since(start)
		slog.Info("Done!", "bytes", len(bootrom), "seconds", int(took.Seconds()), "bps", int(float64(len(bootrom))/took.Seconds()))

		if dumpNoSave {
			return nil
		}
		saver := &fileSaver{}
		if len(args) > 0 {
			saver.path = args[0]
		}
		return d.SaveBootrom(ctx, saver)
	},
}
