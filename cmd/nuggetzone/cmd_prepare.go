package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/freemyipod/nuggetzone/pkg/cache"
	"github.com/freemyipod/nuggetzone/pkg/progress"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

var prepareList bool

var prepareCmd = &cobra.Command{
	Use:   "prepare [kind...]",
	Short: "Obtain payloads ahead of time",
	Long: `Makes sure the given payloads are in the payload cache, downloading and
deriving them as needed. Upstream payloads are downloaded without a device.
Decrypted payloads need a device in DFU mode to decrypt on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if prepareList {
			for _, k := range cache.PayloadKinds {
				if k.Obtainable() {
					fmt.Println(k)
				}
			}
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("no payload kinds given, see --list")
		}
		var kinds []cache.PayloadKind
		needDevice := false
		for _, a := range args {
			k, err := cache.ParsePayloadKind(a)
			if err != nil {
				return err
			}
			if !k.Obtainable() {
				return fmt.Errorf("%s cannot be prepared", k)
			}
			if !k.Upstream() {
				needDevice = true
			}
			kinds = append(kinds, k)
		}

		ctx := cmd.Context()
		p := newPrompter(viper.GetString("device"))
		e, err := newEnv(ctx, p)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		t := progress.NewTracker()
		stop := p.showProgress(t)
		defer stop()

		if !needDevice {
			for _, k := range kinds {
				if err := e.cache.Prepare(ctx, cache.Target{Kind: e.cfg.Kind}, k, t.Step(fmt.Sprintf("Preparing %s...", k)).Set); err != nil {
					return err
				}
			}
			return nil
		}

		s, err := session.Connect(ctx, e.caps)
		if err != nil {
			return err
		}
		defer s.Close()
		slog.Info("Using device", "device", s)
		for _, k := range kinds {
			if err := s.Control().PreparePayload(ctx, k, t.Step(fmt.Sprintf("Preparing %s...", k)).Set); err != nil {
				return err
			}
		}
		return nil
	},
}
