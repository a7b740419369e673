package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/spf13/viper"

	"github.com/freemyipod/nuggetzone/pkg/app"
	"github.com/freemyipod/nuggetzone/pkg/cache"
	"github.com/freemyipod/nuggetzone/pkg/compression"
	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/flow"
	"github.com/freemyipod/nuggetzone/pkg/session"
)

// env is everything loaded once at startup.
type env struct {
	caps    *session.Capabilities
	cache   *cache.Cache
	desktop *app.Desktop
	tiano   *compression.Tiano
	cfg     flow.Config
}

func (e *env) Close(ctx context.Context) {
	if e.desktop != nil {
		if err := e.desktop.Close(); err != nil {
			slog.Warn("Closing USB", "err", err)
		}
	}
	if e.tiano != nil {
		if err := e.tiano.Close(ctx); err != nil {
			slog.Warn("Closing edk2", "err", err)
		}
	}
}

func flowConfig() (flow.Config, error) {
	cfg := flow.DefaultConfig()
	kind, err := devices.ParseKind(viper.GetString("kind"))
	if err != nil {
		return cfg, err
	}
	cfg.Kind = kind
	return cfg, nil
}

func newCache() (*cache.Cache, error) {
	store := cache.NewHostStore(viper.GetString("cache-dir"))
	p := &cache.Phobos{
		JingleURL: viper.GetString("jingle-url"),
		Store:     store,
	}
	if m := viper.GetString("mirror"); m != "" {
		u, err := url.Parse(m)
		if err != nil {
			return nil, fmt.Errorf("invalid mirror URL: %w", err)
		}
		p.Mirror = u
	}
	slog.Debug("Payload cache", "root", store.Root)
	return &cache.Cache{
		Store:     store,
		Upstream:  p,
		Defangers: cache.DefaultDefangers(),
	}, nil
}

// loadTiano loads edk2.wasm if configured. It returns nil without error if it
// is not.
func loadTiano(ctx context.Context) (*compression.Tiano, error) {
	p := viper.GetString("edk2-wasm")
	if p == "" {
		return nil, nil
	}
	t, err := compression.LoadFile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("could not load edk2: %w", err)
	}
	return t, nil
}

// newEnv loads all capabilities. Failing to initialize USB is not fatal, and
// leaves the capabilities without device access.
func newEnv(ctx context.Context, p *prompter) (*env, error) {
	cfg, err := flowConfig()
	if err != nil {
		return nil, err
	}
	c, err := newCache()
	if err != nil {
		return nil, err
	}
	e := &env{
		caps:  &session.Capabilities{},
		cache: c,
		cfg:   cfg,
	}

	e.tiano, err = loadTiano(ctx)
	if err != nil {
		return nil, err
	}
	if e.tiano != nil {
		e.caps.Compression = e.tiano
	}

	// Exploit primitives are registered by builds that carry them.
	d, err := app.NewDesktop(app.Exploits{}, c, p.choose)
	if err != nil {
		slog.Warn("No device access", "err", err)
	} else {
		d.Wait = 30 * time.Second
		e.desktop = d
		e.caps.Access = d
	}
	return e, nil
}
