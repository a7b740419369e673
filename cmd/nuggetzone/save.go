package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/ulikunitz/xz"
)

// fileSaver writes bootrom dumps to the host filesystem. It implements
// flow.Saver.
type fileSaver struct {
	// path overrides the suggested name. A directory path keeps the
	// suggested name.
	path string
}

func (f *fileSaver) target(suggestedName string) string {
	switch {
	case f.path == "":
		return suggestedName
	case strings.HasSuffix(f.path, string(filepath.Separator)):
		return filepath.Join(f.path, suggestedName)
	}
	return f.path
}

func (f *fileSaver) Save(ctx context.Context, suggestedName string, data []byte) error {
	path := f.target(suggestedName)
	if err := writeAtomically(path, data); err != nil {
		return err
	}
	slog.Info("Saved", "path", path, "bytes", len(data))
	return nil
}

// writeAtomically writes data to path, compressing with xz if the path ends
// with .xz.
func writeAtomically(path string, data []byte) error {
	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("could not create %s: %w", path, err)
	}
	defer pf.Cleanup()

	var w io.Writer = pf
	var xzw *xz.Writer
	if strings.HasSuffix(path, ".xz") {
		xzw, err = xz.NewWriter(pf)
		if err != nil {
			return fmt.Errorf("could not start xz stream: %w", err)
		}
		w = xzw
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	if xzw != nil {
		if err := xzw.Close(); err != nil {
			return fmt.Errorf("could not finish xz stream: %w", err)
		}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}
