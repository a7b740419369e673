package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/freemyipod/nuggetzone/pkg/compression"
)

var tianoCmd = &cobra.Command{
	Use:   "tiano",
	Short: "Tiano (EDK2) compression",
	Long:  "Compress and decompress files with the Tiano algorithm, as used by EFI firmware volumes. Requires --edk2-wasm.",
}

// tianoRun loads the codec and runs fn over the contents of the input file,
// writing its result to the output file.
func tianoRun(cmd *cobra.Command, args []string, fn func(compression.Codec, []byte) ([]byte, error)) error {
	ctx := cmd.Context()
	t, err := loadTiano(ctx)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("--edk2-wasm must be set")
	}
	defer t.Close(ctx)

	in, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("could not read input: %w", err)
	}
	out, err := fn(t, in)
	if err != nil {
		return err
	}
	if err := writeAtomically(args[1], out); err != nil {
		return err
	}
	slog.Info("Done!", "in", len(in), "out", len(out))
	return nil
}

var tianoCompressCmd = &cobra.Command{
	Use:   "compress [in] [out]",
	Short: "Compress a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tianoRun(cmd, args, func(c compression.Codec, in []byte) ([]byte, error) {
			return c.Compress(in)
		})
	},
}

var tianoDecompressCmd = &cobra.Command{
	Use:   "decompress [in] [out]",
	Short: "Decompress a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tianoRun(cmd, args, func(c compression.Codec, in []byte) ([]byte, error) {
			size, err := compression.ExpectedSize(in)
			if err != nil {
				return nil, err
			}
			slog.Debug("Decompressing", "expected", size)
			return c.Decompress(in)
		})
	},
}
