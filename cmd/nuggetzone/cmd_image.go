package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/image"
)

var imageEntrypoint string

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Inspect and build IMG1 images",
}

var imageInfoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Show the header of an IMG1 image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("could not read image: %w", err)
		}
		img, err := image.Parse(data)
		if err != nil {
			return err
		}
		h := img.Header
		fmt.Printf("Device:        %s\n", img.DeviceKind)
		fmt.Printf("Version:       %s\n", h.Version[:])
		fmt.Printf("Format:        %s\n", h.Format)
		fmt.Printf("Entrypoint:    0x%08x\n", h.Entrypoint)
		fmt.Printf("Body length:   0x%x\n", h.BodyLength)
		fmt.Printf("Data length:   0x%x\n", h.DataLength)
		fmt.Printf("Cert:          0x%x bytes at 0x%x\n", h.FooterCertLength, h.FooterCertOffset)
		fmt.Printf("Epoch:         %d\n", h.SecurityEpoch)
		return nil
	},
}

var imageWrapCmd = &cobra.Command{
	Use:   "wrap [in] [out]",
	Short: "Wrap a raw binary into an unsigned IMG1 image",
	Long:  "Builds an image that a device in haxed DFU mode will boot. The image is not signed and will not boot on a stock device.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := devices.ParseKind(viper.GetString("kind"))
		if err != nil {
			return err
		}
		entrypoint, err := parseNumber(imageEntrypoint)
		if err != nil {
			return fmt.Errorf("invalid entrypoint")
		}
		body, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("could not read input: %w", err)
		}
		img, err := image.MakeUnsigned(kind, entrypoint, body)
		if err != nil {
			return err
		}
		return writeAtomically(args[1], img)
	},
}
