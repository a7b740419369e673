package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/freemyipod/nuggetzone/pkg/devices"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known device kinds and their USB IDs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAME\tSOC\tMODE\tUSB ID")
		for i := range devices.Descriptions {
			d := &devices.Descriptions[i]
			for _, ik := range d.InterfaceKinds() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%04x:%04x\n", string(d.Kind), d.Kind, d.Kind.SoCCode(), ik, d.VID, d.PIDs[ik])
			}
		}
		return w.Flush()
	},
}
