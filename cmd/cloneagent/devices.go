package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	cloneagent "github.com/sdcc/cloneagent"
	"github.com/sdcc/cloneagent/internal/blockdev"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Probe both slots once and print what is attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cloneagent.ConfigFromEnv()
			watcher := cloneagent.NewSlotWatcher(blockdev.NewProber(), cfg)
			src, dst := watcher.Poll(cmd.Context())

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLOT\tSTATE\tDEVICE\tMODEL\tSIZE\tFILESYSTEM")
			printSlot(w, "source", src)
			printSlot(w, "destination", dst)
			return w.Flush()
		},
	}
}

func printSlot(w *tabwriter.Writer, name string, status cloneagent.SlotStatus) {
	switch status.State {
	case cloneagent.SlotPresent:
		h := status.Handle
		fmt.Fprintf(w, "%s\tpresent\t%s\t%s\t%s\t%s\n",
			name, h.Path, h.Model, humanize.IBytes(h.SizeBytes), h.Filesystem)
	case cloneagent.SlotUnusable:
		fmt.Fprintf(w, "%s\tunusable (%s)\t-\t-\t-\t-\n", name, status.Reason)
	default:
		fmt.Fprintf(w, "%s\tabsent\t-\t-\t-\t-\n", name)
	}
}
