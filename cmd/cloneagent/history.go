package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	cloneagent "github.com/sdcc/cloneagent"
	"github.com/sdcc/cloneagent/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent clone jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cloneagent.ConfigFromEnv()
			store, err := history.Open(cfg.HistoryDBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.List(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSOURCE\tDESTINATION\tMODE\tOUTCOME\tCOPIED\tDURATION")
			for _, job := range jobs {
				outcome := job.Outcome
				if outcome == "" {
					outcome = "running"
				} else if job.ErrorKind != "" {
					outcome = fmt.Sprintf("%s (%s)", outcome, job.ErrorKind)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					job.StartedAt.Format(time.RFC3339),
					job.SourceSerial,
					job.DestSerial,
					job.Mode,
					outcome,
					humanize.IBytes(job.BytesCopied),
					job.Duration.Round(time.Second),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&flagLimit, "limit", 20, "maximum number of jobs to list")
	return cmd
}
