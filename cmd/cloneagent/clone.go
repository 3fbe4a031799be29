package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cloneagent "github.com/sdcc/cloneagent"
	"github.com/sdcc/cloneagent/internal/blockdev"
)

func newCloneCmd() *cobra.Command {
	var flagMode string

	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Clone once, without button or LEDs",
		Long:  "Probes both slots and runs a single clone immediately. Intended for bench use over SSH; the daemon is not required.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := cloneagent.ConfigFromEnv()
			if flagMode != "" {
				cfg.Mode = cloneagent.CloneMode(flagMode)
			}
			if err := cloneagent.CheckPrerequisites(cfg.Mode); err != nil {
				return err
			}

			prober := blockdev.NewProber()
			watcher := cloneagent.NewSlotWatcher(prober, cfg)
			src, dst := watcher.Poll(ctx)
			if src.State != cloneagent.SlotPresent || dst.State != cloneagent.SlotPresent {
				return fmt.Errorf("slots not ready: source %s, destination %s",
					describeSlot(src), describeSlot(dst))
			}

			engine := cloneagent.NewCloneEngine(cfg, cloneagent.ShellRunner{}, prober, watcher.IsCurrent)
			job := cloneagent.NewCloneJob(src.Handle, dst.Handle, cfg.Mode)
			log.Info().
				Str("job_id", job.ID).
				Str("source", job.Source.Path).
				Str("destination", job.Destination.Path).
				Str("mode", string(cfg.Mode)).
				Msg("clone starting")

			out := engine.Clone(ctx, job, func(done, total uint64) {
				if total > 0 {
					log.Info().
						Str("done", humanize.IBytes(done)).
						Str("total", humanize.IBytes(total)).
						Msg("progress")
				}
			})
			switch out.Kind {
			case cloneagent.OutcomeSuccess:
				log.Info().
					Str("copied", humanize.IBytes(out.BytesCopied)).
					Dur("duration", out.Duration).
					Msg("clone succeeded")
				return nil
			case cloneagent.OutcomeAborted:
				return fmt.Errorf("clone aborted: %s", out.Reason)
			default:
				return fmt.Errorf("clone failed: %s", out.Err)
			}
		},
	}

	cmd.Flags().StringVar(&flagMode, "mode", "", "clone mode override (partition-clone or content-copy)")
	return cmd
}

func describeSlot(status cloneagent.SlotStatus) string {
	switch status.State {
	case cloneagent.SlotPresent:
		return "present"
	case cloneagent.SlotUnusable:
		return fmt.Sprintf("unusable (%s)", status.Reason)
	default:
		return "absent"
	}
}
