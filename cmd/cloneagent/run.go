package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cloneagent "github.com/sdcc/cloneagent"
	"github.com/sdcc/cloneagent/internal/envload"
)

func newRunCmd() *cobra.Command {
	var (
		flagMode         string
		flagPollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the appliance daemon",
		Long:  "Polls both slots, drives the LEDs and clones on button press until terminated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cloneagent.ConfigFromEnv()
			if flagMode != "" {
				cfg.Mode = cloneagent.CloneMode(flagMode)
			}
			if flagPollInterval > 0 {
				cfg.PollInterval = flagPollInterval
			}

			agent, err := cloneagent.NewAgent(cfg)
			if err != nil {
				return err
			}
			defer agent.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if path := envload.LoadedPath(); path != "" {
				log.Info().Str("env_file", path).Msg("environment loaded")
			}
			log.Info().
				Str("version", cfg.AgentVersion).
				Str("mode", string(cfg.Mode)).
				Str("source_slot", cfg.SourceSlot).
				Str("dest_slot", cfg.DestSlot).
				Msg("cloneagent daemon starting")
			return agent.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&flagMode, "mode", "", "clone mode override (partition-clone or content-copy)")
	cmd.Flags().DurationVar(&flagPollInterval, "poll-interval", 0, "device poll interval override")
	return cmd
}
