package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sdcc/cloneagent/internal/envload"
)

var rootCmd = &cobra.Command{
	Use:   "cloneagent",
	Short: "Headless SD card cloning appliance",
	Long: `cloneagent watches two fixed USB slots, lights status LEDs and clones
the SD card in the source slot onto the drive in the destination slot when
the hardware button is pressed. Designed to run as a daemon on a Raspberry
Pi with no display or network.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
		newCloneCmd(),
		newHistoryCmd(),
	)
	_ = envload.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("cloneagent command failed")
	}
}
