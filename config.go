package cloneagent

import (
	"time"

	"github.com/sdcc/cloneagent/internal/env"
)

// Version is stamped at build time via -ldflags "-X".
var Version = "dev"

// Environment keys understood by ConfigFromEnv.
const (
	EnvSourceSlot    = "SDCC_SOURCE_SLOT"
	EnvDestSlot      = "SDCC_DEST_SLOT"
	EnvCloneMode     = "SDCC_CLONE_MODE"
	EnvPollInterval  = "SDCC_POLL_INTERVAL"
	EnvTickInterval  = "SDCC_TICK_INTERVAL"
	EnvProbeTimeout  = "SDCC_PROBE_TIMEOUT"
	EnvDebounce      = "SDCC_DEBOUNCE"
	EnvStallTimeout  = "SDCC_STALL_TIMEOUT"
	EnvMountRoot     = "SDCC_MOUNT_ROOT"
	EnvHistoryDBPath = "SDCC_HISTORY_DB"
	EnvGPIOFake      = "SDCC_GPIO_FAKE"
	EnvButtonPin     = "SDCC_BUTTON_PIN"
	EnvRedPin        = "SDCC_LED_RED_PIN"
	EnvYellowPin     = "SDCC_LED_YELLOW_PIN"
	EnvGreenPin      = "SDCC_LED_GREEN_PIN"
)

// Config carries every tunable of the agent. Defaults match the original
// field units: BCM button 17 (active low), LEDs 22/23/24, 100 ms loop tick.
type Config struct {
	// SourceSlot and DestSlot are /dev/disk symlink patterns that pin each
	// physical port to its role.
	SourceSlot string
	DestSlot   string

	Mode CloneMode

	// TickInterval drives button sampling and LED refresh; PollInterval
	// drives device enumeration, which is far more expensive.
	TickInterval time.Duration
	PollInterval time.Duration
	ProbeTimeout time.Duration
	Debounce     time.Duration
	StallTimeout time.Duration

	// MountRoot is where the engine mounts partitions during a copy.
	MountRoot string

	HistoryDBPath string

	// GPIOFake swaps the sysfs pins for memory-backed fakes, for bench runs
	// on a workstation without the appliance hardware.
	GPIOFake bool

	ButtonPin int
	RedPin    int
	YellowPin int
	GreenPin  int

	AgentVersion string
}

// ConfigFromEnv resolves the configuration from environment variables,
// falling back to the built-in defaults.
func ConfigFromEnv() Config {
	return Config{
		SourceSlot:    env.String(EnvSourceSlot, "/dev/disk/by-path/platform-*usb*-0:1.1*"),
		DestSlot:      env.String(EnvDestSlot, "/dev/disk/by-path/platform-*usb*-0:1.2*"),
		Mode:          CloneMode(env.String(EnvCloneMode, string(ModePartitionClone))),
		TickInterval:  env.Duration(EnvTickInterval, 100*time.Millisecond),
		PollInterval:  env.Duration(EnvPollInterval, time.Second),
		ProbeTimeout:  env.Duration(EnvProbeTimeout, 5*time.Second),
		Debounce:      env.Duration(EnvDebounce, 40*time.Millisecond),
		StallTimeout:  env.Duration(EnvStallTimeout, 2*time.Minute),
		MountRoot:     env.String(EnvMountRoot, "/run/cloneagent"),
		HistoryDBPath: env.String(EnvHistoryDBPath, "/var/lib/cloneagent/history.sqlite"),
		GPIOFake:      env.Bool(EnvGPIOFake, false),
		ButtonPin:     env.Int(EnvButtonPin, 17),
		RedPin:        env.Int(EnvRedPin, 22),
		YellowPin:     env.Int(EnvYellowPin, 23),
		GreenPin:      env.Int(EnvGreenPin, 24),
		AgentVersion:  Version,
	}
}
