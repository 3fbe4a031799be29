package cloneagent

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sdcc/cloneagent/internal/blockdev"
	"github.com/sdcc/cloneagent/internal/gpio"
	"github.com/sdcc/cloneagent/internal/history"
)

// Agent assembles the appliance: GPIO button and LEDs, slot watcher, clone
// engine, orchestrator and history store.
type Agent struct {
	cfg   Config
	orch  *Orchestrator
	store *history.Store
}

// NewAgent builds an agent against the real hardware and system tools.
func NewAgent(cfg Config) (*Agent, error) {
	buttonPin, red, yellow, green, err := buildPins(cfg)
	if err != nil {
		return nil, err
	}

	prober := blockdev.NewProber()
	watcher := NewSlotWatcher(prober, cfg)
	engine := NewCloneEngine(cfg, ShellRunner{}, prober, watcher.IsCurrent)

	// History is an audit trail, not a dependency: a read-only root
	// filesystem must not keep the appliance from cloning.
	var recorder Recorder
	store, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.HistoryDBPath).Msg("history store unavailable, jobs will not be recorded")
	} else {
		recorder = NewHistoryRecorder(store, cfg.AgentVersion)
	}

	orch := NewOrchestrator(cfg, watcher, NewButton(buttonPin, cfg.Debounce), NewLEDs(red, yellow, green), engine, recorder)
	return &Agent{cfg: cfg, orch: orch, store: store}, nil
}

// buildPins resolves the four pins, either sysfs-backed or, for bench runs
// without the appliance hardware, memory-backed fakes.
func buildPins(cfg Config) (button, red, yellow, green gpio.Pin, err error) {
	if cfg.GPIOFake {
		log.Info().Msg("using fake GPIO pins")
		return gpio.NewFakePin(cfg.ButtonPin, true),
			gpio.NewFakePin(cfg.RedPin, false),
			gpio.NewFakePin(cfg.YellowPin, false),
			gpio.NewFakePin(cfg.GreenPin, false),
			nil
	}
	chip := gpio.NewChip()
	if button, err = chip.Input(cfg.ButtonPin); err != nil {
		return nil, nil, nil, nil, err
	}
	if red, err = chip.Output(cfg.RedPin); err != nil {
		return nil, nil, nil, nil, err
	}
	if yellow, err = chip.Output(cfg.YellowPin); err != nil {
		return nil, nil, nil, nil, err
	}
	if green, err = chip.Output(cfg.GreenPin); err != nil {
		return nil, nil, nil, nil, err
	}
	return button, red, yellow, green, nil
}

// Run checks that the required system tools exist, then drives the control
// loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := CheckPrerequisites(a.cfg.Mode); err != nil {
		return err
	}
	group, gctx := errgroup.WithContext(ctx)
	GroupGoSafe(gctx, group, "orchestrator", a.orch.Run)
	return group.Wait()
}

// Close releases the history store.
func (a *Agent) Close() error {
	return a.store.Close()
}
