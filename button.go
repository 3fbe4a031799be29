package cloneagent

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sdcc/cloneagent/internal/gpio"
)

// Button debounces the momentary push button. The pin is wired active-low
// with an internal pull-up: the raw level reads high until the button shorts
// it to ground.
//
// Sample is called every loop tick; a level change only takes effect after it
// has held steady for the debounce window. A completed press latches one
// activation, which TakeActivation hands out exactly once, so a slow loop
// tick cannot drop the edge and a long hold cannot produce a second one.
type Button struct {
	pin      gpio.Pin
	debounce time.Duration

	level          bool // debounced logical state, true = pressed
	candidate      bool
	candidateSince time.Time
	primed         bool
	latched        bool
}

// NewButton wraps an active-low input pin with a debounce window.
func NewButton(pin gpio.Pin, debounce time.Duration) *Button {
	return &Button{pin: pin, debounce: debounce}
}

// Sample reads the raw pin and advances the debounce state. Call once per
// loop tick with the current time.
func (b *Button) Sample(now time.Time) {
	raw, err := b.pin.Read()
	if err != nil {
		log.Warn().Err(err).Int("pin", b.pin.Number()).Msg("button sample failed")
		return
	}
	pressed := !raw // active low

	if !b.primed {
		// Adopt the first reading as the resting state so a button held
		// across agent start does not fire a phantom activation.
		b.level = pressed
		b.candidate = pressed
		b.candidateSince = now
		b.primed = true
		return
	}

	if pressed != b.candidate {
		b.candidate = pressed
		b.candidateSince = now
		return
	}

	if pressed == b.level {
		return
	}
	if now.Sub(b.candidateSince) < b.debounce {
		return
	}

	b.level = pressed
	if pressed {
		b.latched = true
		log.Debug().Int("pin", b.pin.Number()).Msg("button press latched")
	}
}

// Pressed reports the current debounced state.
func (b *Button) Pressed() bool {
	return b.level
}

// TakeActivation returns true at most once per physical press.
func (b *Button) TakeActivation() bool {
	if !b.latched {
		return false
	}
	b.latched = false
	return true
}
