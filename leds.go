package cloneagent

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sdcc/cloneagent/internal/gpio"
)

// LEDMode is the requested behavior of a single LED.
type LEDMode int

const (
	LEDOff LEDMode = iota
	LEDOn
	// LEDBlinkSlow is the 1 s heartbeat used while waiting for media.
	LEDBlinkSlow
	// LEDBlinkFast is the 200 ms error flash.
	LEDBlinkFast
)

const (
	slowBlinkPeriod = time.Second
	fastBlinkPeriod = 400 * time.Millisecond
)

// LevelAt projects the mode onto an electrical level at the given instant.
// Blinking derives from wall-clock phase, so repeated calls for the same
// time agree and a periodic refresh loop can re-assert the level every tick.
func (m LEDMode) LevelAt(now time.Time) bool {
	switch m {
	case LEDOn:
		return true
	case LEDBlinkSlow:
		return now.UnixNano()%int64(slowBlinkPeriod) < int64(slowBlinkPeriod)/2
	case LEDBlinkFast:
		return now.UnixNano()%int64(fastBlinkPeriod) < int64(fastBlinkPeriod)/2
	default:
		return false
	}
}

// Pattern is the full three-LED output for one orchestrator state.
type Pattern struct {
	Red    LEDMode
	Yellow LEDMode
	Green  LEDMode
}

// Render maps an orchestrator state to its LED pattern. Pure and stateless:
// the same state always yields the same pattern.
func Render(state State) Pattern {
	switch state {
	case StateReadyToClone:
		return Pattern{Red: LEDOn}
	case StateCloning:
		return Pattern{Yellow: LEDOn}
	case StateComplete:
		return Pattern{Green: LEDOn}
	case StateError:
		return Pattern{Red: LEDBlinkFast}
	default: // StateIdle
		return Pattern{Red: LEDBlinkSlow}
	}
}

// LEDs drives the three status pins.
type LEDs struct {
	red    gpio.Pin
	yellow gpio.Pin
	green  gpio.Pin
}

// NewLEDs bundles the three output pins.
func NewLEDs(red, yellow, green gpio.Pin) *LEDs {
	return &LEDs{red: red, yellow: yellow, green: green}
}

// Apply asserts the pattern's levels for the given instant. Called every
// tick regardless of state change, which also recovers from transient
// electrical glitches on the outputs.
func (l *LEDs) Apply(p Pattern, now time.Time) {
	l.set(l.red, p.Red.LevelAt(now))
	l.set(l.yellow, p.Yellow.LevelAt(now))
	l.set(l.green, p.Green.LevelAt(now))
}

// Off clears all three LEDs, used on shutdown.
func (l *LEDs) Off() {
	l.set(l.red, false)
	l.set(l.yellow, false)
	l.set(l.green, false)
}

func (l *LEDs) set(pin gpio.Pin, level bool) {
	if err := pin.Write(level); err != nil {
		log.Warn().Err(err).Int("pin", pin.Number()).Msg("led write failed")
	}
}
