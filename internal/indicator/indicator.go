// Package indicator drives the delivery confirmation indicator, the LED a
// field technician glances at to see the device is alive and uploading.
package indicator

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultPulse is the standard confirmation pulse width.
const DefaultPulse = 100 * time.Millisecond

// Indicator confirms a successful delivery. Pulse must not block the
// caller; hardware implementations schedule the signal and return.
type Indicator interface {
	Pulse(d time.Duration)
}

// LogIndicator substitutes a log line for the LED on headless platforms.
type LogIndicator struct {
	logger zerolog.Logger
}

// NewLogIndicator creates a log-backed indicator.
func NewLogIndicator(logger zerolog.Logger) *LogIndicator {
	return &LogIndicator{logger: logger}
}

func (i *LogIndicator) Pulse(d time.Duration) {
	i.logger.Debug().Dur("duration", d).Msg("delivery indicator pulse")
}

// Nop discards pulses.
type Nop struct{}

func (Nop) Pulse(time.Duration) {}
