package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NormalizerConfig holds configuration for a Normalizer.
type NormalizerConfig struct {
	// DeviceID stamps every record with the device identity.
	DeviceID string

	// Location is the fixed installation position stamped on every record.
	Location Location

	// ADCFullScale is the full-scale code of the gas sensor ADC
	// (default: DefaultADCFullScale).
	ADCFullScale int

	// Clock supplies record timestamps (default: time.Now). Overridable
	// in tests.
	Clock func() time.Time

	// Logger for normalization events.
	Logger zerolog.Logger
}

// Normalizer validates raw readings and converts them into delivery-ready
// records. It is safe for concurrent use, though the agent drives it from
// a single goroutine.
type Normalizer struct {
	deviceID  string
	location  Location
	fullScale int
	clock     func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	lastUnix int64
}

// NewNormalizer creates a normalizer for one device.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	fullScale := cfg.ADCFullScale
	if fullScale <= 0 {
		fullScale = DefaultADCFullScale
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Normalizer{
		deviceID:  cfg.DeviceID,
		location:  cfg.Location,
		fullScale: fullScale,
		clock:     clock,
		logger:    cfg.Logger,
	}
}

// Normalize converts a raw reading into a record. Readings with NaN
// climate channels are rejected with ErrIncompleteReading and produce no
// record. Temperature and humidity are rounded to two decimal places, the
// gas code is converted to a ppm-equivalent concentration and classified,
// and the timestamp is clamped so it never runs backwards within a session
// even if the wall clock does.
func (n *Normalizer) Normalize(r Reading) (*Record, error) {
	if !r.Valid() {
		n.logger.Warn().
			Float64("temperature", r.Temperature).
			Float64("humidity", r.Humidity).
			Msg("rejecting incomplete reading")
		return nil, ErrIncompleteReading
	}

	co2 := Concentration(r.GasRaw, n.fullScale)

	rec := &Record{
		DeviceID:    n.deviceID,
		Timestamp:   n.nextTimestamp(),
		Location:    n.location,
		Temperature: round2(r.Temperature),
		Humidity:    round2(r.Humidity),
		CO2:         co2,
		AirQuality:  ClassifyAirQuality(co2),
		GasRaw:      r.GasRaw,
	}

	n.logger.Debug().
		Int64("timestamp", rec.Timestamp).
		Float64("temperature", rec.Temperature).
		Float64("humidity", rec.Humidity).
		Float64("co2", rec.CO2).
		Str("air_quality", string(rec.AirQuality)).
		Msg("reading normalized")

	return rec, nil
}

// nextTimestamp returns the current Unix time, never earlier than the
// last timestamp issued.
func (n *Normalizer) nextTimestamp() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock().Unix()
	if now < n.lastUnix {
		now = n.lastUnix
	}
	n.lastUnix = now
	return now
}
