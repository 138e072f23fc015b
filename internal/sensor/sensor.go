// Package sensor abstracts the climate and gas sensors behind a single
// pollable source. Hardware access lives in drivers supplied by platform
// glue; this package only composes them and classifies their failures.
package sensor

import (
	"context"
	"errors"
	"fmt"

	"github.com/devmatch/climate-agent/internal/telemetry"
)

// Sensor errors.
var (
	// ErrNotReady means the sensor exists but cannot produce a value yet,
	// typically during the warm-up window after power-on.
	ErrNotReady = errors.New("sensor not ready")

	// ErrReadFailure means the read itself failed: bus error, timeout,
	// malformed response from the sensor.
	ErrReadFailure = errors.New("sensor read failure")
)

// Source produces raw sensor readings on demand.
type Source interface {
	// Poll takes one sample from the underlying sensors. Errors match
	// ErrNotReady or ErrReadFailure via errors.Is.
	Poll(ctx context.Context) (telemetry.Reading, error)
}

// ClimateDriver reads the temperature and humidity sensor.
// A driver may return NaN channels on a successful read; validation of
// values is the normalizer's job, not the driver's.
type ClimateDriver interface {
	Read(ctx context.Context) (temperature, humidity float64, err error)
}

// GasDriver reads the raw ADC code from the gas sensor channel.
type GasDriver interface {
	Read(ctx context.Context) (int, error)
}

// DriverSourceConfig holds configuration for a DriverSource.
type DriverSourceConfig struct {
	Climate ClimateDriver
	Gas     GasDriver
}

// DriverSource composes the two physical sensor drivers into one source.
type DriverSource struct {
	climate ClimateDriver
	gas     GasDriver
}

// NewDriverSource creates a source backed by hardware drivers.
func NewDriverSource(cfg DriverSourceConfig) *DriverSource {
	return &DriverSource{
		climate: cfg.Climate,
		gas:     cfg.Gas,
	}
}

// Poll reads both sensors. A failure on either sensor fails the whole
// sample; partial readings are never produced. Driver errors that are not
// already ErrNotReady are reported as ErrReadFailure with the cause
// attached.
func (s *DriverSource) Poll(ctx context.Context) (telemetry.Reading, error) {
	temperature, humidity, err := s.climate.Read(ctx)
	if err != nil {
		return telemetry.Reading{}, classify("climate", err)
	}

	raw, err := s.gas.Read(ctx)
	if err != nil {
		return telemetry.Reading{}, classify("gas", err)
	}

	return telemetry.Reading{
		Temperature: temperature,
		Humidity:    humidity,
		GasRaw:      raw,
	}, nil
}

func classify(name string, err error) error {
	if errors.Is(err, ErrNotReady) {
		return fmt.Errorf("%s sensor: %w", name, err)
	}
	return fmt.Errorf("%s sensor: %w: %s", name, ErrReadFailure, err.Error())
}
