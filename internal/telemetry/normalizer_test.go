package telemetry_test

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmatch/climate-agent/internal/telemetry"
)

func newTestNormalizer(clock func() time.Time) *telemetry.Normalizer {
	return telemetry.NewNormalizer(telemetry.NormalizerConfig{
		DeviceID:     "esp32-office-lab",
		Location:     telemetry.Location{Latitude: 3.1390, Longitude: 101.6869},
		ADCFullScale: 4095,
		Clock:        clock,
		Logger:       zerolog.Nop(),
	})
}

func TestNormalize_CleanReading(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := newTestNormalizer(func() time.Time { return now })

	rec, err := n.Normalize(telemetry.Reading{Temperature: 22.5, Humidity: 45.0, GasRaw: 200})
	require.NoError(t, err)

	assert.Equal(t, "esp32-office-lab", rec.DeviceID)
	assert.Equal(t, now.Unix(), rec.Timestamp)
	assert.Equal(t, 3.1390, rec.Location.Latitude)
	assert.Equal(t, 101.6869, rec.Location.Longitude)
	assert.InDelta(t, 22.5, rec.Temperature, 0.001)
	assert.InDelta(t, 45.0, rec.Humidity, 0.001)
	assert.InDelta(t, 48.84, rec.CO2, 0.001)
	assert.Equal(t, telemetry.AirQualityGood, rec.AirQuality)
	assert.Equal(t, 200, rec.GasRaw)
}

func TestNormalize_ModerateCategory(t *testing.T) {
	n := newTestNormalizer(nil)

	rec, err := n.Normalize(telemetry.Reading{Temperature: 21.0, Humidity: 50.0, GasRaw: 2048})
	require.NoError(t, err)

	assert.InDelta(t, 500.12, rec.CO2, 0.001)
	assert.Equal(t, telemetry.AirQualityModerate, rec.AirQuality)
}

func TestNormalize_IncompleteReading(t *testing.T) {
	n := newTestNormalizer(nil)

	rec, err := n.Normalize(telemetry.Reading{Temperature: math.NaN(), Humidity: 45.0, GasRaw: 200})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, telemetry.ErrIncompleteReading)
}

func TestNormalize_RoundsToTwoDecimals(t *testing.T) {
	n := newTestNormalizer(nil)

	rec, err := n.Normalize(telemetry.Reading{Temperature: 22.456, Humidity: 45.678, GasRaw: 333})
	require.NoError(t, err)

	assert.InDelta(t, 22.46, rec.Temperature, 0.0001)
	assert.InDelta(t, 45.68, rec.Humidity, 0.0001)
}

func TestNormalize_TimestampNeverRunsBackwards(t *testing.T) {
	times := []time.Time{
		time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC),
		time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC), // clock stepped back
		time.Date(2025, 6, 1, 12, 0, 20, 0, time.UTC),
	}
	i := 0
	n := newTestNormalizer(func() time.Time {
		ts := times[i]
		i++
		return ts
	})

	reading := telemetry.Reading{Temperature: 22.0, Humidity: 40.0, GasRaw: 100}

	first, err := n.Normalize(reading)
	require.NoError(t, err)
	second, err := n.Normalize(reading)
	require.NoError(t, err)
	third, err := n.Normalize(reading)
	require.NoError(t, err)

	assert.Equal(t, times[0].Unix(), first.Timestamp)
	assert.Equal(t, first.Timestamp, second.Timestamp, "timestamp must hold while the clock is behind")
	assert.Equal(t, times[2].Unix(), third.Timestamp)
}

func TestNormalize_DefaultFullScale(t *testing.T) {
	n := telemetry.NewNormalizer(telemetry.NormalizerConfig{
		DeviceID: "dev-01",
		Logger:   zerolog.Nop(),
	})

	rec, err := n.Normalize(telemetry.Reading{Temperature: 20.0, Humidity: 40.0, GasRaw: 4095})
	require.NoError(t, err)

	assert.InDelta(t, 1000.0, rec.CO2, 0.001)
	assert.Equal(t, telemetry.AirQualityPoor, rec.AirQuality)
}
