// Package telemetry defines the normalized climate telemetry record and the
// in-memory delivery queue that buffers records between sampling and upload.
package telemetry

import (
	"errors"
	"math"
)

// Normalization errors.
var (
	ErrIncompleteReading = errors.New("incomplete sensor reading")
)

// DefaultADCFullScale is the full-scale code of a 12-bit ADC, the converter
// used by the reference hardware for the gas sensor channel.
const DefaultADCFullScale = 4095

// AirQuality is the qualitative air quality category derived from the gas
// sensor concentration.
type AirQuality string

const (
	AirQualityGood     AirQuality = "Good"
	AirQualityModerate AirQuality = "Moderate"
	AirQualityPoor     AirQuality = "Poor"
)

// Category thresholds in ppm-equivalent concentration. A boundary value
// belongs to the higher category: exactly 400.0 is Moderate, exactly
// 1000.0 is Poor.
const (
	ThresholdModerate = 400.0
	ThresholdPoor     = 1000.0
)

// Location is a fixed installation position in decimal degrees.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Reading is one raw sample taken from the sensors. Temperature and
// humidity come from the climate sensor as-is; GasRaw is the unconverted
// ADC code from the gas sensor channel.
type Reading struct {
	Temperature float64
	Humidity    float64
	GasRaw      int
}

// Valid reports whether the reading carries a complete set of values.
// Climate sensors signal a failed read with NaN channels.
func (r Reading) Valid() bool {
	return !math.IsNaN(r.Temperature) && !math.IsNaN(r.Humidity)
}

// Record is a normalized measurement ready for delivery. Values are
// rounded to two decimal places and the timestamp is Unix seconds,
// monotonically non-decreasing within an agent session.
type Record struct {
	DeviceID    string
	Timestamp   int64
	Location    Location
	Temperature float64
	Humidity    float64
	CO2         float64
	AirQuality  AirQuality
	GasRaw      int
}

// Concentration converts a raw ADC code to the ppm-equivalent scale used
// for air quality classification. The result is rounded to two decimal
// places; classification and the delivered value always agree.
func Concentration(raw, fullScale int) float64 {
	return round2(float64(raw) / float64(fullScale) * 1000)
}

// ClassifyAirQuality maps a ppm-equivalent concentration to its category.
func ClassifyAirQuality(ppm float64) AirQuality {
	switch {
	case ppm < ThresholdModerate:
		return AirQualityGood
	case ppm < ThresholdPoor:
		return AirQualityModerate
	default:
		return AirQualityPoor
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
