package sensor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/devmatch/climate-agent/internal/telemetry"
)

// SimulatedSourceConfig holds configuration for a SimulatedSource.
type SimulatedSourceConfig struct {
	// BaseTemperature in °C around which samples jitter (default: 22).
	BaseTemperature float64

	// BaseHumidity in percent around which samples jitter (default: 55).
	BaseHumidity float64

	// TemperatureJitter is the maximum deviation from the base (default: 1.5).
	TemperatureJitter float64

	// HumidityJitter is the maximum deviation from the base (default: 5).
	HumidityJitter float64

	// GasMin and GasMax bound the simulated raw ADC code
	// (defaults: 100 and 1000).
	GasMin int
	GasMax int

	// WarmupPolls makes the first N polls fail with ErrNotReady, which is
	// how a real gas sensor behaves right after power-on (default: 0).
	WarmupPolls int

	// Seed for the random source. Zero seeds from the current time.
	Seed int64
}

// SimulatedSource generates plausible readings without hardware. It backs
// the agent on platforms without a sensor bus and serves as the test
// double for the polling pipeline.
type SimulatedSource struct {
	baseTemperature   float64
	baseHumidity      float64
	temperatureJitter float64
	humidityJitter    float64
	gasMin            int
	gasMax            int

	mu     sync.Mutex
	rng    *rand.Rand
	warmup int
}

// NewSimulatedSource creates a simulated source.
func NewSimulatedSource(cfg SimulatedSourceConfig) *SimulatedSource {
	baseTemperature := cfg.BaseTemperature
	if baseTemperature == 0 {
		baseTemperature = 22
	}
	baseHumidity := cfg.BaseHumidity
	if baseHumidity == 0 {
		baseHumidity = 55
	}
	temperatureJitter := cfg.TemperatureJitter
	if temperatureJitter == 0 {
		temperatureJitter = 1.5
	}
	humidityJitter := cfg.HumidityJitter
	if humidityJitter == 0 {
		humidityJitter = 5
	}
	gasMin := cfg.GasMin
	if gasMin == 0 {
		gasMin = 100
	}
	gasMax := cfg.GasMax
	if gasMax <= gasMin {
		gasMax = gasMin + 900
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &SimulatedSource{
		baseTemperature:   baseTemperature,
		baseHumidity:      baseHumidity,
		temperatureJitter: temperatureJitter,
		humidityJitter:    humidityJitter,
		gasMin:            gasMin,
		gasMax:            gasMax,
		rng:               rand.New(rand.NewSource(seed)),
		warmup:            cfg.WarmupPolls,
	}
}

// Poll returns a jittered sample. During the configured warm-up window it
// fails with ErrNotReady instead.
func (s *SimulatedSource) Poll(_ context.Context) (telemetry.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.warmup > 0 {
		s.warmup--
		return telemetry.Reading{}, classify("simulated", ErrNotReady)
	}

	return telemetry.Reading{
		Temperature: s.baseTemperature + s.jitter(s.temperatureJitter),
		Humidity:    s.baseHumidity + s.jitter(s.humidityJitter),
		GasRaw:      s.gasMin + s.rng.Intn(s.gasMax-s.gasMin+1),
	}, nil
}

func (s *SimulatedSource) jitter(max float64) float64 {
	return (s.rng.Float64()*2 - 1) * max
}
