// Package config loads agent configuration from defaults, an optional
// YAML file, and environment overrides, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrMissingDeviceID   = errors.New("device_id is required")
	ErrMissingSecret     = errors.New("device_secret is required")
	ErrMissingBackendURL = errors.New("backend_url is required for http transport")
	ErrMissingBrokerURL  = errors.New("broker_url is required for mqtt transport")
)

// Config is the complete agent configuration. Treat a loaded Config as
// immutable; the agent never re-reads it at runtime.
type Config struct {
	// Device identity and credentials.
	DeviceID     string
	DeviceSecret string

	// AuthMode is "static" or "jwt".
	AuthMode string

	// Transport is "http" or "mqtt".
	Transport  string
	BackendURL string
	BrokerURL  string

	// BrokerTopic is the topic prefix records are published under; the
	// device ID is appended.
	BrokerTopic string

	// Installation position stamped on every record.
	Latitude  float64
	Longitude float64

	// Pipeline timing.
	PollInterval        time.Duration
	SendTimeout         time.Duration
	InitialRetryBackoff time.Duration
	MaxRetryBackoff     time.Duration

	QueueCapacity int
	ADCFullScale  int
	PulseDuration time.Duration

	// SimulateSensor runs the built-in simulated source instead of
	// hardware drivers. WarmupPolls makes the simulator report not-ready
	// for its first N polls.
	SimulateSensor bool
	WarmupPolls    int

	// Ops surface.
	OpsAddr  string
	LogLevel string

	Observability ObservabilityConfig
}

// ObservabilityConfig controls OTLP export.
type ObservabilityConfig struct {
	Enabled     bool
	Endpoint    string
	Environment string
	SampleRatio float64
}

// Default returns the configuration the agent ships with. Location
// defaults to the Kuala Lumpur pilot installation.
func Default() Config {
	return Config{
		AuthMode:            "static",
		Transport:           "http",
		BrokerTopic:         "devmatch/telemetry",
		Latitude:            3.1390,
		Longitude:           101.6869,
		PollInterval:        60 * time.Second,
		SendTimeout:         30 * time.Second,
		InitialRetryBackoff: 2 * time.Second,
		MaxRetryBackoff:     2 * time.Minute,
		QueueCapacity:       32,
		ADCFullScale:        4095,
		PulseDuration:       100 * time.Millisecond,
		SimulateSensor:      true,
		OpsAddr:             ":9090",
		LogLevel:            "info",
		Observability: ObservabilityConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Environment: "production",
			SampleRatio: 0.1,
		},
	}
}

// Load builds the configuration. A missing path skips the file layer;
// a path that exists but cannot be read or parsed is an error, never a
// silent fallback.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if c.DeviceSecret == "" {
		return ErrMissingSecret
	}
	switch c.AuthMode {
	case "static", "jwt":
	default:
		return fmt.Errorf("auth_mode must be static or jwt, got %q", c.AuthMode)
	}
	switch c.Transport {
	case "http":
		if c.BackendURL == "" {
			return ErrMissingBackendURL
		}
	case "mqtt":
		if c.BrokerURL == "" {
			return ErrMissingBrokerURL
		}
	default:
		return fmt.Errorf("transport must be http or mqtt, got %q", c.Transport)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", c.Longitude)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive, got %v", c.SendTimeout)
	}
	if c.InitialRetryBackoff <= 0 || c.MaxRetryBackoff < c.InitialRetryBackoff {
		return fmt.Errorf("retry backoff window %v..%v is invalid", c.InitialRetryBackoff, c.MaxRetryBackoff)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.ADCFullScale <= 0 {
		return fmt.Errorf("adc_full_scale must be positive, got %d", c.ADCFullScale)
	}
	if r := c.Observability.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("observability sample_ratio %v out of range", r)
	}
	return nil
}

// fileConfig mirrors the YAML layout. Durations are strings so the file
// can say "60s" or "2m"; absent keys leave the prefilled defaults alone.
type fileConfig struct {
	DeviceID     string `yaml:"device_id"`
	DeviceSecret string `yaml:"device_secret"`
	AuthMode     string `yaml:"auth_mode"`
	Transport    string `yaml:"transport"`
	BackendURL   string `yaml:"backend_url"`
	BrokerURL    string `yaml:"broker_url"`
	BrokerTopic  string `yaml:"broker_topic"`

	Location struct {
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
	} `yaml:"location"`

	PollInterval        string `yaml:"poll_interval"`
	SendTimeout         string `yaml:"send_timeout"`
	InitialRetryBackoff string `yaml:"initial_retry_backoff"`
	MaxRetryBackoff     string `yaml:"max_retry_backoff"`

	QueueCapacity int    `yaml:"queue_capacity"`
	ADCFullScale  int    `yaml:"adc_full_scale"`
	PulseDuration string `yaml:"pulse_duration"`

	SimulateSensor bool `yaml:"simulate_sensor"`
	WarmupPolls    int  `yaml:"warmup_polls"`

	OpsAddr  string `yaml:"ops_addr"`
	LogLevel string `yaml:"log_level"`

	Observability struct {
		Enabled     bool    `yaml:"enabled"`
		Endpoint    string  `yaml:"endpoint"`
		Environment string  `yaml:"environment"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"observability"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	fc := fileConfig{
		DeviceID:            cfg.DeviceID,
		DeviceSecret:        cfg.DeviceSecret,
		AuthMode:            cfg.AuthMode,
		Transport:           cfg.Transport,
		BackendURL:          cfg.BackendURL,
		BrokerURL:           cfg.BrokerURL,
		BrokerTopic:         cfg.BrokerTopic,
		PollInterval:        cfg.PollInterval.String(),
		SendTimeout:         cfg.SendTimeout.String(),
		InitialRetryBackoff: cfg.InitialRetryBackoff.String(),
		MaxRetryBackoff:     cfg.MaxRetryBackoff.String(),
		QueueCapacity:       cfg.QueueCapacity,
		ADCFullScale:        cfg.ADCFullScale,
		PulseDuration:       cfg.PulseDuration.String(),
		SimulateSensor:      cfg.SimulateSensor,
		WarmupPolls:         cfg.WarmupPolls,
		OpsAddr:             cfg.OpsAddr,
		LogLevel:            cfg.LogLevel,
	}
	fc.Location.Latitude = cfg.Latitude
	fc.Location.Longitude = cfg.Longitude
	fc.Observability.Enabled = cfg.Observability.Enabled
	fc.Observability.Endpoint = cfg.Observability.Endpoint
	fc.Observability.Environment = cfg.Observability.Environment
	fc.Observability.SampleRatio = cfg.Observability.SampleRatio

	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DeviceID = fc.DeviceID
	cfg.DeviceSecret = fc.DeviceSecret
	cfg.AuthMode = fc.AuthMode
	cfg.Transport = fc.Transport
	cfg.BackendURL = fc.BackendURL
	cfg.BrokerURL = fc.BrokerURL
	cfg.BrokerTopic = fc.BrokerTopic
	cfg.Latitude = fc.Location.Latitude
	cfg.Longitude = fc.Location.Longitude
	cfg.QueueCapacity = fc.QueueCapacity
	cfg.ADCFullScale = fc.ADCFullScale
	cfg.SimulateSensor = fc.SimulateSensor
	cfg.WarmupPolls = fc.WarmupPolls
	cfg.OpsAddr = fc.OpsAddr
	cfg.LogLevel = fc.LogLevel
	cfg.Observability.Enabled = fc.Observability.Enabled
	cfg.Observability.Endpoint = fc.Observability.Endpoint
	cfg.Observability.Environment = fc.Observability.Environment
	cfg.Observability.SampleRatio = fc.Observability.SampleRatio

	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &cfg.PollInterval},
		{"send_timeout", fc.SendTimeout, &cfg.SendTimeout},
		{"initial_retry_backoff", fc.InitialRetryBackoff, &cfg.InitialRetryBackoff},
		{"max_retry_backoff", fc.MaxRetryBackoff, &cfg.MaxRetryBackoff},
		{"pulse_duration", fc.PulseDuration, &cfg.PulseDuration},
	} {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

func applyEnv(cfg *Config) {
	cfg.DeviceID = getenvDefault("DEVMATCH_DEVICE_ID", cfg.DeviceID)
	cfg.DeviceSecret = getenvDefault("DEVMATCH_DEVICE_SECRET", cfg.DeviceSecret)
	cfg.AuthMode = getenvDefault("DEVMATCH_AUTH_MODE", cfg.AuthMode)
	cfg.Transport = getenvDefault("DEVMATCH_TRANSPORT", cfg.Transport)
	cfg.BackendURL = getenvDefault("DEVMATCH_BACKEND_URL", cfg.BackendURL)
	cfg.BrokerURL = getenvDefault("DEVMATCH_BROKER_URL", cfg.BrokerURL)
	cfg.BrokerTopic = getenvDefault("DEVMATCH_BROKER_TOPIC", cfg.BrokerTopic)
	cfg.Latitude = getenvFloatDefault("DEVMATCH_LATITUDE", cfg.Latitude)
	cfg.Longitude = getenvFloatDefault("DEVMATCH_LONGITUDE", cfg.Longitude)
	cfg.PollInterval = getenvDuration("DEVMATCH_POLL_INTERVAL", cfg.PollInterval)
	cfg.SendTimeout = getenvDuration("DEVMATCH_SEND_TIMEOUT", cfg.SendTimeout)
	cfg.InitialRetryBackoff = getenvDuration("DEVMATCH_INITIAL_RETRY_BACKOFF", cfg.InitialRetryBackoff)
	cfg.MaxRetryBackoff = getenvDuration("DEVMATCH_MAX_RETRY_BACKOFF", cfg.MaxRetryBackoff)
	cfg.QueueCapacity = getenvIntDefault("DEVMATCH_QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.ADCFullScale = getenvIntDefault("DEVMATCH_ADC_FULL_SCALE", cfg.ADCFullScale)
	cfg.PulseDuration = getenvDuration("DEVMATCH_PULSE_DURATION", cfg.PulseDuration)
	cfg.SimulateSensor = getenvBoolDefault("DEVMATCH_SIMULATE_SENSOR", cfg.SimulateSensor)
	cfg.WarmupPolls = getenvIntDefault("DEVMATCH_WARMUP_POLLS", cfg.WarmupPolls)
	cfg.OpsAddr = getenvDefault("DEVMATCH_OPS_ADDR", cfg.OpsAddr)
	cfg.LogLevel = getenvDefault("DEVMATCH_LOG_LEVEL", cfg.LogLevel)
	cfg.Observability.Enabled = getenvBoolDefault("DEVMATCH_OTEL_ENABLED", cfg.Observability.Enabled)
	cfg.Observability.Endpoint = getenvDefault("DEVMATCH_OTEL_ENDPOINT", cfg.Observability.Endpoint)
	cfg.Observability.Environment = getenvDefault("DEVMATCH_OTEL_ENVIRONMENT", cfg.Observability.Environment)
	cfg.Observability.SampleRatio = getenvFloatDefault("DEVMATCH_OTEL_SAMPLE_RATIO", cfg.Observability.SampleRatio)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
