// Package main provides the entrypoint for the DevMatch climate agent.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/devmatch/climate-agent/internal/agent"
	"github.com/devmatch/climate-agent/internal/config"
	"github.com/devmatch/climate-agent/internal/diag"
	"github.com/devmatch/climate-agent/internal/indicator"
	"github.com/devmatch/climate-agent/internal/observability"
	"github.com/devmatch/climate-agent/internal/ops"
	"github.com/devmatch/climate-agent/internal/sensor"
	"github.com/devmatch/climate-agent/internal/telemetry"
	"github.com/devmatch/climate-agent/internal/transmit"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "devmatch-climate-agent"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting climate agent")

	// Load configuration (defaults <- file <- environment)
	cfg, err := config.Load(os.Getenv("DEVMATCH_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if level, parseErr := zerolog.ParseLevel(cfg.LogLevel); parseErr == nil && level != zerolog.NoLevel {
		log = log.Level(level)
	}
	log = log.With().Str("device_id", cfg.DeviceID).Logger()

	// Initialize OpenTelemetry
	ctx := context.Background()

	provider, err := observability.Init(ctx, observability.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Observability.Environment,
		DeviceID:       cfg.DeviceID,
		OTLPEndpoint:   cfg.Observability.Endpoint,
		Enabled:        cfg.Observability.Enabled,
		SampleRatio:    cfg.Observability.SampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := provider.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown observability")
		}
	}()

	if cfg.Observability.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Observability.Endpoint).
			Msg("OpenTelemetry initialized")
	}

	// Local Prometheus counters for the ops listener
	metrics := diag.New()

	deliveryMetrics, err := transmit.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize delivery metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, observability cleanup is best-effort
	}

	// Sensor source. The shipped binary samples a simulator; hardware
	// builds embed the agent packages and wire DriverSource to real
	// climate and gas drivers instead.
	var source sensor.Source
	if cfg.SimulateSensor {
		source = sensor.NewSimulatedSource(sensor.SimulatedSourceConfig{
			WarmupPolls: cfg.WarmupPolls,
		})
		log.Info().
			Int("warmup_polls", cfg.WarmupPolls).
			Msg("simulated sensor source initialized")
	} else {
		log.Fatal().Msg("no hardware drivers in this build, set simulate_sensor: true")
	}

	normalizer := telemetry.NewNormalizer(telemetry.NormalizerConfig{
		DeviceID: cfg.DeviceID,
		Location: telemetry.Location{
			Latitude:  cfg.Latitude,
			Longitude: cfg.Longitude,
		},
		ADCFullScale: cfg.ADCFullScale,
		Logger:       log,
	})

	queue := telemetry.NewQueue(telemetry.QueueConfig{
		Capacity: cfg.QueueCapacity,
		Logger:   log,
	})

	var transmitter transmit.Transmitter
	switch cfg.Transport {
	case "mqtt":
		mqttTransmitter := transmit.NewMQTTTransmitter(transmit.MQTTConfig{
			BrokerURL:      cfg.BrokerURL,
			DeviceID:       cfg.DeviceID,
			Password:       cfg.DeviceSecret,
			TopicPrefix:    cfg.BrokerTopic,
			PublishTimeout: cfg.SendTimeout,
			Logger:         log,
			Metrics:        deliveryMetrics,
		})
		defer mqttTransmitter.Close()
		transmitter = mqttTransmitter
		log.Info().
			Str("broker_url", cfg.BrokerURL).
			Str("topic_prefix", cfg.BrokerTopic).
			Msg("mqtt transmitter initialized")
	default:
		credentials := transmit.NewCredentials(transmit.CredentialsConfig{
			Mode:     transmit.CredentialMode(cfg.AuthMode),
			DeviceID: cfg.DeviceID,
			Secret:   cfg.DeviceSecret,
		})
		transmitter = transmit.NewHTTPTransmitter(transmit.HTTPConfig{
			BaseURL:     cfg.BackendURL,
			Credentials: credentials,
			Timeout:     cfg.SendTimeout,
			Logger:      log,
			Metrics:     deliveryMetrics,
		})
		log.Info().
			Str("backend_url", cfg.BackendURL).
			Str("auth_mode", cfg.AuthMode).
			Msg("http transmitter initialized")
	}

	climateAgent := agent.New(agent.Config{
		Source:         source,
		Normalizer:     normalizer,
		Queue:          queue,
		Transmitter:    transmitter,
		Indicator:      indicator.NewLogIndicator(log),
		Logger:         log,
		Metrics:        metrics,
		PollInterval:   cfg.PollInterval,
		InitialBackoff: cfg.InitialRetryBackoff,
		MaxBackoff:     cfg.MaxRetryBackoff,
		PulseDuration:  cfg.PulseDuration,
	})
	log.Info().
		Dur("poll_interval", cfg.PollInterval).
		Int("queue_capacity", cfg.QueueCapacity).
		Str("transport", cfg.Transport).
		Msg("agent initialized")

	// Ops listener: liveness, status, Prometheus scrape
	router := ops.NewRouter(ops.RouterConfig{
		Version:   Version,
		BuildTime: BuildTime,
		Logger:    log,
		Status:    climateAgent,
		Metrics:   metrics,
	})

	server := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("ops server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ops server error")
		}
	}()

	// Run the sampling loop until interrupted
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- climateAgent.Run(runCtx)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down agent")
	cancel()

	if err := <-done; err != nil {
		log.Error().Err(err).Msg("agent stopped with error")
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server forced to shutdown")
	}

	log.Info().Msg("agent stopped")
}
