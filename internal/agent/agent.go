// Package agent runs the sampling and delivery loop: poll the sensors,
// normalize the reading, queue the record, and push queued records to the
// backend, pacing retries with exponential backoff.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devmatch/climate-agent/internal/diag"
	"github.com/devmatch/climate-agent/internal/indicator"
	"github.com/devmatch/climate-agent/internal/link"
	"github.com/devmatch/climate-agent/internal/sensor"
	"github.com/devmatch/climate-agent/internal/telemetry"
	"github.com/devmatch/climate-agent/internal/transmit"
)

const tracerName = "github.com/devmatch/climate-agent/internal/agent"

// State is the phase of the cycle the agent is currently in.
type State string

const (
	StateIdle         State = "idle"
	StatePolling      State = "polling"
	StateNormalizing  State = "normalizing"
	StateQueuing      State = "queuing"
	StateTransmitting State = "transmitting"
)

// Config holds configuration for the agent.
type Config struct {
	// Source supplies raw sensor readings.
	Source sensor.Source

	// Normalizer converts readings into records.
	Normalizer *telemetry.Normalizer

	// Queue buffers records between cycles.
	Queue *telemetry.Queue

	// Transmitter delivers records to the backend.
	Transmitter transmit.Transmitter

	// Link gates delivery on network availability (default: link.HostLink).
	Link link.Link

	// Indicator confirms successful deliveries (default: discard).
	Indicator indicator.Indicator

	// Logger for cycle events.
	Logger zerolog.Logger

	// Metrics updates the local Prometheus counters. Optional.
	Metrics *diag.Metrics

	// PollInterval is the sampling cadence, measured start to start
	// (default: 60 seconds).
	PollInterval time.Duration

	// InitialBackoff is the first retry delay after a transient delivery
	// failure (default: 2 seconds).
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay however long the backend stays down
	// (default: 2 minutes).
	MaxBackoff time.Duration

	// PulseDuration is the indicator pulse width
	// (default: indicator.DefaultPulse).
	PulseDuration time.Duration
}

// Counters accumulate over the lifetime of one agent session.
type Counters struct {
	Cycles           uint64
	SensorNotReady   uint64
	SensorFailures   uint64
	RejectedReadings uint64
	Enqueued         uint64
	Delivered        uint64
	RetriedAttempts  uint64
	Dropped          uint64
}

// Snapshot is a point-in-time view of the agent for the status endpoint.
type Snapshot struct {
	State          State
	SessionID      string
	StartedAt      time.Time
	LastCycleAt    time.Time
	LastDeliveryAt time.Time
	QueueDepth     int
	QueueEvictions uint64
	BackoffUntil   time.Time
	Counters       Counters
}

// Agent drives the pipeline from a single goroutine. Each tick runs one
// cycle; slow deliveries never stretch the sampling cadence because
// undeliverable records park in the queue behind a backoff deadline
// instead of blocking the loop.
type Agent struct {
	source      sensor.Source
	normalizer  *telemetry.Normalizer
	queue       *telemetry.Queue
	transmitter transmit.Transmitter
	link        link.Link
	indicator   indicator.Indicator
	logger      zerolog.Logger
	metrics     *diag.Metrics
	tracer      trace.Tracer

	pollInterval time.Duration
	pulse        time.Duration
	bo           *backoff.ExponentialBackOff

	mu             sync.RWMutex
	state          State
	sessionID      string
	startedAt      time.Time
	lastCycleAt    time.Time
	lastDeliveryAt time.Time
	backoffUntil   time.Time
	counters       Counters
}

// New creates an agent.
func New(cfg Config) *Agent {
	lnk := cfg.Link
	if lnk == nil {
		lnk = link.HostLink{}
	}
	ind := cfg.Indicator
	if ind == nil {
		ind = indicator.Nop{}
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 60 * time.Second
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = 2 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 2 * time.Minute
	}
	pulse := cfg.PulseDuration
	if pulse == 0 {
		pulse = indicator.DefaultPulse
	}

	// Deterministic doubling up to the ceiling. Randomization is off so a
	// technician watching the logs sees the documented 2s, 4s, 8s ladder.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Agent{
		source:       cfg.Source,
		normalizer:   cfg.Normalizer,
		queue:        cfg.Queue,
		transmitter:  cfg.Transmitter,
		link:         lnk,
		indicator:    ind,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		tracer:       otel.Tracer(tracerName),
		pollInterval: pollInterval,
		pulse:        pulse,
		bo:           bo,
		state:        StateIdle,
		sessionID:    "run_" + uuid.New().String()[:22],
		startedAt:    time.Now(),
	}
}

// Run executes cycles until the context is cancelled. The first cycle
// starts immediately. Cancellation is the normal stop path and returns
// nil; records still queued at shutdown are lost, which the data model
// tolerates.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Str("session_id", a.sessionID).
		Dur("poll_interval", a.pollInterval).
		Msg("agent started")

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		a.RunCycle(ctx)

		select {
		case <-ctx.Done():
			a.setState(StateIdle)
			a.logger.Info().
				Int("queue_depth", a.queue.Len()).
				Msg("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle runs one pass of the state machine: poll, normalize, queue,
// transmit. A failure in any stage skips the rest of the cycle; the agent
// returns to idle and waits for the next tick. Run calls this on every
// tick; it is exported so schedulers other than the built-in ticker can
// drive the agent.
func (a *Agent) RunCycle(ctx context.Context) {
	ctx, span := a.tracer.Start(ctx, "agent.cycle")
	defer span.End()

	a.mu.Lock()
	a.counters.Cycles++
	a.lastCycleAt = time.Now()
	a.mu.Unlock()
	a.metrics.IncCycles()

	reading, ok := a.poll(ctx)
	if !ok {
		span.SetAttributes(attribute.String("cycle.result", "sensor_failure"))
		a.setState(StateIdle)
		return
	}

	rec, ok := a.normalize(reading)
	if !ok {
		span.SetAttributes(attribute.String("cycle.result", "rejected_reading"))
		a.setState(StateIdle)
		return
	}

	a.enqueue(rec)
	a.transmitPending(ctx)

	span.SetAttributes(
		attribute.String("cycle.result", "completed"),
		attribute.Int("cycle.queue_depth", a.queue.Len()),
	)
	a.setState(StateIdle)
}

func (a *Agent) poll(ctx context.Context) (telemetry.Reading, bool) {
	a.setState(StatePolling)

	reading, err := a.source.Poll(ctx)
	if err != nil {
		if errors.Is(err, sensor.ErrNotReady) {
			a.mu.Lock()
			a.counters.SensorNotReady++
			a.mu.Unlock()
			a.logger.Info().Err(err).Msg("sensor not ready, skipping cycle")
		} else {
			a.mu.Lock()
			a.counters.SensorFailures++
			a.mu.Unlock()
			a.logger.Warn().Err(err).Msg("sensor read failed, skipping cycle")
		}
		a.metrics.IncSensorFailures()
		return telemetry.Reading{}, false
	}
	return reading, true
}

func (a *Agent) normalize(reading telemetry.Reading) (*telemetry.Record, bool) {
	a.setState(StateNormalizing)

	rec, err := a.normalizer.Normalize(reading)
	if err != nil {
		a.mu.Lock()
		a.counters.RejectedReadings++
		a.mu.Unlock()
		a.metrics.IncRejectedReadings()
		a.logger.Warn().Err(err).Msg("reading rejected, skipping cycle")
		return nil, false
	}
	return rec, true
}

func (a *Agent) enqueue(rec *telemetry.Record) {
	a.setState(StateQueuing)

	evictedBefore := a.queue.Stats().Evicted
	a.queue.Enqueue(rec)

	a.mu.Lock()
	a.counters.Enqueued++
	a.mu.Unlock()
	a.metrics.IncEnqueued()
	a.metrics.AddEvictions(a.queue.Stats().Evicted - evictedBefore)
	a.metrics.SetQueueDepth(a.queue.Len())
}

// transmitPending drains the queue until it is empty, a transient failure
// pushes the head record back, or the backoff deadline from an earlier
// failure has not passed yet. Holding attempts behind the deadline keeps
// a dead backend from consuming the cycle.
func (a *Agent) transmitPending(ctx context.Context) {
	a.setState(StateTransmitting)

	a.mu.RLock()
	backoffUntil := a.backoffUntil
	a.mu.RUnlock()
	if now := time.Now(); now.Before(backoffUntil) {
		a.logger.Debug().
			Time("until", backoffUntil).
			Int("queue_depth", a.queue.Len()).
			Msg("holding deliveries for backoff")
		return
	}

	if !a.link.IsConnected() {
		if err := a.link.Connect(ctx); err != nil {
			a.deferDeliveries(err)
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		rec, ok := a.queue.Dequeue()
		if !ok {
			a.metrics.SetQueueDepth(0)
			return
		}

		out := a.sendRecord(ctx, rec)
		switch out.Class {
		case transmit.ClassDelivered:
			a.confirmDelivery()
		case transmit.ClassRetryable:
			evictedBefore := a.queue.Stats().Evicted
			a.queue.RequeueFront(rec)
			a.metrics.AddEvictions(a.queue.Stats().Evicted - evictedBefore)

			a.mu.Lock()
			a.counters.RetriedAttempts++
			a.mu.Unlock()
			a.metrics.IncRetriedAttempts()
			a.metrics.SetQueueDepth(a.queue.Len())

			a.deferDeliveries(out.Err)
			return
		case transmit.ClassTerminal:
			a.mu.Lock()
			a.counters.Dropped++
			a.mu.Unlock()
			a.metrics.IncDropped()

			// The failed record is gone; the next one starts a fresh
			// attempt sequence.
			a.resetBackoff()
		}
		a.metrics.SetQueueDepth(a.queue.Len())
	}
}

// sendRecord runs one delivery attempt inside its own span.
func (a *Agent) sendRecord(ctx context.Context, rec *telemetry.Record) transmit.Outcome {
	ctx, span := a.tracer.Start(ctx, "agent.deliver")
	defer span.End()

	out := a.transmitter.Send(ctx, rec)

	span.SetAttributes(attribute.String("delivery.class", string(out.Class)))
	if out.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.status_code", out.StatusCode))
	}
	return out
}

func (a *Agent) confirmDelivery() {
	a.mu.Lock()
	a.counters.Delivered++
	a.lastDeliveryAt = time.Now()
	a.backoffUntil = time.Time{}
	a.mu.Unlock()

	a.bo.Reset()
	a.metrics.IncDelivered()
	a.indicator.Pulse(a.pulse)
}

func (a *Agent) deferDeliveries(cause error) {
	wait := a.bo.NextBackOff()

	a.mu.Lock()
	a.backoffUntil = time.Now().Add(wait)
	a.mu.Unlock()

	a.logger.Warn().
		Err(cause).
		Dur("retry_in", wait).
		Int("queue_depth", a.queue.Len()).
		Msg("delivery deferred")
}

func (a *Agent) resetBackoff() {
	a.mu.Lock()
	a.backoffUntil = time.Time{}
	a.mu.Unlock()
	a.bo.Reset()
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Snapshot returns the agent's current state and counters.
func (a *Agent) Snapshot() Snapshot {
	stats := a.queue.Stats()

	a.mu.RLock()
	defer a.mu.RUnlock()

	return Snapshot{
		State:          a.state,
		SessionID:      a.sessionID,
		StartedAt:      a.startedAt,
		LastCycleAt:    a.lastCycleAt,
		LastDeliveryAt: a.lastDeliveryAt,
		QueueDepth:     stats.Depth,
		QueueEvictions: stats.Evicted,
		BackoffUntil:   a.backoffUntil,
		Counters:       a.counters,
	}
}
