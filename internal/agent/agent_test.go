package agent_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmatch/climate-agent/internal/agent"
	"github.com/devmatch/climate-agent/internal/link"
	"github.com/devmatch/climate-agent/internal/sensor"
	"github.com/devmatch/climate-agent/internal/telemetry"
	"github.com/devmatch/climate-agent/internal/transmit"
)

// scriptedSource returns queued readings and errors in order, repeating
// the final entry once the script runs out.
type scriptedSource struct {
	mu      sync.Mutex
	script  []pollResult
	calls   int
	nextRaw int
}

type pollResult struct {
	err error
}

func (s *scriptedSource) Poll(context.Context) (telemetry.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	idx := s.calls - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	if len(s.script) > 0 && s.script[idx].err != nil {
		return telemetry.Reading{}, s.script[idx].err
	}

	s.nextRaw++
	return telemetry.Reading{Temperature: 22.5, Humidity: 45.0, GasRaw: s.nextRaw}, nil
}

// scriptedTransmitter replays outcome classes in order, repeating the
// final class, and records every record it saw.
type scriptedTransmitter struct {
	mu      sync.Mutex
	classes []transmit.Class
	calls   int
	sent    []*telemetry.Record
}

func (t *scriptedTransmitter) Send(_ context.Context, rec *telemetry.Record) transmit.Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	idx := t.calls - 1
	if idx >= len(t.classes) {
		idx = len(t.classes) - 1
	}

	class := t.classes[idx]
	if class == transmit.ClassDelivered {
		t.sent = append(t.sent, rec)
		return transmit.Outcome{Class: class, StatusCode: 200}
	}
	return transmit.Outcome{Class: class, StatusCode: 503, Err: assert.AnError}
}

func (t *scriptedTransmitter) sentTimestamps() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]int64, len(t.sent))
	for i, rec := range t.sent {
		out[i] = rec.Timestamp
	}
	return out
}

func (t *scriptedTransmitter) sendCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type flakyLink struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectCalls int
}

func (l *flakyLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *flakyLink) Connect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.connectCalls++
	if l.connectErr != nil {
		return l.connectErr
	}
	l.connected = true
	return nil
}

type pulseRecorder struct {
	mu     sync.Mutex
	pulses []time.Duration
}

func (p *pulseRecorder) Pulse(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulses = append(p.pulses, d)
}

func (p *pulseRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pulses)
}

// monotonic clock for the normalizer so records get distinct timestamps.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		base = base.Add(time.Second)
		return base
	}
}

type testAgent struct {
	agent       *agent.Agent
	source      *scriptedSource
	transmitter *scriptedTransmitter
	queue       *telemetry.Queue
	pulses      *pulseRecorder
	link        *flakyLink
}

func newTestAgent(t *testing.T, cfg agent.Config) *testAgent {
	t.Helper()

	ta := &testAgent{
		source:      &scriptedSource{script: []pollResult{{}}},
		transmitter: &scriptedTransmitter{classes: []transmit.Class{transmit.ClassDelivered}},
		pulses:      &pulseRecorder{},
		link:        &flakyLink{connected: true},
	}
	if s, ok := cfg.Source.(*scriptedSource); ok && s != nil {
		ta.source = s
	}
	if tr, ok := cfg.Transmitter.(*scriptedTransmitter); ok && tr != nil {
		ta.transmitter = tr
	}
	if l, ok := cfg.Link.(*flakyLink); ok && l != nil {
		ta.link = l
	}

	if cfg.Queue == nil {
		cfg.Queue = telemetry.NewQueue(telemetry.QueueConfig{Capacity: 16, Logger: zerolog.Nop()})
	}
	ta.queue = cfg.Queue

	if cfg.Normalizer == nil {
		cfg.Normalizer = telemetry.NewNormalizer(telemetry.NormalizerConfig{
			DeviceID: "dev-01",
			Clock:    tickingClock(),
			Logger:   zerolog.Nop(),
		})
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 4 * time.Millisecond
	}

	cfg.Source = ta.source
	cfg.Transmitter = ta.transmitter
	cfg.Link = ta.link
	cfg.Indicator = ta.pulses
	cfg.Logger = zerolog.Nop()

	ta.agent = agent.New(cfg)
	return ta
}

func TestAgent_CycleDeliversRecord(t *testing.T) {
	ta := newTestAgent(t, agent.Config{})

	ta.agent.RunCycle(context.Background())

	snap := ta.agent.Snapshot()
	assert.Equal(t, uint64(1), snap.Counters.Cycles)
	assert.Equal(t, uint64(1), snap.Counters.Enqueued)
	assert.Equal(t, uint64(1), snap.Counters.Delivered)
	assert.Equal(t, 0, snap.QueueDepth)
	assert.Equal(t, agent.StateIdle, snap.State)
	assert.Equal(t, 1, ta.pulses.count())
}

func TestAgent_SensorFailureSkipsCycleOnly(t *testing.T) {
	src := &scriptedSource{script: []pollResult{{err: sensor.ErrReadFailure}, {}}}
	ta := newTestAgent(t, agent.Config{Source: src})

	ta.agent.RunCycle(context.Background())

	snap := ta.agent.Snapshot()
	assert.Equal(t, uint64(1), snap.Counters.SensorFailures)
	assert.Equal(t, uint64(0), snap.Counters.Enqueued)
	assert.Equal(t, 0, ta.transmitter.sendCalls(), "no record may reach the transmitter")

	// The next cycle is unaffected.
	ta.agent.RunCycle(context.Background())

	snap = ta.agent.Snapshot()
	assert.Equal(t, uint64(1), snap.Counters.Delivered)
	assert.Equal(t, uint64(1), snap.Counters.SensorFailures)
}

func TestAgent_SensorNotReadyCountedSeparately(t *testing.T) {
	src := &scriptedSource{script: []pollResult{{err: sensor.ErrNotReady}, {}}}
	ta := newTestAgent(t, agent.Config{Source: src})

	ta.agent.RunCycle(context.Background())

	snap := ta.agent.Snapshot()
	assert.Equal(t, uint64(1), snap.Counters.SensorNotReady)
	assert.Equal(t, uint64(0), snap.Counters.SensorFailures)
}

func TestAgent_RetryKeepsRecordAndPreservesOrder(t *testing.T) {
	tr := &scriptedTransmitter{classes: []transmit.Class{
		transmit.ClassRetryable,
		transmit.ClassRetryable,
		transmit.ClassRetryable,
		transmit.ClassDelivered,
	}}
	ta := newTestAgent(t, agent.Config{Transmitter: tr})

	// Three cycles fail on the head record; each sleep clears the backoff
	// deadline so the next cycle attempts again.
	for i := 0; i < 3; i++ {
		ta.agent.RunCycle(context.Background())
		time.Sleep(10 * time.Millisecond)
	}

	snap := ta.agent.Snapshot()
	assert.Equal(t, uint64(3), snap.Counters.RetriedAttempts)
	assert.Equal(t, uint64(0), snap.Counters.Delivered)
	assert.Equal(t, 3, snap.QueueDepth)

	// Fourth cycle: the head record finally goes through, then the queue
	// drains in arrival order.
	ta.agent.RunCycle(context.Background())

	snap = ta.agent.Snapshot()
	assert.Equal(t, uint64(4), snap.Counters.Delivered)
	assert.Equal(t, 0, snap.QueueDepth)

	timestamps := ta.transmitter.sentTimestamps()
	require.Len(t, timestamps, 4)
	for i := 1; i < len(timestamps); i++ {
		assert.Greater(t, timestamps[i], timestamps[i-1], "delivery order must match arrival order")
	}

	assert.Equal(t, 4, ta.pulses.count(), "one pulse per confirmed delivery")
}

func TestAgent_BackoffHoldsDeliveriesButNotPolling(t *testing.T) {
	tr := &scriptedTransmitter{classes: []transmit.Class{transmit.ClassRetryable}}
	ta := newTestAgent(t, agent.Config{
		Transmitter:    tr,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
	})

	ta.agent.RunCycle(context.Background())
	ta.agent.RunCycle(context.Background())
	ta.agent.RunCycle(context.Background())

	assert.Equal(t, 3, ta.source.calls, "polling continues during backoff")
	assert.Equal(t, 1, ta.transmitter.sendCalls(), "backoff must gate further attempts")

	snap := ta.agent.Snapshot()
	assert.Equal(t, 3, snap.QueueDepth, "records accumulate while deliveries are held")
	assert.True(t, snap.BackoffUntil.After(time.Now()))
}

func TestAgent_BackoffGrowsAndResets(t *testing.T) {
	tr := &scriptedTransmitter{classes: []transmit.Class{
		transmit.ClassRetryable,
		transmit.ClassRetryable,
		transmit.ClassRetryable,
		transmit.ClassDelivered,
		transmit.ClassRetryable,
	}}
	ta := newTestAgent(t, agent.Config{
		Transmitter:    tr,
		InitialBackoff: 40 * time.Millisecond,
		MaxBackoff:     time.Second,
	})

	var waits []time.Duration
	for i := 0; i < 3; i++ {
		ta.agent.RunCycle(context.Background())
		snap := ta.agent.Snapshot()
		waits = append(waits, time.Until(snap.BackoffUntil))
		time.Sleep(waits[len(waits)-1] + 10*time.Millisecond)
	}

	// 40ms, 80ms, 160ms ladder, allowing for scheduling slack.
	assert.Greater(t, waits[1], waits[0])
	assert.Greater(t, waits[2], waits[1])

	// Fourth cycle: the head record delivers, resetting the ladder, and
	// the next record's failure starts over at the initial interval.
	ta.agent.RunCycle(context.Background())
	require.Equal(t, uint64(1), ta.agent.Snapshot().Counters.Delivered)

	reset := time.Until(ta.agent.Snapshot().BackoffUntil)
	assert.Less(t, reset, waits[1], "backoff must restart at the initial interval after a delivery")
}

func TestAgent_BackoffCeiling(t *testing.T) {
	tr := &scriptedTransmitter{classes: []transmit.Class{transmit.ClassRetryable}}
	ta := newTestAgent(t, agent.Config{
		Transmitter:    tr,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})

	for i := 0; i < 6; i++ {
		ta.agent.RunCycle(context.Background())
		wait := time.Until(ta.agent.Snapshot().BackoffUntil)
		assert.LessOrEqual(t, wait, 25*time.Millisecond, "backoff must never exceed the ceiling")
		time.Sleep(wait + 5*time.Millisecond)
	}
}

func TestAgent_TerminalFailureDropsRecord(t *testing.T) {
	tr := &scriptedTransmitter{classes: []transmit.Class{
		transmit.ClassTerminal,
		transmit.ClassDelivered,
	}}
	ta := newTestAgent(t, agent.Config{Transmitter: tr})

	ta.agent.RunCycle(context.Background())

	snap := ta.agent.Snapshot()
	assert.Equal(t, uint64(1), snap.Counters.Dropped)
	assert.Equal(t, uint64(0), snap.Counters.Delivered)
	assert.Equal(t, 0, snap.QueueDepth, "terminal records leave the queue")
	assert.Equal(t, 0, ta.pulses.count())

	// The drop does not poison the next record.
	ta.agent.RunCycle(context.Background())
	assert.Equal(t, uint64(1), ta.agent.Snapshot().Counters.Delivered)
}

func TestAgent_QueueOverflowDropsOldest(t *testing.T) {
	tr := &scriptedTransmitter{classes: []transmit.Class{transmit.ClassRetryable}}
	queue := telemetry.NewQueue(telemetry.QueueConfig{Capacity: 2, Logger: zerolog.Nop()})
	ta := newTestAgent(t, agent.Config{
		Transmitter:    tr,
		Queue:          queue,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
	})

	for i := 0; i < 4; i++ {
		ta.agent.RunCycle(context.Background())
	}

	snap := ta.agent.Snapshot()
	assert.Equal(t, 2, snap.QueueDepth)
	assert.Equal(t, uint64(2), snap.QueueEvictions, "oldest records give way to the freshest")
}

func TestAgent_LinkOutageDefersWithoutAttempting(t *testing.T) {
	lnk := &flakyLink{connectErr: link.ErrUnavailable}
	ta := newTestAgent(t, agent.Config{
		Link:           lnk,
		InitialBackoff: 30 * time.Millisecond,
		MaxBackoff:     30 * time.Millisecond,
	})

	ta.agent.RunCycle(context.Background())

	snap := ta.agent.Snapshot()
	assert.Equal(t, 0, ta.transmitter.sendCalls(), "no attempt without a link")
	assert.Equal(t, 1, snap.QueueDepth)
	assert.True(t, snap.BackoffUntil.After(time.Now()))

	// Link restored: the queued record and the new one both deliver.
	lnk.mu.Lock()
	lnk.connectErr = nil
	lnk.mu.Unlock()
	time.Sleep(40 * time.Millisecond)

	ta.agent.RunCycle(context.Background())

	snap = ta.agent.Snapshot()
	assert.Equal(t, uint64(2), snap.Counters.Delivered)
	assert.Equal(t, 0, snap.QueueDepth)
}

func TestAgent_RunStopsOnCancel(t *testing.T) {
	ta := newTestAgent(t, agent.Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ta.agent.Run(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("agent did not stop after cancellation")
	}

	assert.GreaterOrEqual(t, ta.source.calls, 2, "ticker should have fired repeatedly")
	assert.Equal(t, agent.StateIdle, ta.agent.Snapshot().State)
}

func TestAgent_SessionIDStable(t *testing.T) {
	ta := newTestAgent(t, agent.Config{})

	first := ta.agent.Snapshot().SessionID
	ta.agent.RunCycle(context.Background())
	second := ta.agent.Snapshot().SessionID

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}
