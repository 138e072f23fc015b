package transmit

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/devmatch/climate-agent/internal/transmit"

// Metrics holds the OpenTelemetry instruments for delivery attempts.
type Metrics struct {
	attemptDuration metric.Float64Histogram
	attemptTotal    metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with initialized instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	attemptDuration, err := meter.Float64Histogram(
		"delivery.attempt.duration",
		metric.WithDescription("Duration of delivery attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	attemptTotal, err := meter.Int64Counter(
		"delivery.attempt.total",
		metric.WithDescription("Total number of delivery attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		attemptDuration: attemptDuration,
		attemptTotal:    attemptTotal,
	}, nil
}

// RecordAttempt records one delivery attempt. Safe to call on a nil
// receiver so transmitters work without instrumentation.
func (m *Metrics) RecordAttempt(transport string, out Outcome) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("delivery.transport", transport),
		attribute.String("delivery.class", string(out.Class)),
	}
	if out.StatusCode != 0 {
		attrs = append(attrs, attribute.String("http.status_code", strconv.Itoa(out.StatusCode)))
	}
	if out.Err != nil {
		attrs = append(attrs, attribute.Bool("error", true))
	}

	// Use background context for metrics to avoid context cancellation issues
	ctx := context.TODO()
	m.attemptDuration.Record(ctx, out.Duration.Seconds(), metric.WithAttributes(attrs...))
	m.attemptTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// timeAttempt returns a closure that stamps duration onto an outcome.
func timeAttempt() func(Outcome) Outcome {
	start := time.Now()
	return func(out Outcome) Outcome {
		out.Duration = time.Since(start)
		return out
	}
}
