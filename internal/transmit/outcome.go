// Package transmit delivers normalized telemetry records to the Devmatch
// backend and classifies every attempt so the agent knows whether to
// confirm, retry, or drop a record.
package transmit

import (
	"context"
	"time"

	"github.com/devmatch/climate-agent/internal/telemetry"
)

// Class is the delivery classification of one attempt.
type Class string

const (
	// ClassDelivered means the backend confirmed the record. It must not
	// be sent again.
	ClassDelivered Class = "delivered"

	// ClassRetryable means the attempt failed for a reason that can clear
	// on its own. The record goes back to the queue unchanged.
	ClassRetryable Class = "retryable"

	// ClassTerminal means retrying this record can never succeed. The
	// record is dropped after logging.
	ClassTerminal Class = "terminal"
)

// Outcome describes one delivery attempt.
type Outcome struct {
	Class      Class
	StatusCode int
	RequestID  string
	Duration   time.Duration
	Err        error
}

// Transmitter sends one record per call. Implementations never retry
// internally; pacing and requeueing are the agent's job.
type Transmitter interface {
	Send(ctx context.Context, rec *telemetry.Record) Outcome
}

func delivered(statusCode int, requestID string, duration time.Duration) Outcome {
	return Outcome{
		Class:      ClassDelivered,
		StatusCode: statusCode,
		RequestID:  requestID,
		Duration:   duration,
	}
}

func retryable(err error, statusCode int, requestID string, duration time.Duration) Outcome {
	return Outcome{
		Class:      ClassRetryable,
		StatusCode: statusCode,
		RequestID:  requestID,
		Duration:   duration,
		Err:        err,
	}
}

func terminal(err error, statusCode int, requestID string, duration time.Duration) Outcome {
	return Outcome{
		Class:      ClassTerminal,
		StatusCode: statusCode,
		RequestID:  requestID,
		Duration:   duration,
		Err:        err,
	}
}
