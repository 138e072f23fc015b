package telemetry

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultQueueCapacity bounds the delivery queue when no capacity is
// configured. Sized for roughly half an hour of readings at the default
// sampling cadence.
const DefaultQueueCapacity = 32

// QueueConfig holds configuration for a Queue.
type QueueConfig struct {
	// Capacity is the maximum number of buffered records
	// (default: DefaultQueueCapacity).
	Capacity int

	// Logger for eviction events.
	Logger zerolog.Logger
}

// Queue is a bounded FIFO buffer of records awaiting delivery. When full,
// enqueueing evicts the oldest record so the buffer keeps the freshest
// data. Records that fail delivery transiently go back to the front so
// arrival order is preserved. All methods are safe for concurrent use.
type Queue struct {
	capacity int
	logger   zerolog.Logger

	mu        sync.Mutex
	records   []*Record
	enqueued  uint64
	evicted   uint64
	highWater int
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Depth     int
	Capacity  int
	Enqueued  uint64
	Evicted   uint64
	HighWater int
}

// NewQueue creates a bounded delivery queue.
func NewQueue(cfg QueueConfig) *Queue {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	return &Queue{
		capacity: capacity,
		logger:   cfg.Logger,
		records:  make([]*Record, 0, capacity),
	}
}

// Enqueue appends a record, evicting the oldest buffered record first if
// the queue is full. It reports whether the record was accepted, which
// under the drop-oldest policy is always true.
func (q *Queue) Enqueue(rec *Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) >= q.capacity {
		dropped := q.records[0]
		q.records = q.records[1:]
		q.evicted++
		q.logger.Warn().
			Int64("dropped_timestamp", dropped.Timestamp).
			Uint64("evicted_total", q.evicted).
			Msg("queue full, evicting oldest record")
	}

	q.records = append(q.records, rec)
	q.enqueued++
	if len(q.records) > q.highWater {
		q.highWater = len(q.records)
	}
	return true
}

// Dequeue removes and returns the oldest record. The second return value
// is false when the queue is empty.
func (q *Queue) Dequeue() (*Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) == 0 {
		return nil, false
	}

	rec := q.records[0]
	q.records = q.records[1:]
	return rec, true
}

// RequeueFront puts a record back at the head of the queue after a
// transient delivery failure, so it is retried before anything newer.
// If the queue filled up while the record was in flight, the record being
// requeued is the oldest one in existence and the drop-oldest policy
// evicts it instead of admitting it.
func (q *Queue) RequeueFront(rec *Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) >= q.capacity {
		q.evicted++
		q.logger.Warn().
			Int64("dropped_timestamp", rec.Timestamp).
			Uint64("evicted_total", q.evicted).
			Msg("queue full, evicting record instead of requeueing")
		return
	}

	q.records = append([]*Record{rec}, q.records...)
	if len(q.records) > q.highWater {
		q.highWater = len(q.records)
	}
}

// Len returns the number of buffered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Depth:     len(q.records),
		Capacity:  q.capacity,
		Enqueued:  q.enqueued,
		Evicted:   q.evicted,
		HighWater: q.highWater,
	}
}
