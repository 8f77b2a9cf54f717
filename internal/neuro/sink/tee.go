package sink

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/parietal-data/decode.stream/internal/db"
	"github.com/parietal-data/decode.stream/internal/monitoring"
	"github.com/parietal-data/decode.stream/internal/neuro"
)

// Records buffered before an early flush. At 40 Hz this is well above
// one flush interval's worth for the default configuration.
const teeBatchSize = 64

// Tee is the scheduler's sink in production wiring: it forwards every
// event to the state store immediately and queues it for telemetry
// persistence. Queued records are written out by a worker goroutine on
// a flush interval; when the queue is full the record is dropped rather
// than stalling the decode completion path.
type Tee struct {
	store         *StateStore
	db            *db.DB
	flushInterval time.Duration
	queue         chan teeRecord
	dropped       atomic.Uint64
}

type teeRecord struct {
	output *neuro.DecoderOutput
	ref    neuro.KinematicState
	health *neuro.HealthEvent
}

// NewTee creates a tee with a telemetry queue of the given depth,
// flushed to the database every flushInterval. Non-positive arguments
// select defaults. database may be nil, in which case only the store
// is fed.
func NewTee(store *StateStore, database *db.DB, queueDepth int, flushInterval time.Duration) *Tee {
	if queueDepth < 1 {
		queueDepth = 256
	}
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	return &Tee{
		store:         store,
		db:            database,
		flushInterval: flushInterval,
		queue:         make(chan teeRecord, queueDepth),
	}
}

// Run buffers queued telemetry and writes it out on every flush
// interval, or earlier when the buffer fills. Whatever remains queued
// at cancellation is flushed before returning.
func (t *Tee) Run(ctx context.Context) {
	if t.db == nil {
		return
	}
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	batch := make([]teeRecord, 0, teeBatchSize)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-t.queue:
					batch = append(batch, rec)
				default:
					t.flush(batch)
					return
				}
			}
		case rec := <-t.queue:
			batch = append(batch, rec)
			if len(batch) >= teeBatchSize {
				t.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			t.flush(batch)
			batch = batch[:0]
		}
	}
}

func (t *Tee) flush(batch []teeRecord) {
	for _, rec := range batch {
		var err error
		if rec.output != nil {
			err = t.db.RecordDecode(*rec.output, rec.ref)
		} else if rec.health != nil {
			err = t.db.RecordFailure(*rec.health)
		}
		if err != nil {
			monitoring.Logf("telemetry write failed: %v", err)
		}
	}
}

// PublishOutput implements the scheduler sink.
func (t *Tee) PublishOutput(out neuro.DecoderOutput, ref neuro.KinematicState) {
	t.store.PublishOutput(out)
	t.enqueue(teeRecord{output: &out, ref: ref})
}

// PublishHealth implements the scheduler sink.
func (t *Tee) PublishHealth(ev neuro.HealthEvent) {
	t.store.PublishHealth(ev)
	t.enqueue(teeRecord{health: &ev})
}

func (t *Tee) enqueue(rec teeRecord) {
	if t.db == nil {
		return
	}
	select {
	case t.queue <- rec:
	default:
		if t.dropped.Add(1)%100 == 1 {
			monitoring.Logf("telemetry queue full, dropping records (%d dropped so far)", t.dropped.Load())
		}
	}
}

// DroppedRecords returns how many telemetry records were dropped due to
// queue overflow.
func (t *Tee) DroppedRecords() uint64 {
	return t.dropped.Load()
}
