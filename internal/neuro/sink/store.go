// Package sink fans decode outputs out to consumers: it keeps the
// latest cursor state for polling clients and multiplexes a live stream
// to subscribers (websocket sessions, telemetry recorders).
package sink

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/parietal-data/decode.stream/internal/neuro"
)

// Default per-subscriber buffer. At 40 Hz this absorbs two seconds of
// consumer stall before messages are dropped.
const defaultSubscriberBuffer = 80

// Window over which the error rate is computed.
const errorRateWindow = time.Minute

// Event is one item on a subscriber stream: either an output or a
// health event, never both.
type Event struct {
	Output *neuro.DecoderOutput `json:"output,omitempty"`
	Health *neuro.HealthEvent   `json:"health,omitempty"`
}

// StateStore is the scheduler's sink. Publishing never blocks: a
// subscriber whose channel is full misses that event and the drop is
// counted against it.
type StateStore struct {
	buffer int

	mu          sync.Mutex
	latest      neuro.DecoderOutput
	haveLatest  bool
	lastHealth  *neuro.HealthEvent
	subscribers map[string]chan Event
	dropped     map[string]uint64

	published uint64
	healthAt  []time.Time
	totalAt   []time.Time

	now func() time.Time
}

// NewStateStore creates a store with the given per-subscriber buffer.
// buffer < 1 selects the default.
func NewStateStore(buffer int) *StateStore {
	if buffer < 1 {
		buffer = defaultSubscriberBuffer
	}
	return &StateStore{
		buffer:      buffer,
		subscribers: make(map[string]chan Event),
		dropped:     make(map[string]uint64),
		now:         time.Now,
	}
}

// PublishOutput records the latest output and fans it out.
func (s *StateStore) PublishOutput(out neuro.DecoderOutput) {
	s.mu.Lock()
	s.latest = out
	s.haveLatest = true
	s.published++
	s.totalAt = trimWindow(append(s.totalAt, s.now()), s.now())
	s.fanout(Event{Output: &out})
	s.mu.Unlock()
}

// PublishHealth records a decode failure and fans it out.
func (s *StateStore) PublishHealth(ev neuro.HealthEvent) {
	s.mu.Lock()
	s.lastHealth = &ev
	now := s.now()
	s.healthAt = trimWindow(append(s.healthAt, now), now)
	s.totalAt = trimWindow(append(s.totalAt, now), now)
	s.fanout(Event{Health: &ev})
	s.mu.Unlock()
}

// fanout delivers to every subscriber, dropping when a buffer is full.
// Caller holds s.mu.
func (s *StateStore) fanout(ev Event) {
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.dropped[id]++
		}
	}
}

// Subscribe creates a new event stream. The returned ID identifies the
// stream for Unsubscribe.
func (s *StateStore) Subscribe() (string, chan Event) {
	id := randomID()
	ch := make(chan Event, s.buffer)
	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes a stream.
func (s *StateStore) Unsubscribe(id string) {
	s.mu.Lock()
	ch, ok := s.subscribers[id]
	if ok {
		delete(s.subscribers, id)
		delete(s.dropped, id)
	}
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Latest returns the most recent output, if any has been published.
func (s *StateStore) Latest() (neuro.DecoderOutput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.haveLatest
}

// LastHealth returns the most recent health event, or nil.
func (s *StateStore) LastHealth() *neuro.HealthEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealth
}

// ErrorRate returns the fraction of events in the last minute that were
// failures, and the counts it was computed from.
func (s *StateStore) ErrorRate() (rate float64, failures, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.healthAt = trimWindow(s.healthAt, now)
	s.totalAt = trimWindow(s.totalAt, now)
	failures = len(s.healthAt)
	total = len(s.totalAt)
	if total == 0 {
		return 0, 0, 0
	}
	return float64(failures) / float64(total), failures, total
}

// Dropped returns the per-subscriber drop counts.
func (s *StateStore) Dropped() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.dropped))
	for id, n := range s.dropped {
		out[id] = n
	}
	return out
}

// Published returns the total number of outputs published.
func (s *StateStore) Published() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Close closes all subscriber channels.
func (s *StateStore) Close() {
	s.mu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		delete(s.dropped, id)
		close(ch)
	}
	s.mu.Unlock()
}

func trimWindow(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-errorRateWindow)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}
