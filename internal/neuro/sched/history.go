package sched

import "github.com/parietal-data/decode.stream/internal/neuro"

// OutputHistory is a fixed-capacity ring of recent decode outputs. The
// newest entry evicts the oldest once the ring is full. Not safe for
// concurrent use; the scheduler guards it with its own mutex.
type OutputHistory struct {
	outputs  []neuro.DecoderOutput
	capacity int
	head     int
	size     int
}

// NewOutputHistory creates a history ring with the given capacity.
func NewOutputHistory(capacity int) *OutputHistory {
	if capacity < 1 {
		capacity = 40
	}
	return &OutputHistory{
		outputs:  make([]neuro.DecoderOutput, capacity),
		capacity: capacity,
	}
}

// Add stores a new output, overwriting the oldest if at capacity.
func (h *OutputHistory) Add(out neuro.DecoderOutput) {
	h.outputs[h.head] = out
	h.head = (h.head + 1) % h.capacity
	if h.size < h.capacity {
		h.size++
	}
}

// Previous returns the output N steps back from the most recent.
// Previous(1) is the most recently added output. Returns false if the
// requested entry doesn't exist.
func (h *OutputHistory) Previous(n int) (neuro.DecoderOutput, bool) {
	if n < 1 || n > h.size {
		return neuro.DecoderOutput{}, false
	}
	idx := (h.head - n + h.capacity) % h.capacity
	return h.outputs[idx], true
}

// Snapshot returns all stored outputs from oldest to newest.
func (h *OutputHistory) Snapshot() []neuro.DecoderOutput {
	if h.size == 0 {
		return nil
	}
	result := make([]neuro.DecoderOutput, h.size)
	for i := 0; i < h.size; i++ {
		idx := (h.head - h.size + i + h.capacity) % h.capacity
		result[i] = h.outputs[idx]
	}
	return result
}

// Size returns the current number of outputs stored.
func (h *OutputHistory) Size() int { return h.size }

// Capacity returns the maximum number of outputs that can be stored.
func (h *OutputHistory) Capacity() int { return h.capacity }

// Clear removes all outputs.
func (h *OutputHistory) Clear() {
	for i := range h.outputs {
		h.outputs[i] = neuro.DecoderOutput{}
	}
	h.head = 0
	h.size = 0
}
