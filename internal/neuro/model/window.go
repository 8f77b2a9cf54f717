package model

// TemporalWindow is a fixed-length ring buffer of past feature vectors
// for sequence architectures. The snapshot is always exactly `steps`
// long: when fewer vectors have been appended, the left side is padded
// with zero vectors so sequence models see a stable input shape from the
// first packet onward.
type TemporalWindow struct {
	steps   int
	dim     int
	vectors [][]float64
	head    int
	size    int
}

// NewTemporalWindow creates a window of the given length for vectors of
// the given dimension.
func NewTemporalWindow(steps, dim int) *TemporalWindow {
	if steps < 1 {
		steps = 10
	}
	return &TemporalWindow{
		steps:   steps,
		dim:     dim,
		vectors: make([][]float64, steps),
	}
}

// Append stores a copy of the newest feature vector, evicting the oldest
// once the window is full.
func (w *TemporalWindow) Append(features []float64) {
	v := make([]float64, len(features))
	copy(v, features)
	w.vectors[w.head] = v
	w.head = (w.head + 1) % w.steps
	if w.size < w.steps {
		w.size++
	}
}

// Snapshot returns the window contents oldest first, left-padded with
// zero vectors when fewer than `steps` vectors have been appended.
func (w *TemporalWindow) Snapshot() [][]float64 {
	out := make([][]float64, w.steps)
	pad := w.steps - w.size
	for i := 0; i < pad; i++ {
		out[i] = make([]float64, w.dim)
	}
	for i := 0; i < w.size; i++ {
		idx := (w.head - w.size + i + w.steps) % w.steps
		out[pad+i] = w.vectors[idx]
	}
	return out
}

// Size returns the number of real (non-padding) vectors stored.
func (w *TemporalWindow) Size() int { return w.size }

// Steps returns the fixed window length.
func (w *TemporalWindow) Steps() int { return w.steps }

// Reset clears the window.
func (w *TemporalWindow) Reset() {
	for i := range w.vectors {
		w.vectors[i] = nil
	}
	w.head = 0
	w.size = 0
}
