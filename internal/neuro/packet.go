// Package neuro defines the shared data model for the real-time decode
// pipeline: feature packets delivered by the transport layer, the inputs
// and outputs of decoder invocations, and the error taxonomy shared by
// the loader, inference backend, and execution scheduler.
package neuro

import "math"

// KinematicState is a 2D cursor state: position and velocity.
// It is used both as the ground-truth reference carried on each packet
// and as the shape of decoded results.
type KinematicState struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
}

// FeaturePacket is one sample of the neural feature stream. Packets are
// produced by the transport layer at a nominal fixed rate (~40 Hz),
// consumed exactly once by the execution scheduler, and not retained
// beyond the scheduler's rolling history.
type FeaturePacket struct {
	// SequenceNumber is a producer-side monotonic counter used for
	// duplicate suppression. Gaps are expected (upstream loss) and are
	// not an error.
	SequenceNumber uint64 `json:"seq"`

	// TimestampMs is the producer-side capture time in Unix milliseconds.
	TimestampMs int64 `json:"ts_ms"`

	// Features is the fixed-length channel feature vector for this sample.
	Features []float64 `json:"features"`

	// Reference is the ground-truth kinematic state at capture time. It
	// is used for accuracy metrics and is only exposed to decoders that
	// explicitly read it from their input.
	Reference KinematicState `json:"reference"`
}

// DecoderInput is the value handed to a compiled decoder for one decode
// attempt.
type DecoderInput struct {
	// Features is the current packet's feature vector.
	Features []float64

	// Reference is the current ground-truth kinematic snapshot, provided
	// for decoders that want it (e.g. velocity-extrapolation baselines).
	Reference KinematicState

	// History holds the most recent published outputs, oldest first.
	// It never includes the output currently being computed.
	History []DecoderOutput
}

// DecoderOutput is the result of one decode attempt.
type DecoderOutput struct {
	// Decoded position. Must be finite; non-finite values are treated as
	// a decoder failure by the scheduler.
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// Decoded velocity. Optional: decoders that do not estimate velocity
	// leave these zero.
	VX float64 `json:"vx,omitempty"`
	VY float64 `json:"vy,omitempty"`

	// Confidence in [0, 1], when the decoder reports one.
	Confidence *float64 `json:"confidence,omitempty"`

	// LatencyMs is the wall-clock duration of the invocation.
	LatencyMs float64 `json:"latency_ms"`

	// DecoderID identifies the decoder that produced this output.
	DecoderID string `json:"decoder_id,omitempty"`

	// SequenceNumber echoes the originating packet's sequence number.
	SequenceNumber uint64 `json:"seq,omitempty"`

	// TimestampMs echoes the originating packet's capture time.
	TimestampMs int64 `json:"ts_ms,omitempty"`
}

// Valid reports whether the output satisfies the pipeline's output
// contract: finite coordinates, non-negative latency, and a confidence
// within [0, 1] when present.
func (o *DecoderOutput) Valid() bool {
	if !isFinite(o.X) || !isFinite(o.Y) {
		return false
	}
	if !isFinite(o.VX) || !isFinite(o.VY) {
		return false
	}
	if o.LatencyMs < 0 {
		return false
	}
	if o.Confidence != nil && (*o.Confidence < 0 || *o.Confidence > 1 || !isFinite(*o.Confidence)) {
		return false
	}
	return true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// HealthEvent is a transient, user-visible pipeline health signal. A
// failed per-packet decode surfaces as one of these rather than halting
// the stream.
type HealthEvent struct {
	DecoderID      string `json:"decoder_id"`
	Message        string `json:"message"`
	SequenceNumber uint64 `json:"seq"`
	TimestampMs    int64  `json:"ts_ms"`
}
