package neuro

import "fmt"

// DecoderLoadError reports that compiling a scripted decoder or
// initialising a model backend failed. It is surfaced at activation
// time, before any packet is processed, and is not retryable without
// user correction.
type DecoderLoadError struct {
	DecoderID string
	Cause     error
}

func (e *DecoderLoadError) Error() string {
	return fmt.Sprintf("load decoder %q: %v", e.DecoderID, e.Cause)
}

func (e *DecoderLoadError) Unwrap() error { return e.Cause }

// DecoderExecutionError reports that a compiled executable failed during
// a single decode attempt: it returned an error, panicked, or produced
// an invalid result (non-finite coordinates, wrong shape). The failure
// is isolated to that packet; the next packet gets a fresh attempt.
type DecoderExecutionError struct {
	DecoderID string
	Cause     error
}

func (e *DecoderExecutionError) Error() string {
	return fmt.Sprintf("decoder %q execution failed: %v", e.DecoderID, e.Cause)
}

func (e *DecoderExecutionError) Unwrap() error { return e.Cause }

// InferenceBackendError reports a failure inside the isolated inference
// worker (numerical error, resource exhaustion, unknown model key).
// Recovery policy matches DecoderExecutionError.
type InferenceBackendError struct {
	ModelKey string
	Cause    error
}

func (e *InferenceBackendError) Error() string {
	return fmt.Sprintf("inference backend (model %q): %v", e.ModelKey, e.Cause)
}

func (e *InferenceBackendError) Unwrap() error { return e.Cause }
