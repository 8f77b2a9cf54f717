// Package decoder maintains the process-wide catalog of decoder
// descriptors: metadata plus execution strategy for every decoder the
// dashboard can activate, including user-authored decoders registered
// at runtime.
package decoder

import "fmt"

// ExecutionKind selects how a decoder is executed.
type ExecutionKind string

const (
	// KindScripted decoders are small dynamically compiled functions
	// evaluated synchronously per packet.
	KindScripted ExecutionKind = "scripted"

	// KindModel decoders are backed by an inference model evaluated
	// asynchronously on the backend worker.
	KindModel ExecutionKind = "model"
)

// SourceLocation identifies where a model decoder's definition comes from.
type SourceLocation string

const (
	// SourceBuiltin constructs a fresh model of the named architecture
	// in-process.
	SourceBuiltin SourceLocation = "builtin"

	// SourceRemoteURL fetches a pre-trained weight artifact over HTTP.
	SourceRemoteURL SourceLocation = "remote-url"

	// SourceLocalPath deserialises a weight artifact from disk.
	SourceLocalPath SourceLocation = "local-path"

	// SourceInline builds a model from an inline architecture definition
	// supplied with the descriptor. This is a distinct trust boundary
	// from scripted sources: it builds infrastructure once at load time,
	// not a per-packet function.
	SourceInline SourceLocation = "inline-code"
)

// Descriptor describes one decoder. Descriptors are immutable once
// registered except for their running stats; re-registering the same ID
// replaces the descriptor (save-as-update semantics for iterative
// editing of custom decoders).
type Descriptor struct {
	ID   string        `json:"id"`
	Name string        `json:"name"`
	Kind ExecutionKind `json:"kind"`

	// SourceCode is the scripted function body. Meaningful only when
	// Kind == KindScripted. Syntax is not validated at registration
	// time; compilation happens at activation so an invalid decoder can
	// still be listed and later fixed.
	SourceCode string `json:"source_code,omitempty"`

	// ModelKind names the architecture family (linear, mlp, kalman,
	// sequence). Meaningful only when Kind == KindModel.
	ModelKind string `json:"model_kind,omitempty"`

	// Source says how to obtain the model definition.
	Source SourceLocation `json:"source,omitempty"`

	// SourceRef carries the URL, filesystem path, or inline definition
	// selected by Source.
	SourceRef string `json:"source_ref,omitempty"`

	// Stats accumulates per-decoder latency telemetry. The pointer is
	// shared with the scheduler, which updates it after each decode.
	Stats *RunningStats `json:"-"`
}

// Validate checks the descriptor's structural invariants: exactly one of
// SourceCode/ModelKind is meaningful, selected by Kind.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor has empty id")
	}
	switch d.Kind {
	case KindScripted:
		if d.SourceCode == "" {
			return fmt.Errorf("scripted decoder %q has no source code", d.ID)
		}
	case KindModel:
		if d.ModelKind == "" {
			return fmt.Errorf("model decoder %q has no model kind", d.ID)
		}
		switch d.Source {
		case SourceBuiltin, SourceRemoteURL, SourceLocalPath, SourceInline:
		default:
			return fmt.Errorf("model decoder %q has invalid source location %q", d.ID, d.Source)
		}
		if d.Source != SourceBuiltin && d.SourceRef == "" {
			return fmt.Errorf("model decoder %q requires a source_ref for source %q", d.ID, d.Source)
		}
	default:
		return fmt.Errorf("decoder %q has invalid execution kind %q", d.ID, d.Kind)
	}
	return nil
}

// SourceMaterial returns the text that determines the decoder's compiled
// form. The loader fingerprints this so that edits invalidate cached
// executables.
func (d *Descriptor) SourceMaterial() string {
	if d.Kind == KindScripted {
		return d.SourceCode
	}
	return string(d.Source) + "|" + d.ModelKind + "|" + d.SourceRef
}
