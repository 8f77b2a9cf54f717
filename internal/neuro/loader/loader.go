// Package loader turns decoder descriptors into executables: it compiles
// scripted sources, initialises model backends, and memoises the results
// so repeated activation of an unchanged decoder is cheap.
package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/parietal-data/decode.stream/internal/monitoring"
	"github.com/parietal-data/decode.stream/internal/neuro"
	"github.com/parietal-data/decode.stream/internal/neuro/decoder"
	"github.com/parietal-data/decode.stream/internal/neuro/model"
	"github.com/parietal-data/decode.stream/internal/neuro/script"
	"github.com/parietal-data/decode.stream/internal/security"
)

// Executable is the cached, ready-to-run form of a descriptor. Exactly
// one of Program/ModelKey is set, matching the descriptor's kind.
type Executable struct {
	DecoderID   string
	Kind        decoder.ExecutionKind
	Fingerprint string

	// Program is the compiled scripted decoder.
	Program *script.Program

	// ModelKey is the backend registration key for model decoders.
	ModelKey string
}

// Loader builds and caches executables. The cache is shared
// process-wide: read-mostly during decoding, mutated only by explicit
// load and invalidation calls. Entries are immutable once inserted, so
// concurrent reads during active decoding are safe.
type Loader struct {
	backend     *model.Backend
	featureDim  int
	windowSteps int
	seed        int64

	// artifactRoot, when set, confines local-path model artifacts to one
	// directory. Descriptor source refs come from API clients, so path
	// traversal out of the artifact store must be rejected.
	artifactRoot string

	mu    sync.Mutex
	cache map[string]*Executable // decoderID@fingerprint
}

// New creates a loader. featureDim is the channel count builtin models
// are sized for; windowSteps is the temporal window length for sequence
// architectures.
func New(backend *model.Backend, featureDim, windowSteps int, seed int64) *Loader {
	return &Loader{
		backend:     backend,
		featureDim:  featureDim,
		windowSteps: windowSteps,
		seed:        seed,
		cache:       make(map[string]*Executable),
	}
}

// Fingerprint hashes the descriptor's source material. Edits to a
// decoder's source change the fingerprint, which invalidates any cached
// executable built from the old source.
func Fingerprint(d *decoder.Descriptor) string {
	sum := sha256.Sum256([]byte(d.SourceMaterial()))
	return hex.EncodeToString(sum[:8])
}

// Load returns the executable for a descriptor, compiling or
// initialising it on first use. Compilation failures are returned
// immediately as *neuro.DecoderLoadError and nothing is cached, so the
// caller can reject activation up front. Load never falls back to a
// stale executable when the source has changed.
func (l *Loader) Load(d *decoder.Descriptor) (*Executable, error) {
	if err := d.Validate(); err != nil {
		return nil, &neuro.DecoderLoadError{DecoderID: d.ID, Cause: err}
	}
	fp := Fingerprint(d)
	key := cacheKey(d.ID, fp)

	l.mu.Lock()
	if exe, ok := l.cache[key]; ok {
		l.mu.Unlock()
		return exe, nil
	}
	l.mu.Unlock()

	// Build outside the lock: model initialisation can take hundreds of
	// milliseconds (artifact fetch, weight allocation) and must not
	// stall concurrent cache reads.
	exe, err := l.build(d, fp)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	// Another activation may have raced us here; keep the first entry
	// and discard ours so the backend holds a single model instance.
	if existing, ok := l.cache[key]; ok {
		l.mu.Unlock()
		if exe.ModelKey != "" && exe.ModelKey != existing.ModelKey {
			l.backend.UnregisterModel(exe.ModelKey)
		}
		return existing, nil
	}
	l.cache[key] = exe
	l.mu.Unlock()

	monitoring.Logf("loader: compiled decoder %q (fingerprint %s)", d.ID, fp)
	return exe, nil
}

func (l *Loader) build(d *decoder.Descriptor, fp string) (*Executable, error) {
	switch d.Kind {
	case decoder.KindScripted:
		prog, err := script.Compile(d.SourceCode)
		if err != nil {
			return nil, &neuro.DecoderLoadError{DecoderID: d.ID, Cause: err}
		}
		return &Executable{
			DecoderID:   d.ID,
			Kind:        d.Kind,
			Fingerprint: fp,
			Program:     prog,
		}, nil

	case decoder.KindModel:
		m, err := l.buildModel(d)
		if err != nil {
			return nil, &neuro.DecoderLoadError{DecoderID: d.ID, Cause: err}
		}
		modelKey := cacheKey(d.ID, fp)
		if err := l.backend.RegisterModel(modelKey, m); err != nil {
			return nil, &neuro.DecoderLoadError{DecoderID: d.ID, Cause: err}
		}
		return &Executable{
			DecoderID:   d.ID,
			Kind:        d.Kind,
			Fingerprint: fp,
			ModelKey:    modelKey,
		}, nil
	}
	return nil, &neuro.DecoderLoadError{DecoderID: d.ID, Cause: fmt.Errorf("unknown execution kind %q", d.Kind)}
}

// SetArtifactRoot confines local-path artifact loading to dir. An empty
// dir disables the restriction (dev mode).
func (l *Loader) SetArtifactRoot(dir string) {
	l.artifactRoot = dir
}

func (l *Loader) buildModel(d *decoder.Descriptor) (model.Model, error) {
	switch d.Source {
	case decoder.SourceBuiltin:
		return model.BuildBuiltin(d.ModelKind, l.featureDim, l.windowSteps, l.seed)
	case decoder.SourceLocalPath:
		if l.artifactRoot != "" {
			if err := security.ValidatePathWithinDirectory(d.SourceRef, l.artifactRoot); err != nil {
				return nil, fmt.Errorf("artifact path rejected: %w", err)
			}
		}
		return model.LoadLocal(d.SourceRef)
	case decoder.SourceRemoteURL:
		return model.FetchRemote(d.SourceRef)
	case decoder.SourceInline:
		return model.BuildInline(d.SourceRef)
	}
	return nil, fmt.Errorf("unknown source location %q", d.Source)
}

// Invalidate evicts every cached executable for the given decoder ID,
// unregistering model instances from the backend. Used when a decoder is
// re-registered with changed source or removed.
func (l *Loader) Invalidate(id string) {
	l.mu.Lock()
	var modelKeys []string
	for key, exe := range l.cache {
		if exe.DecoderID == id {
			if exe.ModelKey != "" {
				modelKeys = append(modelKeys, exe.ModelKey)
			}
			delete(l.cache, key)
		}
	}
	l.mu.Unlock()

	for _, mk := range modelKeys {
		l.backend.UnregisterModel(mk)
	}
	monitoring.Logf("loader: invalidated cache for decoder %q", id)
}

// Clear evicts the whole cache.
func (l *Loader) Clear() {
	l.mu.Lock()
	var modelKeys []string
	for key, exe := range l.cache {
		if exe.ModelKey != "" {
			modelKeys = append(modelKeys, exe.ModelKey)
		}
		delete(l.cache, key)
	}
	l.mu.Unlock()

	for _, mk := range modelKeys {
		l.backend.UnregisterModel(mk)
	}
	monitoring.Logf("loader: cleared executable cache")
}

// Cached reports whether an executable for the descriptor's current
// source is in the cache.
func (l *Loader) Cached(d *decoder.Descriptor) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.cache[cacheKey(d.ID, Fingerprint(d))]
	return ok
}

func cacheKey(id, fp string) string {
	return strings.Join([]string{id, fp}, "@")
}
