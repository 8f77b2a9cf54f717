package model

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/parietal-data/decode.stream/internal/fsutil"
	"github.com/parietal-data/decode.stream/internal/httputil"
)

// Artifact is the serialised form of a trained model. The same JSON
// schema serves local files, remote URLs, and inline definitions.
type Artifact struct {
	Kind      string  `json:"kind"`
	InputDim  int     `json:"input_dim"`
	HiddenDim int     `json:"hidden_dim,omitempty"`
	Steps     int     `json:"steps,omitempty"`
	DT        float64 `json:"dt,omitempty"`

	// Q and R override the Kalman filter noise parameters.
	Q float64 `json:"q,omitempty"`
	R float64 `json:"r,omitempty"`

	// Weights holds flat row-major matrices keyed by parameter name.
	Weights map[string][]float64 `json:"weights,omitempty"`
}

const fetchTimeout = 10 * time.Second

// Swappable for tests.
var (
	artifactFS   fsutil.FileSystem   = fsutil.OSFileSystem{}
	artifactHTTP httputil.HTTPClient = httputil.NewStandardClient(&http.Client{Timeout: fetchTimeout})
)

// Maximum artifact size accepted from any source. Weight files for the
// supported architectures are well under this.
const maxArtifactBytes = 32 << 20

// BuildBuiltin constructs a fresh untrained model of the named
// architecture family.
func BuildBuiltin(kind string, inputDim, steps int, seed int64) (Model, error) {
	switch kind {
	case "linear":
		return NewLinearModel(inputDim, seed), nil
	case "mlp":
		return NewMLPModel(inputDim, 32, seed), nil
	case "kalman":
		return NewKalmanModel(inputDim, 0.025, seed), nil
	case "sequence":
		return NewSequenceModel(inputDim, 32, steps, seed), nil
	}
	return nil, fmt.Errorf("unknown builtin architecture %q", kind)
}

// BuildInline parses an inline JSON artifact definition.
func BuildInline(definition string) (Model, error) {
	return decodeArtifact(strings.NewReader(definition))
}

// LoadLocal reads and builds a weight artifact from disk.
func LoadLocal(path string) (Model, error) {
	f, err := artifactFS.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	return decodeArtifact(f)
}

// FetchRemote downloads and builds a weight artifact over HTTP.
func FetchRemote(url string) (Model, error) {
	resp, err := artifactHTTP.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact: unexpected status %s", resp.Status)
	}
	return decodeArtifact(resp.Body)
}

func decodeArtifact(r io.Reader) (Model, error) {
	var a Artifact
	dec := json.NewDecoder(io.LimitReader(r, maxArtifactBytes))
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	return a.Build()
}

// Build materialises the artifact into a runnable model, validating
// every weight matrix shape up front.
func (a *Artifact) Build() (Model, error) {
	if a.InputDim < 1 {
		return nil, fmt.Errorf("artifact has invalid input_dim %d", a.InputDim)
	}

	switch a.Kind {
	case "linear":
		w, err := a.matrix("w", outputDim, a.InputDim)
		if err != nil {
			return nil, err
		}
		b, err := a.vector("b", outputDim)
		if err != nil {
			return nil, err
		}
		return &LinearModel{w: w, b: b}, nil

	case "mlp":
		hidden := a.HiddenDim
		if hidden < 1 {
			return nil, fmt.Errorf("mlp artifact requires hidden_dim")
		}
		w1, err := a.matrix("w1", hidden, a.InputDim)
		if err != nil {
			return nil, err
		}
		b1, err := a.vector("b1", hidden)
		if err != nil {
			return nil, err
		}
		w2, err := a.matrix("w2", outputDim, hidden)
		if err != nil {
			return nil, err
		}
		b2, err := a.vector("b2", outputDim)
		if err != nil {
			return nil, err
		}
		return &MLPModel{w1: w1, b1: b1, w2: w2, b2: b2}, nil

	case "sequence":
		hidden := a.HiddenDim
		if hidden < 1 {
			return nil, fmt.Errorf("sequence artifact requires hidden_dim")
		}
		steps := a.Steps
		if steps < 1 {
			steps = 10
		}
		wx, err := a.matrix("wx", hidden, a.InputDim)
		if err != nil {
			return nil, err
		}
		wh, err := a.matrix("wh", hidden, hidden)
		if err != nil {
			return nil, err
		}
		b, err := a.vector("b", hidden)
		if err != nil {
			return nil, err
		}
		wo, err := a.matrix("wo", outputDim, hidden)
		if err != nil {
			return nil, err
		}
		bo, err := a.vector("bo", outputDim)
		if err != nil {
			return nil, err
		}
		return &SequenceModel{steps: steps, wx: wx, wh: wh, b: b, wo: wo, bo: bo}, nil

	case "kalman":
		w, err := a.matrix("w", outputDim, a.InputDim)
		if err != nil {
			return nil, err
		}
		b, err := a.vector("b", outputDim)
		if err != nil {
			return nil, err
		}
		dt := a.DT
		if dt <= 0 {
			dt = 0.025
		}
		m := &KalmanModel{
			readout: &LinearModel{w: w, b: b},
			dt:      dt,
			q:       0.1,
			r:       0.5,
			state:   mat.NewVecDense(4, nil),
			cov:     identity(4, 10),
		}
		if a.Q > 0 {
			m.q = a.Q
		}
		if a.R > 0 {
			m.r = a.R
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown artifact kind %q", a.Kind)
}

func (a *Artifact) matrix(name string, rows, cols int) (*mat.Dense, error) {
	data, ok := a.Weights[name]
	if !ok {
		return nil, fmt.Errorf("artifact missing weight matrix %q", name)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("weight matrix %q has %d values, expected %d×%d", name, len(data), rows, cols)
	}
	return mat.NewDense(rows, cols, append([]float64(nil), data...)), nil
}

func (a *Artifact) vector(name string, n int) (*mat.VecDense, error) {
	data, ok := a.Weights[name]
	if !ok {
		return nil, fmt.Errorf("artifact missing weight vector %q", name)
	}
	if len(data) != n {
		return nil, fmt.Errorf("weight vector %q has %d values, expected %d", name, len(data), n)
	}
	return mat.NewVecDense(n, append([]float64(nil), data...)), nil
}
