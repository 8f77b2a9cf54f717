// Package model implements the asynchronous inference backend: the
// builtin decoder architectures, weight-artifact loading, per-model
// temporal windows, and the worker that executes inference off the
// packet-receive path.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Output dimensions produced by every architecture: x, y, vx, vy.
const outputDim = 4

// Model is one loaded inference architecture. Forward is only ever
// called from the backend worker goroutine, so implementations may keep
// internal state (the Kalman filter does) without locking.
type Model interface {
	// Kind returns the architecture family name.
	Kind() string

	// Steps returns the temporal window length the model consumes.
	// Non-temporal architectures return 1.
	Steps() int

	// Forward maps a feature window (oldest first, Steps() vectors) to
	// an output vector [x, y, vx, vy].
	Forward(window [][]float64) ([]float64, error)
}

// checkFinite rejects numerically exploded outputs inside the backend so
// garbage never crosses the worker boundary.
func checkFinite(out []float64) error {
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite output at dim %d", i)
		}
	}
	return nil
}

// LinearModel is a single linear readout: out = W·f + b over the newest
// feature vector.
type LinearModel struct {
	w *mat.Dense    // outputDim × inputDim
	b *mat.VecDense // outputDim
}

// NewLinearModel constructs a fresh linear readout with small random
// weights. Builtin models are untrained demo decoders; trained weights
// arrive via artifacts.
func NewLinearModel(inputDim int, seed int64) *LinearModel {
	rng := rand.New(rand.NewSource(seed))
	return &LinearModel{
		w: randomDense(rng, outputDim, inputDim, 1/math.Sqrt(float64(inputDim))),
		b: mat.NewVecDense(outputDim, nil),
	}
}

func (m *LinearModel) Kind() string { return "linear" }
func (m *LinearModel) Steps() int   { return 1 }

func (m *LinearModel) Forward(window [][]float64) ([]float64, error) {
	f, err := lastVector(window, m.w.RawMatrix().Cols)
	if err != nil {
		return nil, err
	}
	var out mat.VecDense
	out.MulVec(m.w, f)
	out.AddVec(&out, m.b)
	result := append([]float64(nil), out.RawVector().Data...)
	return result, checkFinite(result)
}

// MLPModel is a two-layer perceptron with tanh hidden activation.
type MLPModel struct {
	w1 *mat.Dense // hidden × input
	b1 *mat.VecDense
	w2 *mat.Dense // outputDim × hidden
	b2 *mat.VecDense
}

// NewMLPModel constructs a fresh MLP with small random weights.
func NewMLPModel(inputDim, hiddenDim int, seed int64) *MLPModel {
	if hiddenDim < 1 {
		hiddenDim = 32
	}
	rng := rand.New(rand.NewSource(seed))
	return &MLPModel{
		w1: randomDense(rng, hiddenDim, inputDim, 1/math.Sqrt(float64(inputDim))),
		b1: mat.NewVecDense(hiddenDim, nil),
		w2: randomDense(rng, outputDim, hiddenDim, 1/math.Sqrt(float64(hiddenDim))),
		b2: mat.NewVecDense(outputDim, nil),
	}
}

func (m *MLPModel) Kind() string { return "mlp" }
func (m *MLPModel) Steps() int   { return 1 }

func (m *MLPModel) Forward(window [][]float64) ([]float64, error) {
	f, err := lastVector(window, m.w1.RawMatrix().Cols)
	if err != nil {
		return nil, err
	}
	var hidden mat.VecDense
	hidden.MulVec(m.w1, f)
	hidden.AddVec(&hidden, m.b1)
	applyTanh(&hidden)

	var out mat.VecDense
	out.MulVec(m.w2, &hidden)
	out.AddVec(&out, m.b2)
	result := append([]float64(nil), out.RawVector().Data...)
	return result, checkFinite(result)
}

// SequenceModel is an Elman-style recurrent network unrolled over the
// temporal window: h_t = tanh(Wx·f_t + Wh·h_{t-1} + b), out = Wo·h_T.
type SequenceModel struct {
	steps int
	wx    *mat.Dense // hidden × input
	wh    *mat.Dense // hidden × hidden
	b     *mat.VecDense
	wo    *mat.Dense // outputDim × hidden
	bo    *mat.VecDense
}

// NewSequenceModel constructs a fresh recurrent decoder.
func NewSequenceModel(inputDim, hiddenDim, steps int, seed int64) *SequenceModel {
	if hiddenDim < 1 {
		hiddenDim = 32
	}
	if steps < 1 {
		steps = 10
	}
	rng := rand.New(rand.NewSource(seed))
	return &SequenceModel{
		steps: steps,
		wx:    randomDense(rng, hiddenDim, inputDim, 1/math.Sqrt(float64(inputDim))),
		wh:    randomDense(rng, hiddenDim, hiddenDim, 1/math.Sqrt(float64(hiddenDim))),
		b:     mat.NewVecDense(hiddenDim, nil),
		wo:    randomDense(rng, outputDim, hiddenDim, 1/math.Sqrt(float64(hiddenDim))),
		bo:    mat.NewVecDense(outputDim, nil),
	}
}

func (m *SequenceModel) Kind() string { return "sequence" }
func (m *SequenceModel) Steps() int   { return m.steps }

func (m *SequenceModel) Forward(window [][]float64) ([]float64, error) {
	inputDim := m.wx.RawMatrix().Cols
	hiddenDim := m.wx.RawMatrix().Rows
	hidden := mat.NewVecDense(hiddenDim, nil)

	for _, f := range window {
		if len(f) != inputDim {
			return nil, fmt.Errorf("window vector has %d dims, model expects %d", len(f), inputDim)
		}
		var zx, zh mat.VecDense
		zx.MulVec(m.wx, mat.NewVecDense(len(f), f))
		zh.MulVec(m.wh, hidden)
		zx.AddVec(&zx, &zh)
		zx.AddVec(&zx, m.b)
		applyTanh(&zx)
		hidden.CopyVec(&zx)
	}

	var out mat.VecDense
	out.MulVec(m.wo, hidden)
	out.AddVec(&out, m.bo)
	result := append([]float64(nil), out.RawVector().Data...)
	return result, checkFinite(result)
}

// KalmanModel smooths a linear readout through a constant-velocity
// Kalman filter. It is stateful: the estimate carries across calls for
// the lifetime of the loaded model (state resets when the decoder is
// re-activated, because activation registers a fresh instance).
type KalmanModel struct {
	readout *LinearModel
	dt      float64

	q float64 // process noise
	r float64 // measurement noise

	initialised bool
	state       *mat.VecDense // [x y vx vy]
	cov         *mat.Dense    // 4×4
}

// NewKalmanModel constructs a Kalman-smoothed readout. dt is the packet
// interval in seconds.
func NewKalmanModel(inputDim int, dt float64, seed int64) *KalmanModel {
	if dt <= 0 {
		dt = 0.025
	}
	return &KalmanModel{
		readout: NewLinearModel(inputDim, seed),
		dt:      dt,
		q:       0.1,
		r:       0.5,
		state:   mat.NewVecDense(4, nil),
		cov:     identity(4, 10),
	}
}

func (m *KalmanModel) Kind() string { return "kalman" }
func (m *KalmanModel) Steps() int   { return 1 }

func (m *KalmanModel) Forward(window [][]float64) ([]float64, error) {
	meas, err := m.readout.Forward(window)
	if err != nil {
		return nil, err
	}
	// Measurement is the readout's position estimate only; velocity is
	// inferred by the filter dynamics.
	z := mat.NewVecDense(2, []float64{meas[0], meas[1]})

	if !m.initialised {
		m.state.SetVec(0, z.AtVec(0))
		m.state.SetVec(1, z.AtVec(1))
		m.initialised = true
	}

	// Predict: constant-velocity transition.
	f := mat.NewDense(4, 4, []float64{
		1, 0, m.dt, 0,
		0, 1, 0, m.dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	var predicted mat.VecDense
	predicted.MulVec(f, m.state)

	var fp, fpf mat.Dense
	fp.Mul(f, m.cov)
	fpf.Mul(&fp, f.T())
	fpf.Add(&fpf, identity(4, m.q))

	// Update: observe position.
	h := mat.NewDense(2, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})
	var hp, s mat.Dense
	hp.Mul(h, &fpf)
	s.Mul(&hp, h.T())
	s.Add(&s, identity(2, m.r))

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return nil, fmt.Errorf("innovation covariance not invertible: %w", err)
	}

	var pht, k mat.Dense
	pht.Mul(&fpf, h.T())
	k.Mul(&pht, &sInv)

	var hx, innov mat.VecDense
	hx.MulVec(h, &predicted)
	innov.SubVec(z, &hx)

	var correction mat.VecDense
	correction.MulVec(&k, &innov)
	m.state.AddVec(&predicted, &correction)

	var kh, khp mat.Dense
	kh.Mul(&k, h)
	khp.Mul(&kh, &fpf)
	m.cov.Sub(&fpf, &khp)

	result := append([]float64(nil), m.state.RawVector().Data...)
	return result, checkFinite(result)
}

func randomDense(rng *rand.Rand, rows, cols int, scale float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return mat.NewDense(rows, cols, data)
}

func identity(n int, scale float64) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, scale)
	}
	return m
}

func applyTanh(v *mat.VecDense) {
	for i := 0; i < v.Len(); i++ {
		v.SetVec(i, math.Tanh(v.AtVec(i)))
	}
}

func lastVector(window [][]float64, inputDim int) (*mat.VecDense, error) {
	if len(window) == 0 {
		return nil, fmt.Errorf("empty feature window")
	}
	f := window[len(window)-1]
	if len(f) != inputDim {
		return nil, fmt.Errorf("feature vector has %d dims, model expects %d", len(f), inputDim)
	}
	return mat.NewVecDense(len(f), f), nil
}
