package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubModel returns a fixed output and counts window lengths seen.
type stubModel struct {
	steps   int
	out     []float64
	windows []int
}

func (m *stubModel) Kind() string { return "stub" }
func (m *stubModel) Steps() int   { return m.steps }
func (m *stubModel) Forward(window [][]float64) ([]float64, error) {
	m.windows = append(m.windows, len(window))
	return m.out, nil
}

type panickyModel struct{}

func (panickyModel) Kind() string { return "panic" }
func (panickyModel) Steps() int   { return 1 }
func (panickyModel) Forward(window [][]float64) ([]float64, error) {
	panic("weights corrupted")
}

func TestBackendInferReturnsModelOutput(t *testing.T) {
	b := NewBackend(2)
	defer b.Close()

	m := &stubModel{steps: 1, out: []float64{1, 2, 3, 4}}
	require.NoError(t, b.RegisterModel("m@1", m))

	out, err := b.Infer(context.Background(), "m@1", []float64{0.5, 0.5})
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3, 4}, out)
}

func TestBackendInferUnknownKeyFails(t *testing.T) {
	b := NewBackend(2)
	defer b.Close()

	_, err := b.Infer(context.Background(), "nope@1", []float64{1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "nope@1")
}

func TestBackendPadsWindowToSteps(t *testing.T) {
	b := NewBackend(2)
	defer b.Close()

	m := &stubModel{steps: 3, out: []float64{0, 0, 0, 0}}
	require.NoError(t, b.RegisterModel("seq@1", m))

	for i := 0; i < 4; i++ {
		_, err := b.Infer(context.Background(), "seq@1", []float64{float64(i)})
		require.NoError(t, err)
	}
	// Window is always padded to Steps() vectors.
	require.Equal(t, []int{3, 3, 3, 3}, m.windows)
}

func TestBackendReregisterResetsWindow(t *testing.T) {
	b := NewBackend(2)
	defer b.Close()

	m1 := &stubModel{steps: 2, out: []float64{0, 0, 0, 0}}
	require.NoError(t, b.RegisterModel("m@1", m1))
	_, err := b.Infer(context.Background(), "m@1", []float64{1})
	require.NoError(t, err)

	// Registering under the same key replaces the model and discards the
	// accumulated window.
	m2 := &stubModel{steps: 2, out: []float64{0, 0, 0, 0}}
	require.NoError(t, b.RegisterModel("m@1", m2))
	_, err = b.Infer(context.Background(), "m@1", []float64{2})
	require.NoError(t, err)
	require.Empty(t, m1.windows[1:])
	require.Len(t, m2.windows, 1)
}

func TestBackendPanicConvertedToError(t *testing.T) {
	b := NewBackend(2)
	defer b.Close()

	require.NoError(t, b.RegisterModel("p@1", panickyModel{}))
	_, err := b.Infer(context.Background(), "p@1", []float64{1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")

	// Worker survives the panic.
	m := &stubModel{steps: 1, out: []float64{1, 1, 1, 1}}
	require.NoError(t, b.RegisterModel("ok@1", m))
	out, err := b.Infer(context.Background(), "ok@1", []float64{1})
	require.NoError(t, err)
	require.Len(t, out, 4)
}

func TestBackendRejectsWrongOutputDim(t *testing.T) {
	b := NewBackend(2)
	defer b.Close()

	m := &stubModel{steps: 1, out: []float64{1, 2}}
	require.NoError(t, b.RegisterModel("short@1", m))
	_, err := b.Infer(context.Background(), "short@1", []float64{1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "dims")
}

func TestBackendInferAfterCloseFails(t *testing.T) {
	b := NewBackend(2)
	b.Close()

	_, err := b.Infer(context.Background(), "m@1", []float64{1})
	require.Error(t, err)
}

func TestBackendInferRespectsContext(t *testing.T) {
	b := NewBackend(2)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	m := &blockedForever{release: blocked}
	require.NoError(t, b.RegisterModel("slow@1", m))

	// First request occupies the worker; the second times out waiting.
	go b.Infer(context.Background(), "slow@1", []float64{1})
	time.Sleep(5 * time.Millisecond)
	_, err := b.Infer(ctx, "slow@1", []float64{1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockedForever struct{ release chan struct{} }

func (m *blockedForever) Kind() string { return "blocked" }
func (m *blockedForever) Steps() int   { return 1 }
func (m *blockedForever) Forward(window [][]float64) ([]float64, error) {
	<-m.release
	return []float64{0, 0, 0, 0}, nil
}
