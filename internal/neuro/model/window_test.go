package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTemporalWindowPadsLeftWhenPartial(t *testing.T) {
	w := NewTemporalWindow(4, 2)
	w.Append([]float64{1, 1})
	w.Append([]float64{2, 2})

	got := w.Snapshot()
	want := [][]float64{
		{0, 0},
		{0, 0},
		{1, 1},
		{2, 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if w.Size() != 2 {
		t.Errorf("Size() = %d, want 2", w.Size())
	}
}

func TestTemporalWindowEvictsOldest(t *testing.T) {
	w := NewTemporalWindow(3, 1)
	for i := 1; i <= 5; i++ {
		w.Append([]float64{float64(i)})
	}
	got := w.Snapshot()
	want := [][]float64{{3}, {4}, {5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestTemporalWindowCopiesInput(t *testing.T) {
	w := NewTemporalWindow(2, 2)
	v := []float64{1, 2}
	w.Append(v)
	v[0] = 99
	if got := w.Snapshot()[1][0]; got != 1 {
		t.Errorf("window aliased caller buffer: got %v, want 1", got)
	}
}

func TestTemporalWindowReset(t *testing.T) {
	w := NewTemporalWindow(3, 1)
	w.Append([]float64{1})
	w.Reset()
	if w.Size() != 0 {
		t.Errorf("Size() after Reset = %d, want 0", w.Size())
	}
	got := w.Snapshot()
	for i, v := range got {
		if v[0] != 0 {
			t.Errorf("snapshot[%d] = %v, want zero vector", i, v)
		}
	}
}
