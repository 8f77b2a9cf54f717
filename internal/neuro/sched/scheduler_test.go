package sched

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parietal-data/decode.stream/internal/neuro"
	"github.com/parietal-data/decode.stream/internal/neuro/decoder"
	"github.com/parietal-data/decode.stream/internal/neuro/loader"
	"github.com/parietal-data/decode.stream/internal/neuro/model"
	"github.com/parietal-data/decode.stream/internal/neuro/script"
)

// captureSink records everything the scheduler publishes.
type captureSink struct {
	mu      sync.Mutex
	outputs []neuro.DecoderOutput
	health  []neuro.HealthEvent
}

func (c *captureSink) PublishOutput(out neuro.DecoderOutput, ref neuro.KinematicState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = append(c.outputs, out)
}

func (c *captureSink) PublishHealth(ev neuro.HealthEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = append(c.health, ev)
}

func (c *captureSink) outputCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outputs)
}

func (c *captureSink) healthCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.health)
}

func (c *captureSink) lastOutput(t *testing.T) neuro.DecoderOutput {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outputs) == 0 {
		t.Fatal("no outputs published")
	}
	return c.outputs[len(c.outputs)-1]
}

func scriptedExe(t *testing.T, id, src string) *loader.Executable {
	t.Helper()
	prog, err := script.Compile(src)
	require.NoError(t, err)
	return &loader.Executable{DecoderID: id, Kind: decoder.KindScripted, Program: prog}
}

func packet(seq uint64) neuro.FeaturePacket {
	return neuro.FeaturePacket{
		SequenceNumber: seq,
		TimestampMs:    int64(seq) * 25,
		Features:       []float64{0.1, 0.2, 0.3, 0.4},
		Reference:      neuro.KinematicState{X: float64(seq), Y: -float64(seq), VX: 1, VY: -1},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// blockingModel blocks Forward until released, so tests can hold a
// decode in flight deterministically.
type blockingModel struct {
	release chan struct{}
	out     []float64
}

func (m *blockingModel) Kind() string { return "blocking" }
func (m *blockingModel) Steps() int   { return 1 }
func (m *blockingModel) Forward(window [][]float64) ([]float64, error) {
	<-m.release
	return m.out, nil
}

func TestSubmitWithoutActiveDecoderDropsPacket(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{})

	s.Submit(packet(1))

	st := s.Snapshot()
	require.Equal(t, uint64(1), st.PacketsReceived)
	require.Equal(t, uint64(0), st.Decodes)
	require.Equal(t, 0, sink.outputCount())
}

func TestScriptedDecodePublishesOutput(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	s.SetActiveDecoder(scriptedExe(t, "pass", "x = ref.x\ny = ref.y\nvx = ref.vx\nvy = ref.vy\n"), nil)

	for seq := uint64(1); seq <= 8; seq++ {
		s.Submit(packet(seq))
	}

	require.Equal(t, 8, sink.outputCount())
	for i, out := range sink.outputs {
		seq := uint64(i + 1)
		require.Equal(t, seq, out.SequenceNumber)
		require.Equal(t, float64(seq), out.X)
		require.Equal(t, -float64(seq), out.Y)
		require.Equal(t, "pass", out.DecoderID)
	}

	st := s.Snapshot()
	require.Equal(t, uint64(8), st.Decodes)
	require.Equal(t, uint64(0), st.Failures)
	require.InDelta(t, 0, st.RMSE, 1e-12)
}

func TestDuplicateSequenceNumberDropped(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	s.SetActiveDecoder(scriptedExe(t, "pass", "x = ref.x\ny = ref.y\n"), nil)

	s.Submit(packet(7))
	s.Submit(packet(7))
	s.Submit(packet(8))

	st := s.Snapshot()
	require.Equal(t, uint64(1), st.Duplicates)
	require.Equal(t, uint64(2), st.Decodes)
	require.Equal(t, 2, sink.outputCount())
}

func TestDedupDisabledAllowsRepeats(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{DedupDisabled: true})
	s.SetActiveDecoder(scriptedExe(t, "pass", "x = ref.x\ny = ref.y\n"), nil)

	s.Submit(packet(7))
	s.Submit(packet(7))

	st := s.Snapshot()
	require.Equal(t, uint64(0), st.Duplicates)
	require.Equal(t, uint64(2), st.Decodes)
}

func TestHistoryBoundedAndOrdered(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	s.SetActiveDecoder(scriptedExe(t, "pass", "x = ref.x\ny = ref.y\n"), nil)

	for seq := uint64(1); seq <= 45; seq++ {
		s.Submit(packet(seq))
	}

	hist := s.History()
	require.Len(t, hist, 40)
	require.Equal(t, uint64(6), hist[0].SequenceNumber)
	require.Equal(t, uint64(45), hist[len(hist)-1].SequenceNumber)
}

func TestScriptSeesOwnHistory(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	// Integrate: each output adds one to the previous x.
	s.SetActiveDecoder(scriptedExe(t, "walk", "x = prev.x + 1\ny = 0\n"), nil)

	for seq := uint64(1); seq <= 5; seq++ {
		s.Submit(packet(seq))
	}

	require.Equal(t, 5.0, sink.lastOutput(t).X)
}

func TestAtMostOneDecodeInFlight(t *testing.T) {
	backend := model.NewBackend(4)
	defer backend.Close()

	blocking := &blockingModel{release: make(chan struct{}), out: []float64{1, 2, 3, 4}}
	require.NoError(t, backend.RegisterModel("slow@1", blocking))

	sink := &captureSink{}
	s := New(backend, sink, Options{})
	s.SetActiveDecoder(&loader.Executable{DecoderID: "slow", Kind: decoder.KindModel, ModelKey: "slow@1"}, nil)

	s.Submit(packet(1))
	waitFor(t, func() bool { return s.Snapshot().Decoding })

	// These arrive while the decode is stuck in the model.
	s.Submit(packet(2))
	s.Submit(packet(3))

	close(blocking.release)
	waitFor(t, func() bool { return sink.outputCount() == 1 })

	st := s.Snapshot()
	require.Equal(t, uint64(2), st.DroppedBusy)
	require.Equal(t, uint64(1), st.Decodes)
	out := sink.lastOutput(t)
	require.Equal(t, uint64(1), out.SequenceNumber)
	require.Equal(t, 1.0, out.X)
	require.Equal(t, 4.0, out.VY)

	// The scheduler is idle again and accepts the next packet.
	s.Submit(packet(4))
	waitFor(t, func() bool { return sink.outputCount() == 2 })
}

func TestStaleResultDiscardedAfterSwitch(t *testing.T) {
	backend := model.NewBackend(4)
	defer backend.Close()

	blocking := &blockingModel{release: make(chan struct{}), out: []float64{9, 9, 9, 9}}
	require.NoError(t, backend.RegisterModel("old@1", blocking))

	sink := &captureSink{}
	s := New(backend, sink, Options{})
	s.SetActiveDecoder(&loader.Executable{DecoderID: "old", Kind: decoder.KindModel, ModelKey: "old@1"}, nil)

	s.Submit(packet(1))
	waitFor(t, func() bool { return s.Snapshot().Decoding })

	// Swap decoders while the old decode is still in flight.
	s.SetActiveDecoder(scriptedExe(t, "new", "x = ref.x\ny = ref.y\n"), nil)
	close(blocking.release)

	waitFor(t, func() bool { return s.Snapshot().StaleDiscarded == 1 })
	require.Equal(t, 0, sink.outputCount())

	// The new session decodes normally; the old result never surfaced.
	s.Submit(packet(2))
	require.Equal(t, 1, sink.outputCount())
	require.Equal(t, "new", sink.lastOutput(t).DecoderID)
}

func TestSwitchClearsHistoryAndDedupState(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	s.SetActiveDecoder(scriptedExe(t, "a", "x = ref.x\ny = ref.y\n"), nil)
	s.Submit(packet(5))
	require.Len(t, s.History(), 1)

	s.SetActiveDecoder(scriptedExe(t, "b", "x = ref.x\ny = ref.y\n"), nil)
	require.Empty(t, s.History())

	// Same sequence number as before the switch must not be treated as a
	// duplicate.
	s.Submit(packet(5))
	require.Equal(t, uint64(0), s.Snapshot().Duplicates)
	require.Equal(t, "b", sink.lastOutput(t).DecoderID)
}

func TestFailurePublishesHealthAndRecovers(t *testing.T) {
	stats := decoder.NewRunningStats(0.2)
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	// Out-of-range feature access fails at runtime.
	s.SetActiveDecoder(scriptedExe(t, "bad", "x = features[100]\ny = 0\n"), stats)

	s.Submit(packet(1))

	require.Equal(t, 1, sink.healthCount())
	require.Equal(t, 0, sink.outputCount())
	ev := sink.health[0]
	require.Equal(t, "bad", ev.DecoderID)
	require.Equal(t, uint64(1), ev.SequenceNumber)
	require.NotEmpty(t, ev.Message)

	st := s.Snapshot()
	require.Equal(t, uint64(1), st.Failures)
	require.False(t, st.Decoding)
	require.Equal(t, int64(1), stats.Snapshot().Failures)

	// Next packet still goes through the same (failing) decoder without
	// the scheduler wedging.
	s.Submit(packet(2))
	require.Equal(t, 2, sink.healthCount())
}

func TestInvalidOutputTreatedAsFailure(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	s.SetActiveDecoder(scriptedExe(t, "nan", "x = 0 / 0\ny = 0\n"), nil)

	s.Submit(packet(1))

	require.Equal(t, 0, sink.outputCount())
	require.Equal(t, 1, sink.healthCount())
	require.Equal(t, uint64(1), s.Snapshot().Failures)
}

func TestHoldLastPolicyRepublishesLastGood(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{Policy: HoldLast})
	// Fails whenever the reference x exceeds 2.
	s.SetActiveDecoder(scriptedExe(t, "flaky", "x = ref.x > 2 ? features[100] : ref.x\ny = ref.y\n"), nil)

	s.Submit(packet(1))
	s.Submit(packet(2))
	s.Submit(packet(3)) // fails, holds seq 2's position

	require.Equal(t, 3, sink.outputCount())
	held := sink.lastOutput(t)
	require.Equal(t, uint64(3), held.SequenceNumber)
	require.Equal(t, 2.0, held.X)
	require.Equal(t, 1, sink.healthCount())
}

func TestHoldLastWithNoPriorOutputPublishesNothing(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{Policy: HoldLast})
	s.SetActiveDecoder(scriptedExe(t, "bad", "x = features[100]\ny = 0\n"), nil)

	s.Submit(packet(1))

	require.Equal(t, 0, sink.outputCount())
	require.Equal(t, 1, sink.healthCount())
}

func TestPassthroughPolicyPublishesReference(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{Policy: Passthrough})
	s.SetActiveDecoder(scriptedExe(t, "bad", "x = features[100]\ny = 0\n"), nil)

	s.Submit(packet(4))

	require.Equal(t, 1, sink.outputCount())
	out := sink.lastOutput(t)
	require.Equal(t, 4.0, out.X)
	require.Equal(t, -4.0, out.Y)
	require.NotNil(t, out.Confidence)
	require.Equal(t, 0.0, *out.Confidence)
	require.Equal(t, uint64(4), out.SequenceNumber)
}

func TestRMSEAgainstReference(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	// Constant offset of (3, 4) from the reference: error is always 5.
	s.SetActiveDecoder(scriptedExe(t, "off", "x = ref.x + 3\ny = ref.y + 4\n"), nil)

	for seq := uint64(1); seq <= 10; seq++ {
		s.Submit(packet(seq))
	}

	st := s.Snapshot()
	require.InDelta(t, 5.0, st.RMSE, 1e-9)
	require.False(t, math.IsNaN(st.RMSE))
}

func TestDeactivateStopsDecoding(t *testing.T) {
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	s.SetActiveDecoder(scriptedExe(t, "pass", "x = ref.x\ny = ref.y\n"), nil)
	s.Submit(packet(1))
	require.Equal(t, "pass", s.ActiveDecoderID())

	s.SetActiveDecoder(nil, nil)
	require.Equal(t, "", s.ActiveDecoderID())

	s.Submit(packet(2))
	require.Equal(t, 1, sink.outputCount())
}

func TestStatsSeededFromSuccesses(t *testing.T) {
	stats := decoder.NewRunningStats(0.2)
	sink := &captureSink{}
	s := New(nil, sink, Options{})
	s.SetActiveDecoder(scriptedExe(t, "pass", "x = ref.x\ny = ref.y\n"), stats)

	s.Submit(packet(1))
	s.Submit(packet(2))

	snap := stats.Snapshot()
	require.Equal(t, int64(2), snap.Successes)
	require.GreaterOrEqual(t, snap.EMALatencyMs, 0.0)
}
