// Package sched implements the execution scheduler: the state machine
// that drives exactly one decode at a time off the 40 Hz feature stream,
// drops packets that arrive mid-decode, and discards results that
// outlive the decoder session they started under.
package sched

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/parietal-data/decode.stream/internal/neuro"
	"github.com/parietal-data/decode.stream/internal/neuro/decoder"
	"github.com/parietal-data/decode.stream/internal/neuro/loader"
	"github.com/parietal-data/decode.stream/internal/neuro/model"
	"github.com/parietal-data/decode.stream/internal/timeutil"
)

// Sink receives decode outputs and health events from the scheduler.
// Implementations must not block: a slow consumer stalls completion
// handling for the packet that produced the output.
type Sink interface {
	PublishOutput(out neuro.DecoderOutput, ref neuro.KinematicState)
	PublishHealth(ev neuro.HealthEvent)
}

// FailurePolicy selects what the scheduler publishes when a decode
// fails.
type FailurePolicy string

const (
	// PublishNothing suppresses output on failure; only a health event
	// goes out. The dashboard shows the last successful position.
	PublishNothing FailurePolicy = "publish-nothing"

	// HoldLast republishes the last successful output with the failing
	// packet's sequence number and timestamp.
	HoldLast FailurePolicy = "hold-last"

	// Passthrough publishes the packet's reference kinematics with zero
	// confidence so the cursor keeps tracking ground truth.
	Passthrough FailurePolicy = "passthrough"
)

type state int

const (
	stateIdle state = iota
	stateDecoding
)

// active is the currently installed decoder session.
type active struct {
	exe   *loader.Executable
	stats *decoder.RunningStats
	epoch uint64
}

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	// HistoryLength bounds the output history ring. Default 40 (one
	// second at the 40 Hz packet rate).
	HistoryLength int

	// TimeoutWarnMs is the latency above which a completed decode logs
	// a warning. Decodes are never cancelled. Default 100.
	TimeoutWarnMs float64

	// DedupEnabled drops a packet whose sequence number equals the last
	// accepted one. Default on; disable via DedupDisabled.
	DedupDisabled bool

	// Policy selects the failure behaviour. Default PublishNothing.
	Policy FailurePolicy

	// Clock overrides the time source for tests.
	Clock timeutil.Clock
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	PacketsReceived uint64  `json:"packets_received"`
	DroppedBusy     uint64  `json:"dropped_busy"`
	Duplicates      uint64  `json:"duplicates"`
	Decodes         uint64  `json:"decodes"`
	Failures        uint64  `json:"failures"`
	StaleDiscarded  uint64  `json:"stale_discarded"`
	HistorySize     int     `json:"history_size"`
	RMSE            float64 `json:"rmse"`
	ActiveDecoderID string  `json:"active_decoder_id,omitempty"`
	Decoding        bool    `json:"decoding"`
}

// Scheduler serialises decode execution over the packet stream. All
// state transitions happen under a single mutex; the decode itself runs
// outside it (on the caller goroutine for scripted decoders, on a
// spawned goroutine for model decoders).
type Scheduler struct {
	backend *model.Backend
	sink    Sink
	clock   timeutil.Clock

	timeoutWarnMs float64
	dedupEnabled  bool
	policy        FailurePolicy

	mu      sync.Mutex
	state   state
	act     *active
	epoch   uint64
	history *OutputHistory

	lastSeq uint64
	haveSeq bool

	lastGood     neuro.DecoderOutput
	haveLastGood bool

	// Squared position errors for the outputs currently in history,
	// maintained as a parallel ring for the RMSE stat.
	sqErrs []float64

	packetsReceived uint64
	droppedBusy     uint64
	duplicates      uint64
	decodes         uint64
	failures        uint64
	staleDiscarded  uint64
}

// New creates a scheduler publishing to the given sink. Model decoders
// run through backend; scripted decoders never touch it.
func New(backend *model.Backend, sink Sink, opts Options) *Scheduler {
	if opts.HistoryLength < 1 {
		opts.HistoryLength = 40
	}
	if opts.TimeoutWarnMs <= 0 {
		opts.TimeoutWarnMs = 100
	}
	if opts.Policy == "" {
		opts.Policy = PublishNothing
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Scheduler{
		backend:       backend,
		sink:          sink,
		clock:         opts.Clock,
		timeoutWarnMs: opts.TimeoutWarnMs,
		dedupEnabled:  !opts.DedupDisabled,
		policy:        opts.Policy,
		history:       NewOutputHistory(opts.HistoryLength),
	}
}

// SetActiveDecoder installs a decoder session, replacing any current
// one. The output history and duplicate marker are cleared and the
// session epoch advances, so any decode still in flight from the old
// session is discarded on completion. Pass nil to deactivate.
func (s *Scheduler) SetActiveDecoder(exe *loader.Executable, stats *decoder.RunningStats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.state = stateIdle
	s.history.Clear()
	s.sqErrs = s.sqErrs[:0]
	s.haveSeq = false
	s.haveLastGood = false

	if exe == nil {
		s.act = nil
		diagf("decoder deactivated (epoch %d)", s.epoch)
		return
	}
	s.act = &active{exe: exe, stats: stats, epoch: s.epoch}
	diagf("decoder %q activated (epoch %d, kind %s)", exe.DecoderID, s.epoch, exe.Kind)
}

// ActiveDecoderID returns the installed decoder's ID, or "".
func (s *Scheduler) ActiveDecoderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.act == nil {
		return ""
	}
	return s.act.exe.DecoderID
}

// Submit offers one feature packet to the scheduler. Exactly one of
// three things happens: the packet starts a decode, it is dropped
// because a decode is in flight, or it is dropped as a duplicate.
// Scripted decodes run synchronously before Submit returns; model
// decodes complete asynchronously.
func (s *Scheduler) Submit(pkt neuro.FeaturePacket) {
	s.mu.Lock()
	s.packetsReceived++

	if s.act == nil {
		s.mu.Unlock()
		return
	}
	if s.dedupEnabled && s.haveSeq && pkt.SequenceNumber == s.lastSeq {
		s.duplicates++
		s.mu.Unlock()
		tracef("packet seq=%d dropped: duplicate", pkt.SequenceNumber)
		return
	}
	if s.state == stateDecoding {
		s.droppedBusy++
		s.mu.Unlock()
		tracef("packet seq=%d dropped: decode in flight", pkt.SequenceNumber)
		return
	}

	s.state = stateDecoding
	s.lastSeq = pkt.SequenceNumber
	s.haveSeq = true
	act := s.act
	epoch := act.epoch
	input := &neuro.DecoderInput{
		Features:  append([]float64(nil), pkt.Features...),
		Reference: pkt.Reference,
		History:   s.history.Snapshot(),
	}
	s.mu.Unlock()

	started := s.clock.Now()

	if act.exe.Kind == decoder.KindScripted {
		out, err := s.runScripted(act, pkt, input, started)
		s.complete(epoch, act, pkt, out, err, started)
		return
	}

	go func() {
		out, err := s.runModel(act, pkt, input, started)
		s.complete(epoch, act, pkt, out, err, started)
	}()
}

func (s *Scheduler) runScripted(act *active, pkt neuro.FeaturePacket, input *neuro.DecoderInput, started time.Time) (neuro.DecoderOutput, error) {
	res, err := act.exe.Program.Run(input)
	if err != nil {
		return neuro.DecoderOutput{}, &neuro.DecoderExecutionError{DecoderID: act.exe.DecoderID, Cause: err}
	}
	out := neuro.DecoderOutput{
		X: res.X, Y: res.Y,
		DecoderID:      act.exe.DecoderID,
		SequenceNumber: pkt.SequenceNumber,
		TimestampMs:    pkt.TimestampMs,
	}
	if res.HasVX {
		out.VX = res.VX
	}
	if res.HasVY {
		out.VY = res.VY
	}
	if res.HasConfidence {
		c := res.Confidence
		out.Confidence = &c
	}
	out.LatencyMs = float64(s.clock.Since(started)) / float64(time.Millisecond)
	if !out.Valid() {
		return neuro.DecoderOutput{}, &neuro.DecoderExecutionError{
			DecoderID: act.exe.DecoderID,
			Cause:     fmt.Errorf("script produced invalid output"),
		}
	}
	return out, nil
}

func (s *Scheduler) runModel(act *active, pkt neuro.FeaturePacket, input *neuro.DecoderInput, started time.Time) (neuro.DecoderOutput, error) {
	vec, err := s.backend.Infer(context.Background(), act.exe.ModelKey, input.Features)
	if err != nil {
		return neuro.DecoderOutput{}, &neuro.DecoderExecutionError{DecoderID: act.exe.DecoderID, Cause: err}
	}
	out := neuro.DecoderOutput{
		X: vec[0], Y: vec[1], VX: vec[2], VY: vec[3],
		DecoderID:      act.exe.DecoderID,
		SequenceNumber: pkt.SequenceNumber,
		TimestampMs:    pkt.TimestampMs,
	}
	out.LatencyMs = float64(s.clock.Since(started)) / float64(time.Millisecond)
	if !out.Valid() {
		return neuro.DecoderOutput{}, &neuro.DecoderExecutionError{
			DecoderID: act.exe.DecoderID,
			Cause:     fmt.Errorf("model produced invalid output"),
		}
	}
	return out, nil
}

// complete finishes one decode. Results from a superseded session epoch
// are discarded without touching scheduler state, since the session they
// belong to no longer exists.
func (s *Scheduler) complete(epoch uint64, act *active, pkt neuro.FeaturePacket, out neuro.DecoderOutput, err error, started time.Time) {
	latencyMs := float64(s.clock.Since(started)) / float64(time.Millisecond)

	s.mu.Lock()
	if epoch != s.epoch {
		s.staleDiscarded++
		s.mu.Unlock()
		diagf("discarded stale result for seq=%d (epoch %d, current %d)", pkt.SequenceNumber, epoch, s.epoch)
		return
	}
	s.state = stateIdle

	if err != nil {
		s.failures++
		if act.stats != nil {
			act.stats.RecordFailure()
		}
		policy := s.policy
		last := s.lastGood
		haveLast := s.haveLastGood
		s.mu.Unlock()

		opsf("decode failed for %q seq=%d: %v", act.exe.DecoderID, pkt.SequenceNumber, err)
		s.sink.PublishHealth(neuro.HealthEvent{
			DecoderID:      act.exe.DecoderID,
			Message:        err.Error(),
			SequenceNumber: pkt.SequenceNumber,
			TimestampMs:    pkt.TimestampMs,
		})
		switch policy {
		case HoldLast:
			if haveLast {
				held := last
				held.SequenceNumber = pkt.SequenceNumber
				held.TimestampMs = pkt.TimestampMs
				s.sink.PublishOutput(held, pkt.Reference)
			}
		case Passthrough:
			zero := 0.0
			s.sink.PublishOutput(neuro.DecoderOutput{
				X: pkt.Reference.X, Y: pkt.Reference.Y,
				VX: pkt.Reference.VX, VY: pkt.Reference.VY,
				Confidence:     &zero,
				LatencyMs:      latencyMs,
				DecoderID:      act.exe.DecoderID,
				SequenceNumber: pkt.SequenceNumber,
				TimestampMs:    pkt.TimestampMs,
			}, pkt.Reference)
		}
		return
	}

	s.decodes++
	if act.stats != nil {
		act.stats.RecordSuccess(out.LatencyMs)
	}
	s.history.Add(out)
	s.recordError(out, pkt.Reference)
	s.lastGood = out
	s.haveLastGood = true
	s.mu.Unlock()

	if latencyMs > s.timeoutWarnMs {
		opsf("slow decode: %q seq=%d took %.1fms (warn threshold %.0fms)",
			act.exe.DecoderID, pkt.SequenceNumber, latencyMs, s.timeoutWarnMs)
	}
	tracef("decoded seq=%d in %.2fms", pkt.SequenceNumber, out.LatencyMs)
	s.sink.PublishOutput(out, pkt.Reference)
}

// recordError keeps a bounded window of squared position errors against
// the reference kinematics. Caller holds s.mu.
func (s *Scheduler) recordError(out neuro.DecoderOutput, ref neuro.KinematicState) {
	dx := out.X - ref.X
	dy := out.Y - ref.Y
	s.sqErrs = append(s.sqErrs, dx*dx+dy*dy)
	if n := s.history.Capacity(); len(s.sqErrs) > n {
		s.sqErrs = s.sqErrs[len(s.sqErrs)-n:]
	}
}

// History returns the recent outputs, oldest first.
func (s *Scheduler) History() []neuro.DecoderOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Snapshot()
}

// Snapshot returns the current counters.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		PacketsReceived: s.packetsReceived,
		DroppedBusy:     s.droppedBusy,
		Duplicates:      s.duplicates,
		Decodes:         s.decodes,
		Failures:        s.failures,
		StaleDiscarded:  s.staleDiscarded,
		HistorySize:     s.history.Size(),
		RMSE:            s.rmseLocked(),
		Decoding:        s.state == stateDecoding,
	}
	if s.act != nil {
		st.ActiveDecoderID = s.act.exe.DecoderID
	}
	return st
}

func (s *Scheduler) rmseLocked() float64 {
	if len(s.sqErrs) == 0 {
		return 0
	}
	var sum float64
	for _, e := range s.sqErrs {
		sum += e
	}
	return math.Sqrt(sum / float64(len(s.sqErrs)))
}
