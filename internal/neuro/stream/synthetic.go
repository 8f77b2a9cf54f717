package stream

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/parietal-data/decode.stream/internal/monitoring"
	"github.com/parietal-data/decode.stream/internal/neuro"
)

// SyntheticSource generates feature packets locally for development,
// with no acquisition hardware on the network. The reference cursor
// traces a Lissajous figure and the feature vector is a fixed random
// projection of the kinematics plus Gaussian noise, so linear decoders
// have real signal to recover.
type SyntheticSource struct {
	dim     int
	rate    time.Duration
	noise   float64
	handler Handler

	proj [][4]float64
	rng  *rand.Rand
}

// NewSyntheticSource creates a generator producing dim-channel packets
// at the given interval.
func NewSyntheticSource(dim int, interval time.Duration, seed int64, handler Handler) *SyntheticSource {
	if dim < 1 {
		dim = 142
	}
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	rng := rand.New(rand.NewSource(seed))
	proj := make([][4]float64, dim)
	for i := range proj {
		for j := 0; j < 4; j++ {
			proj[i][j] = rng.NormFloat64()
		}
	}
	return &SyntheticSource{
		dim:     dim,
		rate:    interval,
		noise:   0.3,
		handler: handler,
		proj:    proj,
		rng:     rng,
	}
}

// Run emits packets until the context is cancelled.
func (s *SyntheticSource) Run(ctx context.Context) error {
	monitoring.Logf("Synthetic feature source started: %d channels every %s", s.dim, s.rate)
	ticker := time.NewTicker(s.rate)
	defer ticker.Stop()

	var seq uint64
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.handler(s.packet(seq, now.Sub(start).Seconds(), now))
			seq++
		}
	}
}

func (s *SyntheticSource) packet(seq uint64, t float64, now time.Time) (pkt neuro.FeaturePacket) {
	// Lissajous trajectory: smooth, bounded, covers the workspace.
	const ax, ay = 0.8, 0.8
	const wx, wy = 0.7, 1.1
	pkt.Reference.X = ax * math.Sin(wx*t)
	pkt.Reference.Y = ay * math.Sin(wy*t+math.Pi/4)
	pkt.Reference.VX = ax * wx * math.Cos(wx*t)
	pkt.Reference.VY = ay * wy * math.Cos(wy*t+math.Pi/4)

	pkt.SequenceNumber = seq
	pkt.TimestampMs = now.UnixMilli()
	pkt.Features = make([]float64, s.dim)
	k := [4]float64{pkt.Reference.X, pkt.Reference.Y, pkt.Reference.VX, pkt.Reference.VY}
	for i := range pkt.Features {
		var v float64
		for j := 0; j < 4; j++ {
			v += s.proj[i][j] * k[j]
		}
		pkt.Features[i] = v + s.rng.NormFloat64()*s.noise
	}
	return pkt
}
