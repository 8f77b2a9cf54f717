package stream

import (
	"sync"
	"time"

	"github.com/parietal-data/decode.stream/internal/monitoring"
)

// PacketStats tracks receive-side statistics with thread-safe operations.
type PacketStats struct {
	mu          sync.Mutex
	packetCount int64
	byteCount   int64
	badCount    int64
	lastReset   time.Time
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

// AddPacket records one successfully decoded packet.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddBad records a datagram that failed to decode.
func (ps *PacketStats) AddBad() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.badCount++
}

// GetAndReset returns current stats and resets counters.
func (ps *PacketStats) GetAndReset() (packets, bytes, bad int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	packets = ps.packetCount
	bytes = ps.byteCount
	bad = ps.badCount

	ps.packetCount = 0
	ps.byteCount = 0
	ps.badCount = 0
	ps.lastReset = now
	return
}

// LogStats logs the per-second receive rates since the last reset.
func (ps *PacketStats) LogStats() {
	packets, bytes, bad, duration := ps.GetAndReset()
	if packets == 0 && bad == 0 {
		return
	}
	packetsPerSec := float64(packets) / duration.Seconds()
	kbPerSec := float64(bytes) / duration.Seconds() / 1024
	if bad > 0 {
		monitoring.Logf("Feature stream stats (/sec): %.1f packets, %.1f KB, %d undecodable", packetsPerSec, kbPerSec, bad)
		return
	}
	monitoring.Logf("Feature stream stats (/sec): %.1f packets, %.1f KB", packetsPerSec, kbPerSec)
}
