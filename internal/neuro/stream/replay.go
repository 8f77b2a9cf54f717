package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/parietal-data/decode.stream/internal/monitoring"
)

// ReplayConfig configures pcap replay of a captured acquisition session.
type ReplayConfig struct {
	// UDPPort filters replayed traffic to datagrams addressed to this
	// port. Zero replays every UDP payload in the capture.
	UDPPort int

	// SpeedMultiplier controls replay speed (1.0 = real-time, 2.0 = 2x
	// speed). Values <= 0 select real-time.
	SpeedMultiplier float64
}

// ReplayPCAPFile reads a capture file and hands each UDP payload to the
// given payload handler, honouring the original inter-packet timing.
// The reader is pure Go, so replay works without libpcap installed.
func ReplayPCAPFile(ctx context.Context, pcapFile string, handler func(payload []byte), config ReplayConfig) error {
	if config.SpeedMultiplier <= 0 {
		config.SpeedMultiplier = 1.0
	}

	f, err := os.Open(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open capture file %s: %w", pcapFile, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read capture file %s: %w", pcapFile, err)
	}

	monitoring.Logf("PCAP replay: %s (port filter %d, speed %.1fx)", pcapFile, config.UDPPort, config.SpeedMultiplier)

	packetCount := 0
	replayed := 0
	startTime := time.Now()
	var lastCaptureTime time.Time

	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			monitoring.Logf("PCAP replay complete: %d/%d packets replayed in %v", replayed, packetCount, time.Since(startTime))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet %d: %w", packetCount+1, err)
		}
		packetCount++

		if !lastCaptureTime.IsZero() {
			delay := ci.Timestamp.Sub(lastCaptureTime)
			scaled := time.Duration(float64(delay) / config.SpeedMultiplier)
			if scaled > 0 {
				select {
				case <-ctx.Done():
					monitoring.Logf("PCAP replay stopping due to context cancellation (processed %d packets)", packetCount)
					return ctx.Err()
				case <-time.After(scaled):
				}
			}
		}
		lastCaptureTime = ci.Timestamp

		packet := gopacket.NewPacket(data, r.LinkType(), gopacket.NoCopy)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			continue
		}
		if config.UDPPort != 0 && int(udp.DstPort) != config.UDPPort {
			continue
		}
		if len(udp.Payload) == 0 {
			continue
		}

		handler(udp.Payload)
		replayed++

		if packetCount%10000 == 0 {
			elapsed := time.Since(startTime)
			monitoring.Logf("PCAP replay progress: %d packets in %v (%.0f pkt/s)",
				packetCount, elapsed, float64(packetCount)/elapsed.Seconds())
		}
	}
}
