// Package stream brings feature packets into the process: a UDP JSON
// listener for live acquisition hardware, a synthetic generator for
// development, and a pcap replay source for captured sessions.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/parietal-data/decode.stream/internal/monitoring"
	"github.com/parietal-data/decode.stream/internal/neuro"
)

// Handler receives each decoded feature packet. It is called from the
// listener goroutine and must return quickly; the scheduler's Submit
// satisfies this because it never blocks on a decode.
type Handler func(pkt neuro.FeaturePacket)

// UDPListener receives newline-free JSON feature packets, one per
// datagram, from the acquisition system.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       *PacketStats
	handler     Handler
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       *PacketStats
	Handler     Handler
}

// NewUDPListener creates a listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	stats := config.Stats
	if stats == nil {
		stats = NewPacketStats()
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		handler:     config.Handler,
	}
}

// Start listens for feature packets until the context is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("Feature stream listener started on %s", l.address)

	go l.startStatsLogging(ctx)

	// Feature packets are ~2.5KB of JSON for 142 channels; leave margin
	// for higher channel counts.
	buffer := make([]byte, 65536)
	var deadlineErrLogged bool

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("Feature stream listener stopping due to context cancellation")
			return ctx.Err()
		default:
			if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
				if !deadlineErrLogged {
					monitoring.Logf("failed to set read deadline: %v", err)
					deadlineErrLogged = true
				}
			}

			n, from, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return nil
				}
				monitoring.Logf("UDP read error: %v", err)
				continue
			}

			if err := l.handleDatagram(buffer[:n]); err != nil {
				l.stats.AddBad()
				monitoring.Logf("Error handling packet from %v: %v", from, err)
			}
		}
	}
}

func (l *UDPListener) handleDatagram(data []byte) error {
	var pkt neuro.FeaturePacket
	if err := json.Unmarshal(data, &pkt); err != nil {
		return fmt.Errorf("undecodable feature packet: %w", err)
	}
	if len(pkt.Features) == 0 {
		return fmt.Errorf("feature packet seq=%d has no features", pkt.SequenceNumber)
	}
	l.stats.AddPacket(len(data))
	if l.handler != nil {
		l.handler(pkt)
	}
	return nil
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}
