// replay sends the UDP payloads of a captured acquisition session to a
// running decoderd, honouring original packet timing. Useful for
// reproducing decode behaviour from recorded sessions.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/parietal-data/decode.stream/internal/neuro/stream"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file to replay (required)")
	target   = flag.String("target", "127.0.0.1:2368", "UDP destination for replayed packets")
	port     = flag.Int("port", 2368, "Replay only datagrams captured with this destination port (0 for all)")
	speed    = flag.Float64("speed", 1.0, "Replay speed multiplier (1.0 = real-time)")
)

func main() {
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sent, sendErrs int
	err = stream.ReplayPCAPFile(ctx, *pcapFile, func(payload []byte) {
		if _, err := conn.Write(payload); err != nil {
			sendErrs++
			if sendErrs <= 5 {
				log.Printf("send failed: %v", err)
			}
			return
		}
		sent++
	}, stream.ReplayConfig{UDPPort: *port, SpeedMultiplier: *speed})

	if err != nil && err != context.Canceled {
		log.Printf("replay failed: %v", err)
		os.Exit(1)
	}
	log.Printf("replay finished: %d packets sent, %d send errors", sent, sendErrs)
}
