// report produces an offline decode-quality summary from the telemetry
// database: latency percentiles per decoder and plots of latency and
// position error.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/parietal-data/decode.stream/internal/db"
)

var (
	dbPath    = flag.String("db", "decode.db", "Path to sqlite telemetry database")
	decoderID = flag.String("decoder", "", "Decoder to report on (required)")
	limit     = flag.Int("limit", 10000, "Maximum number of recent decodes to analyse")
	outputDir = flag.String("out", "reports", "Directory for generated plots")
	hours     = flag.Int("hours", 24, "Rollup window in hours")
)

func main() {
	flag.Parse()

	if *decoderID == "" {
		log.Fatal("-decoder is required")
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	rollups, err := database.RollupLatency(time.Now().Add(-time.Duration(*hours) * time.Hour))
	if err != nil {
		log.Fatalf("failed to roll up latency: %v", err)
	}
	fmt.Printf("Rollup (last %dh):\n", *hours)
	for _, r := range rollups {
		fmt.Printf("  %-30s decodes=%-8d failures=%-6d avg=%.2fms max=%.2fms\n",
			r.DecoderID, r.Count, r.Failures, r.AvgMs, r.MaxMs)
	}

	events, err := database.RecentDecodes(*decoderID, *limit)
	if err != nil {
		log.Fatalf("failed to load decodes: %v", err)
	}
	if len(events) == 0 {
		log.Fatalf("no telemetry for decoder %q", *decoderID)
	}

	latencies := make([]float64, 0, len(events))
	posErrors := make([]float64, 0, len(events))
	for _, e := range events {
		if !e.OK {
			continue
		}
		latencies = append(latencies, e.LatencyMs)
		dx, dy := e.X-e.RefX, e.Y-e.RefY
		posErrors = append(posErrors, math.Sqrt(dx*dx+dy*dy))
	}
	if len(latencies) == 0 {
		log.Fatalf("decoder %q has no successful decodes in the window", *decoderID)
	}

	sort.Float64s(latencies)
	fmt.Printf("\nLatency for %s over %d decodes:\n", *decoderID, len(latencies))
	for _, p := range []float64{0.5, 0.9, 0.99} {
		fmt.Printf("  p%-4.0f %.3fms\n", p*100, stat.Quantile(p, stat.Empirical, latencies, nil))
	}
	fmt.Printf("  mean %.3fms stddev %.3fms\n", stat.Mean(latencies, nil), stat.StdDev(latencies, nil))

	sorted := append([]float64(nil), posErrors...)
	sort.Float64s(sorted)
	fmt.Printf("\nPosition error over %d decodes:\n", len(sorted))
	fmt.Printf("  median %.4f mean %.4f p99 %.4f\n",
		stat.Quantile(0.5, stat.Empirical, sorted, nil),
		stat.Mean(sorted, nil),
		stat.Quantile(0.99, stat.Empirical, sorted, nil))

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}
	if err := saveHistogram(latencies, "Decode latency (ms)", filepath.Join(*outputDir, "latency_hist.png")); err != nil {
		log.Fatalf("failed to save latency histogram: %v", err)
	}
	if err := saveErrorSeries(events, filepath.Join(*outputDir, "position_error.png")); err != nil {
		log.Fatalf("failed to save error plot: %v", err)
	}
	fmt.Printf("\nPlots written to %s/\n", *outputDir)
}

func saveHistogram(values []float64, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "ms"
	p.Y.Label.Text = "count"

	h, err := plotter.NewHist(plotter.Values(values), 40)
	if err != nil {
		return err
	}
	p.Add(h)
	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}

func saveErrorSeries(events []db.DecodeEvent, path string) error {
	p := plot.New()
	p.Title.Text = "Position error by sequence"
	p.X.Label.Text = "sequence"
	p.Y.Label.Text = "error"

	pts := make(plotter.XYs, 0, len(events))
	// RecentDecodes returns newest first.
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if !e.OK {
			continue
		}
		dx, dy := e.X-e.RefX, e.Y-e.RefY
		pts = append(pts, plotter.XY{X: float64(e.Seq), Y: math.Sqrt(dx*dx + dy*dy)})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line)
	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}
