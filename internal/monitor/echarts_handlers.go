// Package monitor provides debugging-only chart endpoints (no auth)
// rendered with go-echarts, for visually checking decode quality
// without the dashboard frontend.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/parietal-data/decode.stream/internal/db"
	"github.com/parietal-data/decode.stream/internal/neuro/sched"
)

// WebServer bundles the chart handlers' dependencies.
type WebServer struct {
	db        *db.DB
	scheduler *sched.Scheduler
}

// NewWebServer creates the debug chart server.
func NewWebServer(database *db.DB, scheduler *sched.Scheduler) *WebServer {
	return &WebServer{db: database, scheduler: scheduler}
}

// AttachDebugRoutes registers the chart endpoints on the given mux.
func (ws *WebServer) AttachDebugRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/charts", ws.handleDashboard)
	mux.HandleFunc("/debug/charts/trajectory", ws.handleTrajectory)
	mux.HandleFunc("/debug/charts/latency", ws.handleLatency)
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleTrajectory renders decoded positions against the reference
// cursor path for the active (or named) decoder.
// Query params:
//   - decoder_id (optional; defaults to the active decoder)
//   - max_points (optional; default 2000)
func (ws *WebServer) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	decoderID := r.URL.Query().Get("decoder_id")
	if decoderID == "" {
		decoderID = ws.scheduler.ActiveDecoderID()
	}
	if decoderID == "" {
		ws.writeJSONError(w, http.StatusNotFound, "no active decoder and no decoder_id given")
		return
	}

	maxPoints := 2000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 10 && v <= 50000 {
			maxPoints = v
		}
	}

	events, err := ws.db.RecentDecodes(decoderID, maxPoints)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load decodes: %v", err))
		return
	}
	if len(events) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no decode telemetry for decoder")
		return
	}

	decoded := make([]opts.ScatterData, 0, len(events))
	reference := make([]opts.ScatterData, 0, len(events))
	maxAbs := 0.0
	for _, e := range events {
		if !e.OK {
			continue
		}
		decoded = append(decoded, opts.ScatterData{Value: []interface{}{e.X, e.Y}})
		reference = append(reference, opts.ScatterData{Value: []interface{}{e.RefX, e.RefY}})
		for _, v := range []float64{e.X, e.Y, e.RefX, e.RefY} {
			if math.Abs(v) > maxAbs {
				maxAbs = math.Abs(v)
			}
		}
	}

	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Decoded vs Reference", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Decoded vs Reference Trajectory", Subtitle: fmt.Sprintf("decoder=%s points=%d", decoderID, len(decoded))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("decoded", decoded, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("reference", reference, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleLatency renders per-decode latency over time for the active (or
// named) decoder.
func (ws *WebServer) handleLatency(w http.ResponseWriter, r *http.Request) {
	decoderID := r.URL.Query().Get("decoder_id")
	if decoderID == "" {
		decoderID = ws.scheduler.ActiveDecoderID()
	}
	if decoderID == "" {
		ws.writeJSONError(w, http.StatusNotFound, "no active decoder and no decoder_id given")
		return
	}

	events, err := ws.db.RecentDecodes(decoderID, 2000)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load decodes: %v", err))
		return
	}
	if len(events) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no decode telemetry for decoder")
		return
	}

	// RecentDecodes returns newest first; charts read left to right.
	xs := make([]string, 0, len(events))
	ys := make([]opts.LineData, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if !e.OK {
			continue
		}
		xs = append(xs, strconv.FormatUint(e.Seq, 10))
		ys = append(ys, opts.LineData{Value: e.LatencyMs})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Decode Latency", Theme: "dark", Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Decode Latency (ms)", Subtitle: fmt.Sprintf("decoder=%s points=%d", decoderID, len(ys))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	line.SetXAxis(xs)
	line.AddSeries("latency", ys)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

const dashboardHTML = `<!doctype html>
<html>
<head><title>decode.stream debug charts</title></head>
<body style="background:#111;color:#eee;font-family:sans-serif">
<h2>Debug charts</h2>
<ul>
<li><a href="/debug/charts/trajectory" style="color:#6cf">Decoded vs reference trajectory</a></li>
<li><a href="/debug/charts/latency" style="color:#6cf">Decode latency timeline</a></li>
</ul>
</body>
</html>
`

func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}
