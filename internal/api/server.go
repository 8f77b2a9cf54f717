// Package api serves the dashboard's HTTP surface: decoder catalog
// management, activation, pipeline stats, health, and the live output
// websocket.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/parietal-data/decode.stream/internal/config"
	"github.com/parietal-data/decode.stream/internal/db"
	"github.com/parietal-data/decode.stream/internal/neuro/decoder"
	"github.com/parietal-data/decode.stream/internal/neuro/loader"
	"github.com/parietal-data/decode.stream/internal/neuro/sched"
	"github.com/parietal-data/decode.stream/internal/neuro/sink"
	"github.com/parietal-data/decode.stream/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	registry  *decoder.Registry
	loader    *loader.Loader
	scheduler *sched.Scheduler
	store     *sink.StateStore
	db        *db.DB
	cfg       *config.DecodeConfig
}

func NewServer(registry *decoder.Registry, ld *loader.Loader, scheduler *sched.Scheduler, store *sink.StateStore, database *db.DB, cfg *config.DecodeConfig) *Server {
	return &Server{
		registry:  registry,
		loader:    ld,
		scheduler: scheduler,
		store:     store,
		db:        database,
		cfg:       cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack is required for websocket upgrades through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/decoders", s.handleDecoders)
	mux.HandleFunc("/api/decoders/", s.handleDecoderByID)
	mux.HandleFunc("/api/activate", s.handleActivate)
	mux.HandleFunc("/api/deactivate", s.handleDeactivate)
	mux.HandleFunc("/api/cache/clear", s.handleCacheClear)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/rollup", s.handleRollup)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/stream", s.handleStream)
	return mux
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
