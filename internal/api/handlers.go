package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parietal-data/decode.stream/internal/neuro/decoder"
)

// handleDecoders lists the catalog (GET) or registers a decoder (POST).
// Registration is save-as-update: posting an existing ID replaces the
// descriptor and invalidates any cached executable built from the old
// source.
func (s *Server) handleDecoders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		kind := decoder.ExecutionKind(r.URL.Query().Get("kind"))
		s.writeJSON(w, s.registry.ListByKind(kind))

	case http.MethodPost:
		var d decoder.Descriptor
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid descriptor: %v", err))
			return
		}
		if err := s.registry.Register(&d); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.loader.Invalidate(d.ID)
		if s.db != nil {
			if err := s.db.SaveDecoder(&d); err != nil {
				s.writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusCreated)
		s.writeJSON(w, map[string]string{"id": d.ID})

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleDecoderByID fetches (GET) or removes (DELETE) one decoder.
func (s *Server) handleDecoderByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/decoders/")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing decoder id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		d, ok := s.registry.Get(id)
		if !ok {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no decoder %q", id))
			return
		}
		s.writeJSON(w, d)

	case http.MethodDelete:
		if s.scheduler.ActiveDecoderID() == id {
			s.scheduler.SetActiveDecoder(nil, nil)
		}
		if !s.registry.Remove(id) {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no decoder %q", id))
			return
		}
		s.loader.Invalidate(id)
		if s.db != nil {
			if err := s.db.DeleteDecoder(id); err != nil {
				s.writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		s.writeJSON(w, map[string]string{"deleted": id})

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleActivate loads a decoder and makes it the active session. A
// decoder that fails to compile is rejected here and the current
// decoder, if any, stays active.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	id := r.FormValue("id")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing 'id' parameter")
		return
	}
	d, ok := s.registry.Get(id)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no decoder %q", id))
		return
	}
	exe, err := s.loader.Load(d)
	if err != nil {
		s.writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.scheduler.SetActiveDecoder(exe, d.Stats)
	s.writeJSON(w, map[string]string{"active": id, "fingerprint": exe.Fingerprint})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.scheduler.SetActiveDecoder(nil, nil)
	s.writeJSON(w, map[string]string{"active": ""})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.loader.Clear()
	s.writeJSON(w, map[string]string{"status": "cleared"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.scheduler.Snapshot())
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	out, ok := s.store.Latest()
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "no output published yet")
		return
	}
	s.writeJSON(w, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.scheduler.History())
}

// handleHealth reports the error rate over the last minute alongside the
// active decoder's latency stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rate, failures, total := s.store.ErrorRate()
	resp := map[string]interface{}{
		"error_rate": rate,
		"failures":   failures,
		"total":      total,
		"active":     s.scheduler.ActiveDecoderID(),
	}
	if ev := s.store.LastHealth(); ev != nil {
		resp["last_error"] = ev
	}
	if id := s.scheduler.ActiveDecoderID(); id != "" {
		if d, ok := s.registry.Get(id); ok && d.Stats != nil {
			resp["latency"] = d.Stats.Snapshot()
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "telemetry database not configured")
		return
	}
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'hours' parameter")
			return
		}
		hours = parsed
	}
	rollups, err := s.db.RollupLatency(time.Now().Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to roll up telemetry: %v", err))
		return
	}
	s.writeJSON(w, rollups)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"listen_addr":           s.cfg.GetListenAddr(),
		"feature_dim":           s.cfg.GetFeatureDim(),
		"history_length":        s.cfg.GetHistoryLength(),
		"timeout_warn_ms":       s.cfg.GetTimeoutWarnMs(),
		"dedup_enabled":         s.cfg.GetDedupEnabled(),
		"failure_policy":        s.cfg.GetFailurePolicy(),
		"temporal_window_steps": s.cfg.GetTemporalWindowSteps(),
		"ema_alpha":             s.cfg.GetEMAAlpha(),
		"publish_buffer":        s.cfg.GetPublishBuffer(),
	})
}
