package server

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/store"
	"github.com/teranos/patchspool/version"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("/ws", s.hub.ServeWS)
	s.mux.HandleFunc("/health", s.HandleHealth)
	s.mux.HandleFunc("/api/lifecycle/{domain}", s.HandleLifecycle)
	s.mux.HandleFunc("/api/watchdog/status", s.HandleWatchdogStatus)
	s.mux.HandleFunc("/api/heartbeat", s.HandleHeartbeat)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string       `json:"status"`
	Version     version.Info `json:"version"`
	Subscribers int          `json:"subscribers"`
	Components  interface{}  `json:"components,omitempty"`
}

// HandleHealth reports liveness and component health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	resp := HealthResponse{
		Status:      "ok",
		Version:     version.Get(),
		Subscribers: s.hub.ClientCount(),
	}
	if s.deps.Health != nil {
		resp.Components = s.deps.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleLifecycle serves the lifecycle report of one domain. The cached
// report is returned when one exists unless ?fresh=true is given.
func (s *Server) HandleLifecycle(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.deps.Tracker == nil {
		writeUnavailable(w, "lifecycle tracker")
		return
	}
	domain := r.PathValue("domain")
	if r.URL.Query().Get("fresh") != "true" {
		if rep, ok := s.deps.Tracker.Cached(domain); ok {
			writeJSON(w, http.StatusOK, rep)
			return
		}
	}
	rep, err := s.deps.Tracker.Report(r.Context(), domain)
	if err != nil {
		s.logger.Debugw("Lifecycle report failed", logger.FieldDomain, domain, logger.FieldError, err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// HandleWatchdogStatus serves the current watchdog snapshot
func (s *Server) HandleWatchdogStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.deps.Watchdog == nil {
		writeUnavailable(w, "watchdog")
		return
	}
	snap, err := s.deps.Watchdog.Snapshot(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleHeartbeat serves the last heartbeat the engine wrote
func (s *Server) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.deps.Store == nil {
		writeUnavailable(w, "record store")
		return
	}
	data, err := os.ReadFile(s.deps.Store.RootPath(store.HeartbeatFile))
	if err != nil {
		if os.IsNotExist(err) {
			writeErr(w, errors.WithHint(errors.NewNotFoundError("no heartbeat written yet"),
				"the engine writes one every engine.heartbeat_interval_seconds"))
			return
		}
		writeErr(w, errors.Wrap(err, "failed to read heartbeat"))
		return
	}
	if !json.Valid(data) {
		writeErr(w, errors.Newf("heartbeat file %s is not valid JSON", store.HeartbeatFile))
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(data))
}
