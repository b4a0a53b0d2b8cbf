// Package server exposes HTTP handlers, including WebSocket upgrades and
// health checks.
package server

import (
	"encoding/json"
	"net/http"
)

// HealthStatus is the body returned by the health endpoint.
type HealthStatus struct {
	Status       string `json:"status"`
	Instance     string `json:"instance"`
	Sessions     int    `json:"sessions"`
	ShuttingDown bool   `json:"shutting_down"`
}

// WebSocketHandler upgrades GET requests from allowed origins and hands the
// new session to the event loop, which registers it and sends the welcome.
// Requests arriving after shutdown began are refused before the upgrade.
func (s *ChatServer) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.registerSession(NewSession(conn, s, r.RemoteAddr, s.cfg, s.log))
}

// HealthHandler reports the instance identity and local session count as JSON.
func (s *ChatServer) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{
		Status:       "ok",
		Instance:     s.cfg.InstanceID,
		Sessions:     s.registry.Len(),
		ShuttingDown: s.shuttingDown.Load(),
	}
	code := http.StatusOK
	if status.ShuttingDown {
		status.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn("Error writing health response", "error", err)
	}
}
