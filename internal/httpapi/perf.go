package httpapi

import (
	"net/http"

	"github.com/ent0n29/lexwire/internal/conn"
	"github.com/ent0n29/lexwire/internal/observability"
	"github.com/ent0n29/lexwire/internal/tasks"
)

type statsResponse struct {
	Sessions    int                           `json:"sessions"`
	Connections conn.Stats                    `json:"connections"`
	Tasks       tasks.Stats                   `json:"tasks"`
	Latency     observability.LatencySnapshot `json:"latency"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statsResponse{
		Sessions:    s.sessions.Count(),
		Connections: s.conns.Stats(),
		Tasks:       s.tasks.Stats(),
		Latency:     s.metrics.LatencySnapshot(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}
