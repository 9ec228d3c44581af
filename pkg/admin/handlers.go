package admin

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/logging"
)

// StopBackupRequest asks the node to stop the backup it hosts for Live
type StopBackupRequest struct {
	Live string `json:"live"`
}

// StopBackupResponse reports a stopped hosted backup
type StopBackupResponse struct {
	Live    cluster.NodeID `json:"live"`
	Stopped bool           `json:"stopped"`
}

// RegisterHandlers registers the admin endpoints on mux
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	h := s.node.Health()
	mux.HandleFunc("/health", h.HTTPHandler())
	mux.HandleFunc("/ready", h.ReadinessHandler())
	mux.HandleFunc("/live", h.LivenessHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(s.node.Metrics().GetPrometheusRegistry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/admin/status", s.handleStatus)
	mux.HandleFunc("/admin/topology", s.handleTopology)
	mux.HandleFunc("/admin/backups", s.handleBackups)
	mux.HandleFunc("/admin/backups/stop", s.handleStopBackup)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, statusOf(s.node, s.clock.Now()))
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, topologyOf(s.node))
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, backupsOf(s.node))
}

func (s *Server) handleStopBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StopBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	id, err := cluster.ParseNodeID(req.Live)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, hosted := s.node.Manager().BackupServers()[id]; !hosted {
		http.Error(w, "no hosted backup for "+id.String(), http.StatusNotFound)
		return
	}
	if err := s.node.Manager().StopBackup(id); err != nil {
		s.logger.Warn("failed to stop hosted backup", logging.Peer(id.Short()), logging.Error(err))
		http.Error(w, "stop backup failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("hosted backup stopped by operator", logging.Peer(id.Short()))
	s.writeJSON(w, http.StatusOK, StopBackupResponse{Live: id, Stopped: true})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode admin response", logging.Error(err))
	}
}
