package httpapi

import "net/http"

// handlePerfLatency reports the rolling per-stage latency window. Pass
// ?reset=1 to clear it after reading.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.SnapshotStages()
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, snap)
}
