package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/cache"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByCause       map[string]int `json:"by_cause"`
	Reused        int            `json:"reused"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	AvgCPUMS      float64        `json:"avg_cpu_ms"`
	IdleInstances int            `json:"idle_instances"`
	Cache         *cache.Stats   `json:"cache,omitempty"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetInvocationStats(r.Context())
	if err != nil {
		s.logger.Error("get invocation stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByCause:       stats.CountByCause,
		Reused:        stats.Reused,
		AvgDurationMS: stats.AvgDurationMS,
		AvgCPUMS:      stats.AvgCPUMS,
		IdleInstances: s.exec.TotalIdle(),
	}
	if s.deps.Cache != nil {
		cs := s.deps.Cache.Stats()
		resp.Cache = &cs
	}

	s.writeJSON(w, http.StatusOK, resp)
}
