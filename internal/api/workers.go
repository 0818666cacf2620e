package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/diagnostics"
)

// handleListWorkers lists registered workers, optionally filtered by
// ?capability= tags (any overlap).
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	reg := s.dispatcher.Registry()
	var list []*core.WorkerDescriptor
	if tags := r.URL.Query()["capability"]; len(tags) > 0 {
		list = reg.FindByCapability(tags)
	} else {
		list = reg.All()
	}
	if list == nil {
		list = []*core.WorkerDescriptor{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	desc, err := s.dispatcher.Registry().Lookup(chi.URLParam(r, "workerID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, desc)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.dispatcher.Metrics())
}

// SystemResponse reports host and process resources.
type SystemResponse struct {
	Uptime   time.Duration                 `json:"uptime"`
	Host     *diagnostics.SystemMetrics    `json:"host,omitempty"`
	Process  *diagnostics.ResourceSnapshot `json:"process,omitempty"`
	Trend    *diagnostics.ResourceTrend    `json:"trend,omitempty"`
	Warnings []diagnostics.HealthWarning   `json:"warnings,omitempty"`
	Dropped  int64                         `json:"dropped_events"`
}

func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	resp := SystemResponse{Uptime: time.Since(s.started)}
	if bus := s.dispatcher.Bus(); bus != nil {
		resp.Dropped = bus.DroppedCount()
	}
	if s.system != nil {
		m := s.system.Collect()
		resp.Host = &m
	}
	if s.monitor != nil {
		snap := s.monitor.TakeSnapshot()
		trend := s.monitor.Trend()
		resp.Process = &snap
		resp.Trend = &trend
		resp.Warnings = s.monitor.CheckHealth()
		resp.Uptime = s.monitor.Uptime()
	}
	respondJSON(w, http.StatusOK, resp)
}
