package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/service"
)

// SubmitRequest is the body of POST /api/v1/workflows.
type SubmitRequest struct {
	Input    string                        `json:"input"`
	Template string                        `json:"template,omitempty"`
	Context  map[string]core.ContextOutput `json:"context,omitempty"`
	// PlanOnly persists the workflow without starting it.
	PlanOnly bool `json:"plan_only,omitempty"`
	// Wait blocks until the run reaches its next stopping point.
	Wait bool `json:"wait,omitempty"`
}

// RouteRequest is the body of POST /api/v1/route.
type RouteRequest struct {
	Input string `json:"input"`
}

// RouteResponse previews classification and routing of one input. A request
// naming several workers carries one decision per mention.
type RouteResponse struct {
	Request   core.Request           `json:"request"`
	Decisions []core.RoutingDecision `json:"decisions"`
}

// ControlResponse acknowledges a control operation.
type ControlResponse struct {
	WorkflowID core.WorkflowID `json:"workflow_id"`
	Status     string          `json:"status"`
}

func workflowID(r *http.Request) core.WorkflowID {
	return core.WorkflowID(chi.URLParam(r, "workflowID"))
}

// handleRoute classifies and routes an input without creating a workflow.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var body RouteRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req, decisions, err := s.dispatcher.Route(body.Input)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RouteResponse{Request: req, Decisions: decisions})
}

// handleSubmitWorkflow plans an input and, unless plan_only is set, runs it.
func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ctx := r.Context()
	opts := service.SubmitOptions{Template: body.Template, Context: body.Context}

	if body.PlanOnly {
		wf, err := s.dispatcher.Plan(ctx, body.Input, opts)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, wf)
		return
	}

	wf, err := s.dispatcher.Submit(ctx, body.Input, opts)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !body.Wait || wf.State == core.WorkflowAwaitingDecision {
		respondJSON(w, http.StatusAccepted, wf)
		return
	}
	if _, err := s.dispatcher.Wait(ctx, wf.ID); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondWorkflow(w, r, wf.ID)
}

func (s *Server) respondWorkflow(w http.ResponseWriter, r *http.Request, id core.WorkflowID) {
	wf, err := s.dispatcher.Workflow(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

// handleListWorkflows lists persisted workflows, most recent first.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.dispatcher.Workflows(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := list[:0]
		for _, wf := range list {
			if string(wf.State) == state {
				filtered = append(filtered, wf)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []core.WorkflowSummary{}
	}
	respondJSON(w, http.StatusOK, list)
}

// handleActiveWorkflows lists the control status of running workflows.
func (s *Server) handleActiveWorkflows(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.dispatcher.Active())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	s.respondWorkflow(w, r, workflowID(r))
}

// handleWorkflowEvents returns the audit log, optionally after a sequence number.
func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.dispatcher.Events(r.Context(), workflowID(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid after: "+raw)
			return
		}
		filtered := evs[:0]
		for _, ev := range evs {
			if ev.Seq > after {
				filtered = append(filtered, ev)
			}
		}
		evs = filtered
	}
	if evs == nil {
		evs = []core.StoredEvent{}
	}
	respondJSON(w, http.StatusOK, evs)
}

func (s *Server) handleWorkflowHandoffs(w http.ResponseWriter, r *http.Request) {
	records, err := s.dispatcher.Handoffs(r.Context(), workflowID(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if records == nil {
		records = []core.HandoffRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// handleRunWorkflow starts or resumes a persisted workflow. With ?wait=true
// it responds with the run summary instead of 202.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if r.URL.Query().Get("wait") == "true" {
		summary, err := s.dispatcher.Run(r.Context(), id)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, summary)
		return
	}
	if err := s.dispatcher.Start(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ControlResponse{WorkflowID: id, Status: "started"})
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if err := s.dispatcher.Cancel(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ControlResponse{WorkflowID: id, Status: "cancelling"})
}

func (s *Server) handlePauseWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if err := s.dispatcher.Pause(id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ControlResponse{WorkflowID: id, Status: "paused"})
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := workflowID(r)
	if err := s.dispatcher.Resume(id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ControlResponse{WorkflowID: id, Status: "running"})
}
