package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// ResolveRequest is the body of POST /api/v1/decisions/{decisionID}.
type ResolveRequest struct {
	Option string `json:"option"`
}

// handleResolveDecision applies an option to an open decision point and
// returns the workflow as persisted after the resolution.
func (s *Server) handleResolveDecision(w http.ResponseWriter, r *http.Request) {
	var body ResolveRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	option, err := core.ParseDecisionOption(body.Option)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	wf, err := s.dispatcher.Resolve(r.Context(), chi.URLParam(r, "decisionID"), option)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}
