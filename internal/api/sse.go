package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
)

// heartbeatInterval keeps idle streams open through proxies.
const heartbeatInterval = 15 * time.Second

// handleSSE streams bus events as Server-Sent Events. Mounted under a
// workflow it streams that workflow only and ends after its terminal
// event. ?type= narrows the stream to the named event types.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	bus := s.dispatcher.Bus()
	if bus == nil {
		respondError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	ctx := r.Context()
	types := r.URL.Query()["type"]
	wfID := chi.URLParam(r, "workflowID")

	var eventCh <-chan events.Event
	if wfID != "" {
		eventCh = bus.SubscribeWorkflow(wfID, types...)
	} else {
		eventCh = bus.Subscribe(types...)
	}
	defer bus.Unsubscribe(eventCh)

	s.logger.Info("SSE client connected", "remote_addr", r.RemoteAddr, "workflow_id", wfID)
	s.sendSSEEvent(w, flusher, "connected", map[string]string{
		"status":      "connected",
		"workflow_id": wfID,
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", "remote_addr", r.RemoteAddr)
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			s.sendSSEEvent(w, flusher, event.EventType(), event)
			if wfID != "" && isTerminal(event) {
				return
			}
		}
	}
}

// sendSSEEvent writes an event to the SSE stream.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	// SSE format: event: type\ndata: json\n\n
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

// isTerminal reports whether a workflow stops running after event. An
// opened decision point halts the run too.
func isTerminal(event events.Event) bool {
	switch event.EventType() {
	case events.TypeWorkflowCompleted, events.TypeWorkflowFailed,
		events.TypeWorkflowCancelled, events.TypeDecisionOpened:
		return true
	}
	return false
}
