package core

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders requests competing for the dispatch pool.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityStandard Priority = "standard"
	PriorityLow      Priority = "low"
)

// Rank returns 0 for the most urgent priority.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority converts a string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityCritical, PriorityHigh, PriorityStandard, PriorityLow:
		return p, nil
	case "":
		return PriorityStandard, nil
	default:
		return "", fmt.Errorf("invalid priority: %s", s)
	}
}

// ContextOutput is a prior workflow output made available to a new request.
type ContextOutput struct {
	WorkerID string   `json:"worker_id"`
	Tags     []string `json:"tags,omitempty"`
	Payload  string   `json:"payload,omitempty"`
}

// Request is a classified incoming task request. Treat it as immutable once
// created; the With* helpers return modified copies.
type Request struct {
	ID                string                   `json:"id"`
	RawInput          string                   `json:"raw_input"`
	ExplicitWorkerRef string                   `json:"explicit_worker_ref,omitempty"`
	Mentions          []string                 `json:"mentions,omitempty"` // every resolved reference, ExplicitWorkerRef first
	Variant           string                   `json:"variant,omitempty"`
	Command           string                   `json:"command,omitempty"`
	Args              []string                 `json:"args,omitempty"`
	Params            map[string]string        `json:"params,omitempty"`
	Tags              []string                 `json:"tags,omitempty"`
	Domains           [][]string               `json:"domains,omitempty"`
	Stage             Phase                    `json:"stage,omitempty"`
	ContextData       map[string]ContextOutput `json:"context_data,omitempty"`
	Priority          Priority                 `json:"priority"`
	CreatedAt         time.Time                `json:"created_at"`
}

// HasExplicitRef reports whether the request names a worker directly.
func (r Request) HasExplicitRef() bool {
	return r.ExplicitWorkerRef != ""
}

// IsFanOut reports whether the request spans several independent capability domains.
func (r Request) IsFanOut() bool {
	return len(r.Domains) > 1
}

// WithContext returns a copy of the request carrying the given context outputs.
func (r Request) WithContext(ctx map[string]ContextOutput) Request {
	out := r.clone()
	out.ContextData = make(map[string]ContextOutput, len(ctx))
	for k, v := range ctx {
		out.ContextData[k] = v
	}
	return out
}

// WithoutExplicitRef returns a copy stripped of the explicit reference, used
// when a reference fails to resolve and heuristic routing takes over.
func (r Request) WithoutExplicitRef() Request {
	out := r.clone()
	out.ExplicitWorkerRef = ""
	out.Mentions = nil
	out.Variant = ""
	return out
}

// PerMention splits a request naming several workers into one request per
// mention, each deterministically bound to that worker. Requests with at most
// one mention come back unchanged. Only the first mention keeps the variant.
func (r Request) PerMention() []Request {
	if len(r.Mentions) < 2 {
		return []Request{r}
	}
	out := make([]Request, 0, len(r.Mentions))
	for i, id := range r.Mentions {
		sub := r.clone()
		sub.ExplicitWorkerRef = id
		sub.Mentions = []string{id}
		if i > 0 {
			sub.Variant = ""
		}
		out = append(out, sub)
	}
	return out
}

func (r Request) clone() Request {
	out := r
	out.Mentions = append([]string(nil), r.Mentions...)
	out.Args = append([]string(nil), r.Args...)
	out.Tags = append([]string(nil), r.Tags...)
	if r.Params != nil {
		out.Params = make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			out.Params[k] = v
		}
	}
	if r.Domains != nil {
		out.Domains = make([][]string, len(r.Domains))
		for i, d := range r.Domains {
			out.Domains[i] = append([]string(nil), d...)
		}
	}
	if r.ContextData != nil {
		out.ContextData = make(map[string]ContextOutput, len(r.ContextData))
		for k, v := range r.ContextData {
			out.ContextData[k] = v
		}
	}
	return out
}

// RoutingMethod records how workers were selected.
type RoutingMethod string

const (
	RoutingDeterministic RoutingMethod = "deterministic"
	RoutingHeuristic     RoutingMethod = "heuristic"
)

// CandidateScore is the scoring breakdown for one considered worker.
type CandidateScore struct {
	WorkerID          string        `json:"worker_id"`
	Score             float64       `json:"score"`
	CapabilityOverlap float64       `json:"capability_overlap"`
	SuccessRate       float64       `json:"success_rate"`
	ContextAffinity   float64       `json:"context_affinity"`
	MeanLatency       time.Duration `json:"mean_latency"`
	Domain            int           `json:"domain"`
}

// RoutingDecision is the router's immutable output for one request.
type RoutingDecision struct {
	Request         Request          `json:"request"`
	SelectedWorkers []string         `json:"selected_workers"`
	Method          RoutingMethod    `json:"method"`
	Score           float64          `json:"score"`
	Scores          []float64        `json:"scores,omitempty"`
	Candidates      []CandidateScore `json:"candidates,omitempty"`
	Excluded        []string         `json:"excluded,omitempty"`
	DecidedAt       time.Time        `json:"decided_at"`
}

// ScoreFor returns the score of the selected worker at index i.
func (d RoutingDecision) ScoreFor(i int) float64 {
	if i >= 0 && i < len(d.Scores) {
		return d.Scores[i]
	}
	return d.Score
}
