// Package router selects workers for classified requests.
package router

import (
	"sort"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
)

// Source is the registry view the router reads.
type Source interface {
	Lookup(id string) (*core.WorkerDescriptor, error)
	All() []*core.WorkerDescriptor
}

// Weights are the heuristic scoring coefficients.
type Weights struct {
	Capability  float64
	Performance float64
	Context     float64
}

// Config tunes heuristic routing.
type Config struct {
	Weights  Weights
	MinScore float64
}

// DefaultConfig returns weights 0.5/0.3/0.2 and a 0.3 threshold.
func DefaultConfig() Config {
	return Config{
		Weights:  Weights{Capability: 0.5, Performance: 0.3, Context: 0.2},
		MinScore: 0.3,
	}
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// Router turns requests into routing decisions.
type Router struct {
	source Source
	cfg    Config
	now    func() time.Time
	logger *logging.Logger
}

// New creates a router reading from source.
func New(source Source, cfg Config, opts ...Option) *Router {
	r := &Router{source: source, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).WithComponent("router")
	return r
}

// Route selects workers for req. contextData, when non-nil, replaces the
// request's own context for affinity scoring.
func (r *Router) Route(req core.Request, contextData map[string]core.ContextOutput) (core.RoutingDecision, error) {
	if contextData != nil {
		req = req.WithContext(contextData)
	}
	if req.HasExplicitRef() {
		return r.routeDeterministic(req)
	}
	return r.routeHeuristic(req, nil)
}

// RouteExcluding routes heuristically while skipping excluded workers. Explicit
// references are dropped; when the request carries no tags, the capabilities
// of the referenced workers stand in for them.
func (r *Router) RouteExcluding(req core.Request, contextData map[string]core.ContextOutput, excluded ...string) (core.RoutingDecision, error) {
	if contextData != nil {
		req = req.WithContext(contextData)
	}
	if req.HasExplicitRef() {
		refs := mentions(req)
		stripped := req.WithoutExplicitRef()
		if len(stripped.Tags) == 0 {
			var tags []string
			for _, id := range refs {
				if d, err := r.source.Lookup(id); err == nil {
					tags = append(tags, d.Capabilities...)
				}
			}
			stripped.Tags = core.NormalizeTags(tags)
		}
		req = stripped
	}
	return r.routeHeuristic(req, excluded)
}

// FallbackRequest narrows the decision's request to the part the failed
// worker was serving: its fan-out domain, or the request tags, or failing
// both, the failed worker's own capabilities.
func (r *Router) FallbackRequest(decision core.RoutingDecision, failed string) core.Request {
	req := decision.Request.WithoutExplicitRef()
	req.Domains = nil
	if decision.Request.IsFanOut() {
		for _, c := range decision.Candidates {
			if c.WorkerID == failed && c.Domain < len(decision.Request.Domains) {
				req.Tags = append([]string(nil), decision.Request.Domains[c.Domain]...)
				break
			}
		}
	}
	if len(req.Tags) == 0 {
		if d, err := r.source.Lookup(failed); err == nil {
			req.Tags = core.NormalizeTags(d.Capabilities)
		}
	}
	return req
}

func mentions(req core.Request) []string {
	if len(req.Mentions) > 0 {
		return req.Mentions
	}
	return []string{req.ExplicitWorkerRef}
}

// routeDeterministic binds the request to its explicit reference alone.
// Requests mentioning several workers are split with Request.PerMention
// before routing so each mention lands in its own phase.
func (r *Router) routeDeterministic(req core.Request) (core.RoutingDecision, error) {
	id := req.ExplicitWorkerRef
	d, err := r.source.Lookup(id)
	if err != nil {
		return core.RoutingDecision{}, err
	}
	if d.Health == core.HealthCircuitOpen {
		return core.RoutingDecision{}, core.ErrWorkerUnhealthy(id)
	}
	r.logger.Debug("deterministic route", "request_id", req.ID, "worker_id", id)
	return core.RoutingDecision{
		Request:         req,
		SelectedWorkers: []string{id},
		Method:          core.RoutingDeterministic,
		Score:           1.0,
		Scores:          []float64{1.0},
		DecidedAt:       r.now(),
	}, nil
}

func (r *Router) routeHeuristic(req core.Request, excluded []string) (core.RoutingDecision, error) {
	domains := req.Domains
	if len(domains) < 2 {
		domains = [][]string{req.Tags}
	}

	workers := r.source.All()
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}

	decision := core.RoutingDecision{
		Request:   req,
		Method:    core.RoutingHeuristic,
		Excluded:  append([]string(nil), excluded...),
		DecidedAt: r.now(),
	}
	chosen := make(map[string]bool)

	for di, tags := range domains {
		tags = core.NormalizeTags(tags)
		if len(tags) == 0 {
			return core.RoutingDecision{}, core.ErrNoCapableWorker(tags, 0)
		}
		var cands []core.CandidateScore
		for _, w := range workers {
			if skip[w.ID] || w.Health == core.HealthCircuitOpen || w.Overlap(tags) == 0 {
				continue
			}
			c := r.score(w, tags, req.ContextData)
			c.Domain = di
			cands = append(cands, c)
		}
		sortCandidates(cands)
		decision.Candidates = append(decision.Candidates, cands...)

		pick := -1
		for i, c := range cands {
			if c.Score < r.cfg.MinScore {
				break
			}
			if !chosen[c.WorkerID] {
				pick = i
				break
			}
			if pick < 0 {
				pick = i
			}
		}
		if pick < 0 {
			best := 0.0
			if len(cands) > 0 {
				best = cands[0].Score
			}
			r.logger.Debug("no capable worker", "request_id", req.ID, "tags", tags, "best", best)
			return core.RoutingDecision{}, core.ErrNoCapableWorker(tags, best)
		}
		c := cands[pick]
		chosen[c.WorkerID] = true
		decision.SelectedWorkers = append(decision.SelectedWorkers, c.WorkerID)
		decision.Scores = append(decision.Scores, c.Score)
	}

	decision.Score = decision.Scores[0]
	r.logger.Debug("heuristic route", "request_id", req.ID,
		"workers", decision.SelectedWorkers, "scores", decision.Scores)
	return decision, nil
}

// score computes wCap*overlap + wPerf*successRate + wCtx*affinity.
func (r *Router) score(w *core.WorkerDescriptor, tags []string, ctx map[string]core.ContextOutput) core.CandidateScore {
	overlap := float64(w.Overlap(tags)) / float64(len(tags))
	affinity := contextAffinity(w, ctx)
	wt := r.cfg.Weights
	return core.CandidateScore{
		WorkerID:          w.ID,
		Score:             wt.Capability*overlap + wt.Performance*w.Stats.SuccessRate + wt.Context*affinity,
		CapabilityOverlap: overlap,
		SuccessRate:       w.Stats.SuccessRate,
		ContextAffinity:   affinity,
		MeanLatency:       w.Stats.MeanLatency,
	}
}

// contextAffinity is the share of context producers that are w itself or
// whose output tags w carries or consumes.
func contextAffinity(w *core.WorkerDescriptor, ctx map[string]core.ContextOutput) float64 {
	if len(ctx) == 0 {
		return 0
	}
	related := 0
	for key, out := range ctx {
		producer := out.WorkerID
		if producer == "" {
			producer = key
		}
		if producer == w.ID || sharesTag(w, out.Tags) {
			related++
		}
	}
	return float64(related) / float64(len(ctx))
}

func sharesTag(w *core.WorkerDescriptor, tags []string) bool {
	for _, t := range tags {
		if w.HasCapability(t) {
			return true
		}
		for _, c := range w.Consumes {
			if c == t {
				return true
			}
		}
	}
	return false
}

func sortCandidates(cands []core.CandidateScore) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.MeanLatency != b.MeanLatency {
			return a.MeanLatency < b.MeanLatency
		}
		return a.WorkerID < b.WorkerID
	})
}

// Check re-validates one worker at dispatch time.
func (r *Router) Check(workerID string) error {
	d, err := r.source.Lookup(workerID)
	if err != nil {
		return err
	}
	if d.Health == core.HealthCircuitOpen {
		return core.ErrWorkerUnhealthy(workerID)
	}
	return nil
}

// Revalidate re-checks every selected worker of a decision.
func (r *Router) Revalidate(decision core.RoutingDecision) error {
	for _, id := range decision.SelectedWorkers {
		if err := r.Check(id); err != nil {
			return err
		}
	}
	return nil
}
