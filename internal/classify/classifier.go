// Package classify turns raw request text into a core.Request: explicit
// worker references, short commands, inferred capability tags, fan-out
// domains and priority.
package classify

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/registry"
)

// maxSuggestions bounds the "did you mean" list on unknown references.
const maxSuggestions = 3

// Source provides the registry view a classification runs against.
type Source interface {
	Snapshot() *registry.Snapshot
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithCommands sets the short-command templates.
func WithCommands(cmds map[string]registry.CommandTemplate) Option {
	return func(c *Classifier) {
		c.commands = make(map[string]registry.CommandTemplate, len(cmds))
		for k, v := range cmds {
			c.commands[strings.ToLower(k)] = v
		}
	}
}

// WithTriggers adds keyword to tag mappings on top of worker triggers.
func WithTriggers(triggers map[string][]string) Option {
	return func(c *Classifier) {
		for k, v := range triggers {
			c.triggers[strings.ToLower(k)] = core.NormalizeTags(v)
		}
	}
}

// WithCatalog applies a catalog's commands and triggers.
func WithCatalog(cat *registry.Catalog) Option {
	return func(c *Classifier) {
		if cat == nil {
			return
		}
		WithCommands(cat.Commands)(c)
		WithTriggers(cat.Triggers)(c)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Classifier) { c.newID = fn }
}

// Classifier parses request text. It has no side effects: each call works
// on a fresh registry snapshot.
type Classifier struct {
	source Source

	// commands and triggers are replaced whole by Update, never mutated.
	mu       sync.RWMutex
	commands map[string]registry.CommandTemplate
	triggers map[string][]string
	now      func() time.Time
	newID    func() string
}

// New creates a classifier over source.
func New(source Source, opts ...Option) *Classifier {
	c := &Classifier{
		source:   source,
		commands: map[string]registry.CommandTemplate{},
		triggers: map[string][]string{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update replaces the commands and triggers with those of cat, as after a
// catalog reload.
func (c *Classifier) Update(cat *registry.Catalog) {
	next := &Classifier{
		commands: map[string]registry.CommandTemplate{},
		triggers: map[string][]string{},
	}
	WithCatalog(cat)(next)
	c.mu.Lock()
	c.commands, c.triggers = next.commands, next.triggers
	c.mu.Unlock()
}

func (c *Classifier) tables() (map[string]registry.CommandTemplate, map[string][]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commands, c.triggers
}

// Classify parses raw into a Request.
//
// Unresolvable worker references do not reject the request: the returned
// Request is usable for heuristic routing and the error carries code
// UNKNOWN_WORKER_REFERENCE with suggestions. Any other error means no
// Request was produced.
func (c *Classifier) Classify(raw string) (core.Request, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return core.Request{}, core.ErrValidation(core.CodeEmptyRequest, "request cannot be empty")
	}
	if len(text) > core.MaxRequestLength {
		return core.Request{}, core.ErrValidation(core.CodeRequestTooLong, "request exceeds maximum length").
			WithDetail("max", core.MaxRequestLength)
	}

	snap := c.source.Snapshot()
	commands, triggers := c.tables()
	req := core.Request{
		ID:        c.newID(),
		RawInput:  raw,
		Priority:  core.PriorityStandard,
		CreatedAt: c.now(),
	}

	level, text := parsePriority(text)
	text = strings.TrimSpace(text)

	var cmdTags []string
	if cmd, ok := parseCommand(text); ok {
		req.Command = cmd.name
		req.Args = cmd.args
		if len(cmd.params) > 0 {
			req.Params = cmd.params
		}
		text = cmd.rest
		if tmpl, ok := commands[cmd.name]; ok {
			cmdTags = core.NormalizeTags(tmpl.Tags)
			for _, w := range tmpl.Workers {
				text = "@" + w + " " + text
			}
		} else {
			// unknown commands still hint at a capability
			cmdTags = []string{cmd.name}
		}
	}

	if p := req.Params["priority"]; p != "" && level == "" {
		level = p
	}
	if level != "" {
		prio, err := core.ParsePriority(strings.ToLower(level))
		if err != nil {
			return core.Request{}, core.ErrValidation(core.CodeInvalidOption, err.Error())
		}
		req.Priority = prio
	}
	if stage := firstNonEmpty(req.Params["phase"], req.Params["stage"]); stage != "" {
		phase, err := core.ParsePhase(stage)
		if err != nil {
			return core.Request{}, core.ErrValidation(core.CodeInvalidOption, err.Error())
		}
		req.Stage = phase
	}

	unknownErr := c.resolveMentions(snap, text, &req)
	body := stripMentions(text)

	lexicon := buildLexicon(snap, triggers)
	req.Tags = core.NormalizeTags(append(inferTags(body, lexicon), cmdTags...))
	if !req.HasExplicitRef() {
		req.Domains = inferDomains(body, lexicon)
	}

	if unknownErr != nil {
		return req, unknownErr
	}
	return req, nil
}

// resolveMentions fills ExplicitWorkerRef, Mentions and Variant. It returns
// an UNKNOWN_WORKER_REFERENCE error naming the first unresolved mention.
func (c *Classifier) resolveMentions(snap *registry.Snapshot, text string, req *core.Request) error {
	var unknown *core.DomainError
	for _, m := range parseMentions(text) {
		id, desc, ok := resolve(snap, m.name)
		if ok && !desc.SupportsVariant(m.variant) {
			ok = false
		}
		if !ok {
			if unknown == nil {
				ref := m.name
				if m.variant != "" {
					ref += "[" + m.variant + "]"
				}
				unknown = core.ErrUnknownWorkerReference(ref, snap.Suggest(strings.TrimPrefix(m.name, legacyPrefix), maxSuggestions))
			}
			continue
		}
		if containsString(req.Mentions, id) {
			continue
		}
		if req.ExplicitWorkerRef == "" {
			req.ExplicitWorkerRef = id
			req.Variant = m.variant
		}
		req.Mentions = append(req.Mentions, id)
	}
	if unknown == nil {
		return nil
	}
	return unknown
}

func resolve(snap *registry.Snapshot, name string) (string, *core.WorkerDescriptor, bool) {
	if d, ok := snap.Get(name); ok {
		return d.ID, d, true
	}
	if trimmed := strings.TrimPrefix(name, legacyPrefix); trimmed != name {
		if d, ok := snap.Get(trimmed); ok {
			return d.ID, d, true
		}
	}
	return "", nil, false
}

// lexicon merges configured triggers, worker triggers and bare capability
// tags into one phrase to tags table.
func buildLexicon(snap *registry.Snapshot, triggers map[string][]string) map[string][]string {
	lex := make(map[string][]string, len(triggers))
	add := func(phrase string, tags []string) {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			return
		}
		lex[phrase] = append(lex[phrase], tags...)
	}
	for phrase, tags := range triggers {
		add(phrase, tags)
	}
	for _, w := range snap.All() {
		for _, tag := range w.Capabilities {
			add(tag, []string{tag})
		}
		for _, trig := range w.Triggers {
			add(trig, w.Capabilities)
		}
	}
	return lex
}

func inferTags(text string, lexicon map[string][]string) []string {
	norm := normalize(text)
	var tags []string
	for phrase, t := range lexicon {
		if containsPhrase(norm, phrase) {
			tags = append(tags, t...)
		}
	}
	return core.NormalizeTags(tags)
}

// inferDomains splits text on domain separators and keeps the segments that
// map to distinct tag sets. Fewer than two such segments means no fan-out.
func inferDomains(text string, lexicon map[string][]string) [][]string {
	parts := splitDomains(text)
	if len(parts) < 2 {
		return nil
	}
	var domains [][]string
	seen := make(map[string]bool)
	for _, p := range parts {
		tags := inferTags(p, lexicon)
		if len(tags) == 0 {
			continue
		}
		key := strings.Join(tags, ",")
		if seen[key] {
			continue
		}
		seen[key] = true
		domains = append(domains, tags)
	}
	if len(domains) < 2 {
		return nil
	}
	return domains
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
