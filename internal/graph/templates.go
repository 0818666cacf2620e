package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Template names.
const (
	TemplateFull   = "full"
	TemplateBuild  = "build"
	TemplateQuick  = "quick"
	TemplateReview = "review"
	TemplateDirect = "direct"
)

// Template is a fixed ordered list of lifecycle phases.
type Template struct {
	Name        string
	Description string
	Phases      []core.Phase
}

var templates = map[string]Template{
	TemplateFull: {
		Name:        TemplateFull,
		Description: "Requirements through validation",
		Phases:      core.AllPhases(),
	},
	TemplateBuild: {
		Name:        TemplateBuild,
		Description: "Design, build and validate",
		Phases:      []core.Phase{core.PhaseDesign, core.PhaseImplementation, core.PhaseValidation},
	},
	TemplateQuick: {
		Name:        TemplateQuick,
		Description: "Build and validate",
		Phases:      []core.Phase{core.PhaseImplementation, core.PhaseValidation},
	},
	TemplateReview: {
		Name:        TemplateReview,
		Description: "Analyze and audit existing work",
		Phases:      []core.Phase{core.PhaseDiscovery, core.PhaseValidation},
	},
	TemplateDirect: {
		Name:        TemplateDirect,
		Description: "Everything in a single phase",
		Phases:      []core.Phase{core.PhaseImplementation},
	},
}

// Names returns the built-in template names, sorted.
func Names() []string {
	names := make([]string, 0, len(templates))
	for n := range templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsTemplate reports whether name is a built-in template.
func IsTemplate(name string) bool {
	_, ok := templates[name]
	return ok
}

// LookupTemplate resolves a template name. A comma separated phase list
// such as "discovery,implementation" declares an ad-hoc template; its phases
// must be strictly increasing in lifecycle order.
func LookupTemplate(name string) (Template, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = TemplateFull
	}
	if t, ok := templates[name]; ok {
		t.Phases = append([]core.Phase(nil), t.Phases...)
		return t, nil
	}
	if !strings.Contains(name, ",") {
		return Template{}, core.ErrValidation(core.CodeInvalidTemplate, fmt.Sprintf("unknown template %q", name)).
			WithDetail("templates", Names())
	}

	t := Template{Name: name, Description: "Custom phase order"}
	for _, part := range strings.Split(name, ",") {
		p, err := core.ParsePhase(strings.TrimSpace(part))
		if err != nil {
			return Template{}, core.ErrValidation(core.CodeInvalidTemplate, err.Error())
		}
		if n := len(t.Phases); n > 0 && core.PhaseOrder(t.Phases[n-1]) >= core.PhaseOrder(p) {
			return Template{}, core.ErrValidation(core.CodeInvalidTemplate,
				fmt.Sprintf("phase %s must come after %s", t.Phases[n-1], p))
		}
		t.Phases = append(t.Phases, p)
	}
	return t, nil
}

// place maps a desired lifecycle phase onto the template: the latest
// template phase not after the desired one, else the first phase.
func (t Template) place(want core.Phase) core.Phase {
	order := core.PhaseOrder(want)
	chosen := t.Phases[0]
	for _, p := range t.Phases {
		if core.PhaseOrder(p) <= order {
			chosen = p
		}
	}
	return chosen
}
