package core

import "fmt"

// Phase represents a lifecycle stage of a workflow. Tasks in the same phase
// may run concurrently; phases run strictly in order.
type Phase string

const (
	// PhaseDiscovery gathers requirements and analyzes the problem.
	PhaseDiscovery Phase = "discovery"

	// PhaseDesign produces architecture, schemas and interface decisions.
	PhaseDesign Phase = "design"

	// PhaseImplementation builds the deliverables.
	PhaseImplementation Phase = "implementation"

	// PhaseValidation tests, reviews and audits the deliverables.
	PhaseValidation Phase = "validation"
)

// AllPhases returns all phases in lifecycle order.
func AllPhases() []Phase {
	return []Phase{PhaseDiscovery, PhaseDesign, PhaseImplementation, PhaseValidation}
}

// PhaseOrder returns the numeric order of a phase (0-indexed), -1 if unknown.
func PhaseOrder(p Phase) int {
	switch p {
	case PhaseDiscovery:
		return 0
	case PhaseDesign:
		return 1
	case PhaseImplementation:
		return 2
	case PhaseValidation:
		return 3
	default:
		return -1
	}
}

// NextPhase returns the phase following the given phase.
// Returns empty string if current phase is the last.
func NextPhase(p Phase) Phase {
	switch p {
	case PhaseDiscovery:
		return PhaseDesign
	case PhaseDesign:
		return PhaseImplementation
	case PhaseImplementation:
		return PhaseValidation
	default:
		return ""
	}
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p Phase) bool {
	return PhaseOrder(p) >= 0
}

// ParsePhase converts a string to a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !ValidPhase(p) {
		return "", fmt.Errorf("invalid phase: %s", s)
	}
	return p, nil
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Description returns a human-readable description of the phase.
func (p Phase) Description() string {
	switch p {
	case PhaseDiscovery:
		return "Gather requirements and analyze the problem"
	case PhaseDesign:
		return "Design architecture, data and interfaces"
	case PhaseImplementation:
		return "Build the deliverables"
	case PhaseValidation:
		return "Test, review and audit the deliverables"
	default:
		return "Unknown phase"
	}
}
