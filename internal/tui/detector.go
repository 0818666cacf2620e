package tui

import (
	"os"

	"golang.org/x/term"
)

// OutputMode selects how run and watch report progress.
type OutputMode int

const (
	ModeTUI   OutputMode = iota // live Bubble Tea view
	ModePlain                   // one line per workflow event
	ModeJSON                    // one JSON object per workflow event
	ModeQuiet                   // final outcome only
)

var modeNames = [...]string{
	ModeTUI:   "tui",
	ModePlain: "plain",
	ModeJSON:  "json",
	ModeQuiet: "quiet",
}

func (m OutputMode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// ParseOutputMode maps a --output value to a mode. The second result is
// false for "auto" and anything unrecognized, which leaves the choice to
// Detect.
func ParseOutputMode(s string) (OutputMode, bool) {
	for i, name := range modeNames {
		if name == s {
			return OutputMode(i), true
		}
	}
	return ModeTUI, false
}

// Detector picks an output mode from flags, the environment and stdout.
type Detector struct {
	forceMode *OutputMode
	noColor   bool
	isTTY     func() bool
}

func NewDetector() *Detector {
	return &Detector{isTTY: stdoutIsTTY}
}

// ForceMode pins the mode regardless of environment.
func (d *Detector) ForceMode(mode OutputMode) *Detector {
	d.forceMode = &mode
	return d
}

func (d *Detector) NoColor(disable bool) *Detector {
	d.noColor = disable
	return d
}

// Detect resolves the mode in order: forced mode, DISPATCH_OUTPUT, CI
// markers, then whether stdout is a terminal. The live view is only
// chosen for an interactive terminal outside CI.
func (d *Detector) Detect() OutputMode {
	if d.forceMode != nil {
		return *d.forceMode
	}
	if m, ok := ParseOutputMode(os.Getenv("DISPATCH_OUTPUT")); ok && m != ModeTUI {
		return m
	}
	if runningInCI() || !d.isTTY() {
		return ModePlain
	}
	return ModeTUI
}

// ShouldUseColor honours --no-color, NO_COLOR and TERM=dumb.
func (d *Detector) ShouldUseColor() bool {
	if d.noColor || os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return d.isTTY()
}

func runningInCI() bool {
	return os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != ""
}

func stdoutIsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalSize returns the stdout terminal dimensions, or 80x24 when stdout
// is not a terminal.
func TerminalSize() (width, height int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 80, 24
	}
	return w, h
}
