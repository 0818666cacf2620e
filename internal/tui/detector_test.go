package tui

import "testing"

func newTestDetector(tty bool) *Detector {
	return &Detector{isTTY: func() bool { return tty }}
}

func TestOutputMode_String(t *testing.T) {
	tests := []struct {
		mode OutputMode
		want string
	}{
		{ModeTUI, "tui"},
		{ModePlain, "plain"},
		{ModeJSON, "json"},
		{ModeQuiet, "quiet"},
		{OutputMode(999), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("OutputMode(%d).String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestDetector_Detect(t *testing.T) {
	t.Setenv("DISPATCH_OUTPUT", "")
	t.Setenv("CI", "")
	t.Setenv("GITHUB_ACTIONS", "")

	if got := newTestDetector(true).Detect(); got != ModeTUI {
		t.Errorf("Detect() on a terminal = %v, want tui", got)
	}
	if got := newTestDetector(false).Detect(); got != ModePlain {
		t.Errorf("Detect() on a pipe = %v, want plain", got)
	}

	t.Setenv("CI", "true")
	if got := newTestDetector(true).Detect(); got != ModePlain {
		t.Errorf("Detect() in CI = %v, want plain", got)
	}

	t.Setenv("DISPATCH_OUTPUT", "json")
	if got := newTestDetector(true).Detect(); got != ModeJSON {
		t.Errorf("Detect() with DISPATCH_OUTPUT=json = %v, want json", got)
	}

	if got := newTestDetector(true).ForceMode(ModeQuiet).Detect(); got != ModeQuiet {
		t.Errorf("forced Detect() = %v, want quiet", got)
	}
}

func TestDetector_ShouldUseColor(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	t.Setenv("TERM", "xterm-256color")

	if !newTestDetector(true).ShouldUseColor() {
		t.Error("expected color on a terminal")
	}
	if newTestDetector(false).ShouldUseColor() {
		t.Error("expected no color on a pipe")
	}
	if newTestDetector(true).NoColor(true).ShouldUseColor() {
		t.Error("expected NoColor(true) to disable color")
	}

	t.Setenv("NO_COLOR", "1")
	if newTestDetector(true).ShouldUseColor() {
		t.Error("expected NO_COLOR to disable color")
	}

	t.Setenv("NO_COLOR", "")
	t.Setenv("TERM", "dumb")
	if newTestDetector(true).ShouldUseColor() {
		t.Error("expected TERM=dumb to disable color")
	}
}

func TestParseOutputMode(t *testing.T) {
	for _, s := range []string{"tui", "plain", "json", "quiet"} {
		mode, ok := ParseOutputMode(s)
		if !ok || mode.String() != s {
			t.Errorf("ParseOutputMode(%q) = %v, %v", s, mode, ok)
		}
	}
	if _, ok := ParseOutputMode("auto"); ok {
		t.Error("ParseOutputMode(auto) should select detection")
	}
}

func TestTerminalSize(t *testing.T) {
	w, h := TerminalSize()
	if w <= 0 || h <= 0 {
		t.Errorf("TerminalSize() = %dx%d, want positive dimensions", w, h)
	}
}
