// Package clip copies worker deliverables out of the terminal: the native
// clipboard first, then an OSC52 escape sequence, then a temp file.
package clip

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	atotto "github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
	"golang.org/x/term"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Method is the mechanism that made the content available.
type Method string

const (
	MethodNative Method = "native" // OS clipboard via github.com/atotto/clipboard
	MethodOSC52  Method = "osc52"  // terminal clipboard via OSC52
	MethodFile   Method = "file"   // no clipboard reachable; content is in FilePath
)

// Result reports where the content went.
type Result struct {
	Method   Method
	FilePath string // only set when Method == MethodFile
}

// Swapped in tests.
var (
	nativeWriteAll = func(text string) error { return atotto.WriteAll(text) }
	osc52WriteAll  = writeAllOSC52
	tempDir        = os.TempDir
)

// Copy makes text copyable. label names the temp file when no clipboard is
// reachable.
func Copy(text, label string) (Result, error) {
	if text == "" {
		return Result{}, errors.New("nothing to copy")
	}
	if err := nativeWriteAll(text); err == nil {
		return Result{Method: MethodNative}, nil
	}
	if err := osc52WriteAll(text); err == nil {
		return Result{Method: MethodOSC52}, nil
	}
	path, err := writeTempFile(text, label)
	if err != nil {
		return Result{}, err
	}
	return Result{Method: MethodFile, FilePath: path}, nil
}

// CopyHandoffs copies the deliverables of records as one markdown document.
func CopyHandoffs(records []core.HandoffRecord) (Result, error) {
	if len(records) == 0 {
		return Result{}, errors.New("no handoffs to copy")
	}
	return Copy(FormatHandoffs(records), string(records[0].WorkflowID))
}

// FormatHandoffs renders records as markdown, one section per task.
func FormatHandoffs(records []core.HandoffRecord) string {
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s (%s, %s)\n\n", r.TaskID, r.WorkerID, r.Status)
		if r.Deliverable != "" {
			b.WriteString(strings.TrimRight(r.Deliverable, "\n"))
			b.WriteString("\n")
		} else {
			b.WriteString("_no deliverable_\n")
		}
		if len(r.NextRecommendedWorkers) > 0 {
			fmt.Fprintf(&b, "\nNext: %s\n", strings.Join(r.NextRecommendedWorkers, ", "))
		}
	}
	return b.String()
}

// Terminals can have strict OSC52 limits.
const osc52LimitBytes = 100_000

func writeAllOSC52(text string) error {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return errors.New("stderr is not a terminal")
	}
	if len(text) > osc52LimitBytes {
		return fmt.Errorf("text too large for OSC52 (%d bytes > %d)", len(text), osc52LimitBytes)
	}

	seq := osc52.New(text).Limit(osc52LimitBytes)
	if os.Getenv("TMUX") != "" {
		seq = seq.Tmux()
	} else if os.Getenv("STY") != "" {
		seq = seq.Screen()
	}

	// stderr keeps the sequence out of Bubble Tea's stdout renderer.
	_, err := seq.WriteTo(os.Stderr)
	return err
}

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func writeTempFile(text, label string) (path string, err error) {
	label = unsafeLabel.ReplaceAllString(label, "-")
	if label == "" {
		label = "deliverable"
	}
	f, err := os.CreateTemp(tempDir(), "dispatch-"+label+"-*.md")
	if err != nil {
		return "", err
	}
	path = f.Name()
	defer func() {
		_ = f.Close()
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err = f.WriteString(text); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
