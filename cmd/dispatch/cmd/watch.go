package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

// runEndGrace is how long the viewer may keep draining events after the
// run returned.
const runEndGrace = time.Second

// followRun subscribes to the events of workflow id, calls start and
// renders progress until the run reaches its next stopping point.
// Interrupting the command cancels the run.
func followRun(ctx context.Context, s *session, id core.WorkflowID, mode tui.OutputMode, start func() (*core.Workflow, error)) error {
	d := s.dispatcher
	ch := d.Bus().SubscribeWorkflow(string(id))
	defer d.Bus().Unsubscribe(ch)

	wf, err := start()
	if err != nil {
		return err
	}

	// A run that ends without a terminal event, such as on a store
	// failure, still releases the viewer after a grace period.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if _, err := d.Wait(watchCtx, wf.ID); err != nil && watchCtx.Err() != nil {
			return
		}
		select {
		case <-time.After(runEndGrace):
			cancelWatch()
		case <-watchCtx.Done():
		}
	}()

	var (
		progress *tui.Progress
		watchErr error
	)
	if mode == tui.ModeTUI {
		progress, watchErr = tui.Watch(watchCtx, wf, ch, tui.WithController(d), tui.ExitOnDone())
	} else {
		w := tui.NewEventWriter(os.Stdout, mode, useColor(), wf)
		watchErr = w.Run(watchCtx, ch)
		progress = w.Progress()
	}
	// The viewer left before the run stopped: quit key, Ctrl+C or a closed bus.
	if !progress.Stopped() && d.Running(wf.ID) {
		s.logger.Info("stopping run", "workflow_id", wf.ID)
		if err := d.Cancel(context.Background(), wf.ID); err != nil {
			s.logger.Warn("cancel failed", "workflow_id", wf.ID, "error", err)
		}
	}

	if _, err := d.Wait(context.Background(), wf.ID); err != nil && !core.IsCategory(err, core.ErrCatCancelled) {
		s.logger.Warn("run ended with error", "workflow_id", wf.ID, "error", err)
	}
	final, err := d.Workflow(context.Background(), wf.ID)
	if err != nil {
		return err
	}
	if err := printOutcome(final, mode); err != nil {
		return err
	}
	if watchErr != nil && !errors.Is(watchErr, context.Canceled) && !errors.Is(watchErr, tea.ErrProgramKilled) {
		return watchErr
	}
	return outcomeError(final)
}

// printOutcome renders the final state of a run.
func printOutcome(wf *core.Workflow, mode tui.OutputMode) error {
	if mode == tui.ModeJSON {
		return outputJSON(wf)
	}
	fmt.Print(tui.SummaryText(wf))
	if wf.Decision != nil {
		fmt.Printf("\nResolve with: dispatch resolve %s <%s>\n",
			wf.Decision.ID, strings.Join(optionNames(wf.Decision.Options), "|"))
	}
	return nil
}

const codeWorkflowFailed = "WORKFLOW_FAILED"

// outcomeError turns a failed or cancelled workflow into the command error.
func outcomeError(wf *core.Workflow) error {
	switch wf.State {
	case core.WorkflowFailed:
		return core.ErrExecution(codeWorkflowFailed, fmt.Sprintf("workflow %s failed: %s", wf.ID, wf.Error))
	case core.WorkflowCancelled:
		return core.ErrCancelled(string(wf.ID))
	}
	return nil
}

func optionNames(opts []core.DecisionOption) []string {
	out := make([]string, len(opts))
	for i, o := range opts {
		out[i] = string(o)
	}
	return out
}
