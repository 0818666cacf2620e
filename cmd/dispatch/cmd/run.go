package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/service"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Route a request and run the resulting workflow",
	Long: `Classify and route the request, build its phased workflow and run it
until it completes, fails or halts on a decision point.

Reference a worker explicitly with @worker-id or [worker-id], or invoke a
catalog command with a leading slash.

Examples:
  dispatch run "@requirements-analyst review the auth module"
  dispatch run "/review internal/router"
  dispatch run --template bugfix "login fails with 500 after the upgrade"
  dispatch run --after wf-1234 "implement the design"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runTemplate string
	runPlanOnly bool
	runDetach   bool
	runAfter    string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runTemplate, "template", "t", "",
		"workflow template (default: request pattern or routing.default_template)")
	runCmd.Flags().BoolVar(&runPlanOnly, "plan-only", false,
		"build and persist the workflow without running it")
	runCmd.Flags().BoolVar(&runDetach, "detach", false,
		"print the workflow ID and exit; start it later with 'dispatch start'")
	runCmd.Flags().StringVar(&runAfter, "after", "",
		"seed routing context with the deliverables of an earlier workflow")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := outputMode()
	s, err := openSession(mode, false)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := service.SubmitOptions{Template: runTemplate}
	if runAfter != "" {
		if opts.Context, err = contextFrom(ctx, s, core.WorkflowID(runAfter)); err != nil {
			return err
		}
	}

	wf, err := s.dispatcher.Plan(ctx, strings.Join(args, " "), opts)
	if err != nil {
		return err
	}

	if runPlanOnly || runDetach || wf.State == core.WorkflowAwaitingDecision {
		if err := printPlan(wf, mode); err != nil {
			return err
		}
		if wf.State == core.WorkflowAwaitingDecision {
			return nil
		}
		if !quiet && mode != tui.ModeJSON {
			fmt.Printf("\nStart with: dispatch start %s\n", wf.ID)
		}
		return nil
	}

	return followRun(ctx, s, wf.ID, mode, func() (*core.Workflow, error) {
		return wf, s.dispatcher.Start(ctx, wf.ID)
	})
}

// contextFrom turns the handoffs of an earlier workflow into routing
// context keyed by task ID.
func contextFrom(ctx context.Context, s *session, id core.WorkflowID) (map[string]core.ContextOutput, error) {
	records, err := s.dispatcher.Handoffs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading context from %s: %w", id, err)
	}
	out := make(map[string]core.ContextOutput, len(records))
	for _, r := range records {
		if r.Status != core.TaskSucceeded {
			continue
		}
		c := core.ContextOutput{WorkerID: r.WorkerID, Payload: r.Deliverable}
		if w, err := s.dispatcher.Registry().Lookup(r.WorkerID); err == nil {
			c.Tags = w.Capabilities
		}
		out[string(r.TaskID)] = c
	}
	return out, nil
}

// printPlan shows the tasks of a workflow that has not run yet.
func printPlan(wf *core.Workflow, mode tui.OutputMode) error {
	if mode == tui.ModeJSON {
		return outputJSON(wf)
	}
	if quiet {
		fmt.Println(wf.ID)
		return nil
	}
	fmt.Printf("Workflow %s (%s): %s\n", wf.ID, wf.Template, wf.State)
	for _, ph := range wf.Phases {
		if len(ph.TaskIDs) == 0 {
			continue
		}
		fmt.Printf("  %s\n", ph.Phase)
		for _, tid := range ph.TaskIDs {
			t := wf.Tasks[tid]
			line := fmt.Sprintf("    %-20s %s", t.ID, t.WorkerID)
			if len(t.DependsOn) > 0 {
				deps := make([]string, len(t.DependsOn))
				for i, d := range t.DependsOn {
					deps[i] = string(d)
				}
				line += "  after " + strings.Join(deps, ", ")
			}
			fmt.Println(line)
		}
	}
	if wf.Decision != nil {
		fmt.Printf("\nDecision %s: %s\n", wf.Decision.ID, wf.Decision.Reason)
		fmt.Printf("Resolve with: dispatch resolve %s <%s>\n",
			wf.Decision.ID, strings.Join(optionNames(wf.Decision.Options), "|"))
	}
	return nil
}
