package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <decision-id> <retry|reroute|skip|abandon>",
	Short: "Resolve an open decision point",
	Long: `Resolve the decision point a workflow is halted on.

  retry    run the blocking task again on the same worker with a fresh budget
  reroute  ask the router for another worker
  skip     accept the failure; dependent tasks are skipped
  abandon  fail the workflow

Unless the workflow was abandoned it resumes and runs in the foreground.
With --server the decision is sent to a running 'dispatch serve' instead.`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

var resolveServer string

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVar(&resolveServer, "server", "",
		"resolve through the API of a running server (e.g. http://127.0.0.1:8780)")
}

func runResolve(cmd *cobra.Command, args []string) error {
	decisionID := args[0]
	option, err := core.ParseDecisionOption(args[1])
	if err != nil {
		return err
	}

	if resolveServer != "" {
		var wf core.Workflow
		if err := newAPIClient(resolveServer).post(cmd.Context(), "/decisions/"+decisionID,
			map[string]string{"option": string(option)}, &wf); err != nil {
			return err
		}
		return printResolved(&wf)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := outputMode()
	s, err := openSession(mode, false)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := decisionWorkflow(ctx, s, decisionID)
	if err != nil {
		return err
	}
	err = followRun(ctx, s, id, mode, func() (*core.Workflow, error) {
		return s.dispatcher.Resolve(ctx, decisionID, option)
	})
	if option == core.OptionAbandon && core.ErrorCode(err) == codeWorkflowFailed {
		return nil
	}
	return err
}

// decisionWorkflow finds the workflow halted on decisionID.
func decisionWorkflow(ctx context.Context, s *session, decisionID string) (core.WorkflowID, error) {
	list, err := s.dispatcher.Workflows(ctx)
	if err != nil {
		return "", err
	}
	for _, w := range list {
		if w.DecisionID == decisionID {
			return w.WorkflowID, nil
		}
	}
	return "", core.ErrNotFound("decision point", decisionID)
}

func printResolved(wf *core.Workflow) error {
	if jsonOutput {
		return outputJSON(wf)
	}
	fmt.Printf("Workflow %s is now %s\n", wf.ID, wf.State)
	return nil
}
