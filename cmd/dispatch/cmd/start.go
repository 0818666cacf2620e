package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

var startCmd = &cobra.Command{
	Use:   "start <workflow-id>",
	Short: "Run a planned or interrupted workflow",
	Long: `Run a persisted workflow. Planned workflows start from their first phase;
workflows interrupted by a crash or a stopped process resume where they
stopped: succeeded tasks are kept and in-flight tasks are dispatched again.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := outputMode()
	s, err := openSession(mode, false)
	if err != nil {
		return err
	}
	defer s.Close()

	wf, err := s.dispatcher.Workflow(ctx, core.WorkflowID(args[0]))
	if err != nil {
		return err
	}
	switch {
	case wf.State.IsTerminal():
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("workflow %s is already %s", wf.ID, wf.State))
	case wf.State == core.WorkflowAwaitingDecision:
		return core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("workflow %s is waiting on decision %s; use 'dispatch resolve'", wf.ID, wf.Decision.ID))
	}

	return followRun(ctx, s, wf.ID, mode, func() (*core.Workflow, error) {
		return wf, s.dispatcher.Start(ctx, wf.ID)
	})
}
