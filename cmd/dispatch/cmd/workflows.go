package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/clip"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

var workflowsCmd = &cobra.Command{
	Use:     "workflows",
	Aliases: []string{"ls"},
	Short:   "List persisted workflows",
	Long: `List persisted workflows, most recently updated first.

Use 'dispatch status <id>' for the tasks of one workflow and
'dispatch resolve' for workflows waiting on a decision.`,
	Args: cobra.NoArgs,
	RunE: runWorkflows,
}

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show the tasks and state of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var eventsCmd = &cobra.Command{
	Use:   "events <workflow-id>",
	Short: "Show the audit log of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var handoffsCmd = &cobra.Command{
	Use:   "handoffs <workflow-id>",
	Short: "Show the handoff records and deliverables of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runHandoffs,
}

var (
	workflowsState string
	handoffsCopy   bool
)

func init() {
	rootCmd.AddCommand(workflowsCmd, statusCmd, eventsCmd, handoffsCmd)

	workflowsCmd.Flags().StringVar(&workflowsState, "state", "",
		"only list workflows in this state (created, active, awaiting_decision, completed, failed, cancelled)")
	handoffsCmd.Flags().BoolVar(&handoffsCopy, "copy", false,
		"copy the handoff report to the clipboard")
}

func runWorkflows(cmd *cobra.Command, _ []string) error {
	s, err := openSession(tui.ModePlain, false)
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.dispatcher.Workflows(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing workflows: %w", err)
	}
	if workflowsState != "" {
		filtered := list[:0]
		for _, w := range list {
			if string(w.State) == workflowsState {
				filtered = append(filtered, w)
			}
		}
		list = filtered
	}

	if jsonOutput {
		if list == nil {
			list = []core.WorkflowSummary{}
		}
		return outputJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No workflows found.")
		fmt.Println("Run 'dispatch run <request>' to start one.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTEMPLATE\tTASKS\tUPDATED\tREQUEST")
	fmt.Fprintln(w, "--\t-----\t--------\t-----\t-------\t-------")
	for _, wf := range list {
		state := string(wf.State)
		if wf.DecisionID != "" {
			state += " (" + wf.DecisionID + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			wf.WorkflowID, state, wf.Template, wf.Tasks,
			formatAge(wf.UpdatedAt), truncate(wf.RawInput, 50))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(tui.ModePlain, false)
	if err != nil {
		return err
	}
	defer s.Close()

	wf, err := s.dispatcher.Workflow(cmd.Context(), core.WorkflowID(args[0]))
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(wf)
	}

	fmt.Printf("Workflow: %s\n", wf.ID)
	fmt.Printf("Template: %s\n", wf.Template)
	fmt.Printf("State:    %s\n", wf.State)
	if wf.Partial {
		fmt.Println("Partial:  yes")
	}
	if wf.Request != nil {
		fmt.Printf("Request:  %s\n", truncate(wf.Request.RawInput, 80))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tWORKER\tPHASE\tSTATE\tATTEMPTS\tDURATION\tNOTE")
	fmt.Fprintln(w, "----\t------\t-----\t-----\t--------\t--------\t----")
	for _, id := range wf.TaskOrder {
		t := wf.Tasks[id]
		duration := "-"
		if t.StartedAt != nil && t.CompletedAt != nil {
			duration = t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
		}
		note := t.Error
		if t.ReplacedBy != "" {
			note = "replaced by " + string(t.ReplacedBy)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.WorkerID, t.Phase, t.State, t.TotalAttempts, duration, truncate(note, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if wf.Decision != nil {
		fmt.Printf("\nDecision %s: %s\n", wf.Decision.ID, wf.Decision.Reason)
		fmt.Printf("Resolve with: dispatch resolve %s <%s>\n",
			wf.Decision.ID, strings.Join(optionNames(wf.Decision.Options), "|"))
	}
	if wf.Error != "" {
		fmt.Printf("\nError: %s\n", wf.Error)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	s, err := openSession(tui.ModePlain, false)
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.dispatcher.Events(cmd.Context(), core.WorkflowID(args[0]))
	if err != nil {
		return err
	}
	if jsonOutput {
		if list == nil {
			list = []core.StoredEvent{}
		}
		return outputJSON(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tTASK")
	for _, ev := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.Seq, ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.TaskID)
	}
	return w.Flush()
}

func runHandoffs(cmd *cobra.Command, args []string) error {
	s, err := openSession(tui.ModePlain, false)
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.dispatcher.Handoffs(cmd.Context(), core.WorkflowID(args[0]))
	if err != nil {
		return err
	}
	if jsonOutput {
		if records == nil {
			records = []core.HandoffRecord{}
		}
		return outputJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No handoffs recorded yet.")
		return nil
	}

	if handoffsCopy {
		res, err := clip.CopyHandoffs(records)
		if err != nil {
			return err
		}
		if res.Method == clip.MethodFile {
			fmt.Printf("No clipboard available; report written to %s\n", res.FilePath)
		} else {
			fmt.Printf("Copied %d handoffs (%s)\n", len(records), res.Method)
		}
		return nil
	}

	width, _ := tui.TerminalSize()
	fmt.Println(tui.RenderMarkdown(clip.FormatHandoffs(records), width, useColor()))
	return nil
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02")
}
