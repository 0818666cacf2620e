package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

var workersCmd = &cobra.Command{
	Use:   "workers [worker-id]",
	Short: "List catalog workers with their health and statistics",
	Long: `List the workers of the catalog with their capabilities, health and
rolling performance statistics, or show one worker in detail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorkers,
}

var workersCapability []string

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.Flags().StringSliceVarP(&workersCapability, "capability", "c", nil,
		"only list workers with any of these capability tags")
}

func runWorkers(_ *cobra.Command, args []string) error {
	s, err := openSession(tui.ModePlain, false)
	if err != nil {
		return err
	}
	defer s.Close()
	reg := s.dispatcher.Registry()

	if len(args) == 1 {
		w, err := reg.Lookup(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(w)
		}
		printWorker(w)
		return nil
	}

	list := reg.All()
	if len(workersCapability) > 0 {
		list = reg.FindByCapability(workersCapability)
	}
	if jsonOutput {
		return outputJSON(list)
	}

	color := useColor()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tCATEGORY\tHEALTH\tSUCCESS\tLATENCY\tCAPABILITIES")
	for _, d := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			d.ID, d.Category, healthLabel(d.Health, color), d.Stats.SuccessRate,
			d.Stats.MeanLatency.Round(time.Millisecond), truncate(strings.Join(d.Capabilities, ","), 60))
	}
	return w.Flush()
}

func printWorker(w *core.WorkerDescriptor) {
	fmt.Printf("Worker:       %s\n", w.ID)
	if w.Description != "" {
		fmt.Printf("Description:  %s\n", w.Description)
	}
	fmt.Printf("Category:     %s\n", w.Category)
	if w.Class != "" {
		fmt.Printf("Class:        %s\n", w.Class)
	}
	fmt.Printf("Health:       %s\n", healthLabel(w.Health, useColor()))
	fmt.Printf("Capabilities: %s\n", strings.Join(w.Capabilities, ", "))
	if len(w.Triggers) > 0 {
		fmt.Printf("Triggers:     %s\n", strings.Join(w.Triggers, ", "))
	}
	if len(w.Variants) > 0 {
		fmt.Printf("Variants:     %s\n", strings.Join(w.Variants, ", "))
	}
	if len(w.Consumes) > 0 {
		fmt.Printf("Consumes:     %s\n", strings.Join(w.Consumes, ", "))
	}
	if len(w.Next) > 0 {
		fmt.Printf("Next:         %s\n", strings.Join(w.Next, ", "))
	}
	if len(w.Locks) > 0 {
		fmt.Printf("Locks:        %s\n", strings.Join(w.Locks, ", "))
	}
	st := w.Stats
	fmt.Printf("Success rate: %.2f over %d outcomes\n", st.SuccessRate, st.Outcomes)
	fmt.Printf("Mean latency: %s\n", st.MeanLatency.Round(time.Millisecond))
	if st.ConsecutiveFailures > 0 {
		fmt.Printf("Failing:      %d in a row, last at %s\n",
			st.ConsecutiveFailures, st.LastFailureAt.Format(time.RFC3339))
	}
}

func healthLabel(h core.HealthState, color bool) string {
	if !color {
		return string(h)
	}
	c := tui.ColorSuccess
	switch h {
	case core.HealthDegraded:
		c = tui.ColorWarning
	case core.HealthCircuitOpen:
		c = tui.ColorError
	}
	return lipgloss.NewStyle().Foreground(c).Render(string(h))
}
