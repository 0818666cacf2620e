package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

var routeCmd = &cobra.Command{
	Use:   "route <request>",
	Short: "Classify and route a request without running it",
	Long: `Show how a request would be classified and which workers the router
would select, with the score breakdown of every candidate.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

func init() {
	rootCmd.AddCommand(routeCmd)
}

func runRoute(_ *cobra.Command, args []string) error {
	s, err := openSession(tui.ModePlain, false)
	if err != nil {
		return err
	}
	defer s.Close()

	req, decisions, err := s.dispatcher.Route(strings.Join(args, " "))
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(struct {
			Request   core.Request           `json:"request"`
			Decisions []core.RoutingDecision `json:"decisions"`
		}{req, decisions})
	}

	fmt.Printf("Request:  %s\n", req.ID)
	if req.ExplicitWorkerRef != "" {
		fmt.Printf("Mention:  %s\n", strings.Join(req.Mentions, ", "))
	}
	if req.Command != "" {
		fmt.Printf("Command:  /%s %s\n", req.Command, strings.Join(req.Args, " "))
	}
	if len(req.Tags) > 0 {
		fmt.Printf("Tags:     %s\n", strings.Join(req.Tags, ", "))
	}
	if req.Stage != "" {
		fmt.Printf("Stage:    %s\n", req.Stage)
	}
	fmt.Printf("Priority: %s\n", req.Priority)
	for _, decision := range decisions {
		if err := printDecision(decision); err != nil {
			return err
		}
	}
	return nil
}

func printDecision(decision core.RoutingDecision) error {
	fmt.Printf("Method:   %s\n", decision.Method)
	fmt.Printf("Selected: %s (score %.3f)\n", strings.Join(decision.SelectedWorkers, ", "), decision.Score)

	if len(decision.Candidates) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tSCORE\tCAPABILITY\tSUCCESS\tCONTEXT\tLATENCY")
	for _, c := range decision.Candidates {
		fmt.Fprintf(w, "%s\t%.3f\t%.2f\t%.2f\t%.2f\t%s\n",
			c.WorkerID, c.Score, c.CapabilityOverlap, c.SuccessRate, c.ContextAffinity, c.MeanLatency)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(decision.Excluded) > 0 {
		fmt.Printf("\nExcluded (circuit open): %s\n", strings.Join(decision.Excluded, ", "))
	}
	return nil
}
