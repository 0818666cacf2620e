package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/snapshot"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

var exportCmd = &cobra.Command{
	Use:   "export [workflow-id...]",
	Short: "Archive workflows and their audit logs",
	Long: `Write persisted workflows, their audit logs and the worker statistics
into a .tar.gz snapshot. Without ids every stored workflow is exported.

Examples:
  dispatch export
  dispatch export wf-1a2b3c -f review.tar.gz`,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <archive>",
	Short: "Restore workflows from a snapshot archive",
	Long: `Restore workflows and their audit logs from a snapshot written by
'dispatch export'. Workflows that already exist are skipped unless
--on-conflict says otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var (
	exportFile    string
	exportNoStats bool

	importConflict string
	importDryRun   bool
	importStats    bool
)

func init() {
	rootCmd.AddCommand(exportCmd, importCmd)

	exportCmd.Flags().StringVarP(&exportFile, "file", "f", "",
		"archive path (default: dispatch-<timestamp>.tar.gz)")
	exportCmd.Flags().BoolVar(&exportNoStats, "no-stats", false,
		"leave worker statistics out of the archive")

	importCmd.Flags().StringVar(&importConflict, "on-conflict", string(snapshot.ConflictSkip),
		"what to do with workflows that already exist (skip, overwrite, fail)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false,
		"report what would be imported without writing")
	importCmd.Flags().BoolVar(&importStats, "stats", false,
		"also restore worker statistics")
}

func runExport(cmd *cobra.Command, args []string) error {
	s, err := openSession(tui.ModePlain, false)
	if err != nil {
		return err
	}
	defer s.Close()

	path := exportFile
	if path == "" {
		path = fmt.Sprintf("dispatch-%s.tar.gz", time.Now().Format("20060102-150405"))
	}
	ids := make([]core.WorkflowID, 0, len(args))
	for _, a := range args {
		ids = append(ids, core.WorkflowID(a))
	}

	res, err := s.dispatcher.Export(cmd.Context(), &snapshot.ExportOptions{
		OutputPath:      path,
		WorkflowIDs:     ids,
		IncludeStats:    !exportNoStats,
		DispatchVersion: appVersion,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(res)
	}
	fmt.Printf("Exported %d workflows to %s\n", len(res.Manifest.Workflows), res.OutputPath)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	s, err := openSession(tui.ModePlain, false)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.dispatcher.Import(cmd.Context(), &snapshot.ImportOptions{
		InputPath:      args[0],
		ConflictPolicy: snapshot.ConflictPolicy(importConflict),
		IncludeStats:   importStats,
		DryRun:         importDryRun,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(report)
	}

	if report.DryRun {
		fmt.Println("Dry run, nothing was written.")
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tACTION\tEVENTS\tREASON")
	for _, wr := range report.Workflows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", wr.WorkflowID, wr.Action, wr.Events, wr.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if report.StatsRestored {
		fmt.Println("Worker statistics restored.")
	}
	for _, warning := range report.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	return nil
}
