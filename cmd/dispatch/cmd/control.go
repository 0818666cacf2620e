package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a workflow",
	Long: `Cancel a workflow. Without --server the stored workflow moves straight to
cancelled; with --server a workflow running inside 'dispatch serve' stops
dispatching and its in-flight tasks are cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <workflow-id>",
	Short: "Hold new dispatches of a workflow running in 'dispatch serve'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteControl(cmd, args[0], "pause")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Release a paused workflow running in 'dispatch serve'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteControl(cmd, args[0], "resume")
	},
}

var controlServer string

func init() {
	for _, c := range []*cobra.Command{cancelCmd, pauseCmd, resumeCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVar(&controlServer, "server", "",
			"API address of the server running the workflow (default: api.host:api.port)")
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	if controlServer != "" {
		return remoteControl(cmd, args[0], "cancel")
	}
	s, err := openSession(tui.ModePlain, false)
	if err != nil {
		return err
	}
	defer s.Close()

	id := core.WorkflowID(args[0])
	if err := s.dispatcher.Cancel(cmd.Context(), id); err != nil {
		return err
	}
	if !quiet {
		fmt.Printf("Workflow %s cancelled\n", id)
	}
	return nil
}

func remoteControl(cmd *cobra.Command, id, action string) error {
	server := controlServer
	if server == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		server = fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	}
	var resp struct {
		WorkflowID string `json:"workflow_id"`
		Status     string `json:"status"`
	}
	if err := newAPIClient(server).post(cmd.Context(), "/workflows/"+id+"/"+action, nil, &resp); err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(resp)
	}
	if !quiet {
		fmt.Printf("Workflow %s: %s\n", resp.WorkflowID, resp.Status)
	}
	return nil
}
