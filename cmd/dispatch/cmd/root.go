package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

var (
	cfgFile    string
	logLevel   string
	logFormat  string
	outputFlag string
	noColor    bool
	quiet      bool
	jsonOutput bool

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Route requests to capability-tagged workers and run them as phased workflows",
	Long: `dispatch classifies a free-form request, routes it to the best matching
workers from the catalog and runs the resulting workflow through the
discovery, design, implementation and validation phases.

Failed tasks are retried with backoff, rerouted to fallback workers, or
halted on a decision point that you resolve with 'dispatch resolve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion injects build information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch core.GetCategory(err) {
	case core.ErrCatValidation:
		return 2
	case core.ErrCatNotFound:
		return 3
	case core.ErrCatRouting, core.ErrCatHealth:
		return 4
	case core.ErrCatCancelled:
		return 130
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .dispatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "",
		"output mode (tui, plain, json, quiet; default: detect)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"print results as JSON")

	// Bind flags to viper (errors are nil when flag exists)
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() error {
	if outputFlag != "" {
		if _, ok := tui.ParseOutputMode(outputFlag); !ok {
			return fmt.Errorf("invalid --output %q (want tui, plain, json or quiet)", outputFlag)
		}
	}
	return nil
}
