package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/service"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

// closeTimeout bounds how long a command waits for background runs and the
// store to shut down.
const closeTimeout = 10 * time.Second

// loadConfig loads and validates configuration using the global viper
// instance so persistent flag bindings take part in precedence.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the command logger. Logs go to log.file when set; a
// full-screen view gets no stderr logging since it would garble the screen.
func newLogger(cfg *config.Config, mode tui.OutputMode) (*logging.Logger, func(), error) {
	out := io.Writer(os.Stderr)
	closeFn := func() {}
	switch {
	case cfg.Log.File != "":
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	case mode == tui.ModeTUI, quiet:
		return logging.NewNop(), closeFn, nil
	}
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	}), closeFn, nil
}

// session bundles what a command needs to talk to the dispatcher.
type session struct {
	cfg        *config.Config
	logger     *logging.Logger
	dispatcher *service.Dispatcher
	monitor    *diagnostics.ResourceMonitor
	closeLog   func()
}

// openSession loads configuration and builds a dispatcher over the
// configured store and catalog.
func openSession(mode tui.OutputMode, withMonitor bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg, mode)
	if err != nil {
		return nil, err
	}

	builder := service.NewBuilder().WithConfig(cfg).WithLogger(logger)
	var monitor *diagnostics.ResourceMonitor
	if withMonitor {
		monitor = diagnostics.NewResourceMonitor(diagnostics.MonitorConfig{
			GoroutineThreshold: 2000,
			MemoryThresholdMB:  2048,
		}, logger)
		builder.WithMonitor(monitor)
	}
	d, err := builder.Build()
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("initializing dispatcher: %w", err)
	}
	return &session{cfg: cfg, logger: logger, dispatcher: d, monitor: monitor, closeLog: closeLog}, nil
}

// Close shuts the dispatcher down and flushes the log file.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.dispatcher.Close(ctx); err != nil {
		s.logger.Warn("dispatcher did not close cleanly", "error", err)
	}
	s.closeLog()
}

// outputMode resolves --output, the environment and the terminal.
func outputMode() tui.OutputMode {
	d := tui.NewDetector().NoColor(noColor)
	if quiet {
		d.ForceMode(tui.ModeQuiet)
	} else if jsonOutput {
		d.ForceMode(tui.ModeJSON)
	} else if m, ok := tui.ParseOutputMode(outputFlag); ok {
		d.ForceMode(m)
	}
	return d.Detect()
}

func useColor() bool {
	return tui.NewDetector().NoColor(noColor).ShouldUseColor()
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
