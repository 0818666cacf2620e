package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/api"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/tui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start the dispatch REST API. Workflows submitted through the API run in
this process; their events stream over server-sent events and the CLI's
pause, resume, cancel and resolve --server commands act on them.

Examples:
  # Start with defaults (127.0.0.1:8780)
  dispatch serve

  # Start on custom host and port
  dispatch serve --host 0.0.0.0 --port 9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost    string
	servePort    int
	serveNoWatch bool
	serveResume  bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "",
		"host address to bind to (default: api.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0,
		"port to listen on (default: api.port)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false,
		"do not reload the worker catalog when it changes")
	serveCmd.Flags().BoolVar(&serveResume, "resume", false,
		"restart workflows left active by a previous process")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(tui.ModePlain, true)
	if err != nil {
		return err
	}
	defer s.Close()
	cfg, logger, d := s.cfg, s.logger, s.dispatcher

	go s.monitor.Run(ctx)

	if cfg.Registry.Watch && !serveNoWatch && cfg.Registry.Catalog != "" {
		if _, err := os.Stat(cfg.Registry.Catalog); err == nil {
			if err := d.WatchCatalog(cfg.Registry.Catalog); err != nil {
				logger.Warn("catalog watch not started", "path", cfg.Registry.Catalog, "error", err)
			} else {
				logger.Info("watching worker catalog", "path", cfg.Registry.Catalog)
			}
		}
	}

	if serveResume {
		if n, err := resumeActive(ctx, s); err != nil {
			logger.Warn("resuming interrupted workflows failed", "error", err)
		} else if n > 0 {
			logger.Info("interrupted workflows resumed", "count", n)
		}
	}

	opts := []api.ServerOption{
		api.WithLogger(logger),
		api.WithSystemMetrics(diagnostics.NewSystemMetricsCollector("")),
		api.WithMonitor(s.monitor),
	}
	if cfg.API.Timeout != "" {
		timeout, err := time.ParseDuration(cfg.API.Timeout)
		if err != nil {
			return fmt.Errorf("api.timeout: %w", err)
		}
		opts = append(opts, api.WithRequestTimeout(timeout))
	}
	if len(cfg.API.CORSOrigins) > 0 {
		opts = append(opts, api.WithAllowedOrigins(cfg.API.CORSOrigins...))
	}
	server := api.NewServer(d, opts...)

	addr := listenAddr(cfg)
	logger.Info("server started", "addr", addr, "store", cfg.State.Backend, "workers", d.Registry().Len())
	if !quiet {
		fmt.Printf("dispatch API listening on http://%s/api/v1\n", addr)
	}

	if err := server.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func listenAddr(cfg *config.Config) string {
	host, port := cfg.API.Host, cfg.API.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// resumeActive restarts every workflow a previous process left active.
func resumeActive(ctx context.Context, s *session) (int, error) {
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	list, err := s.dispatcher.Workflows(lctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range list {
		if w.State != core.WorkflowActive {
			continue
		}
		if err := s.dispatcher.Start(ctx, w.WorkflowID); err != nil {
			s.logger.Warn("workflow not resumed", "workflow_id", w.WorkflowID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
