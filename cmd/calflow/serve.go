package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/calflow/internal/api"
	"github.com/rendis/calflow/internal/streaming"
	"github.com/rendis/calflow/internal/trigger"
	"github.com/rendis/calflow/internal/workflowfile"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var stdio bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint, cron and NATS triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, stdio)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", ":4100", "TCP listen address")
	flags.String("workflows", "", "directory of workflow files published at startup")
	flags.BoolVar(&stdio, "stdio", false, "also serve MCP over stdin/stdout")
	_ = opts.viper.BindPFlag("listen_addr", flags.Lookup("listen-addr"))
	_ = opts.viper.BindPFlag("workflows.dir", flags.Lookup("workflows"))

	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, stdio bool) error {
	cfg, logger := opts.cfg, opts.logger

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Workflows.Dir != "" {
		if err := a.importWorkflows(ctx, cfg.Workflows.Dir); err != nil {
			return err
		}
	}

	if err := a.scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if n, err := a.cron.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed schedules", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("fired missed schedules", slog.Int("count", n))
	}
	if err := a.cron.Start(ctx); err != nil {
		return err
	}
	defer a.cron.Stop()

	if a.nc != nil {
		listener := trigger.NewNATSListener(a.nc, a.catalog, cfg.NATS.Prefix, logger)
		if err := listener.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = listener.Stop() }()
		go func() {
			if err := a.publisher.Forward(ctx, a.hub, streaming.EventFilter{}); err != nil {
				logger.Warn("nats event forwarding stopped", slog.String("error", err.Error()))
			}
		}()
	}

	deps := api.Deps{
		Catalog:   a.catalog,
		Scheduler: a.scheduler,
		Store:     a.store,
		Hub:       a.hub,
		Metrics:   a.metrics.Handler(),
		Logger:    logger,
	}
	if a.mcp != nil {
		deps.MCP = a.mcp.HTTPHandler()
		if stdio {
			go func() {
				if err := a.mcp.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("mcp stdio stopped", slog.String("error", err.Error()))
				}
			}()
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(deps).Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("calflow listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("base_url", cfg.BaseURL),
			slog.String("store", cfg.Store.Driver),
			slog.Bool("mcp", a.mcp != nil),
			slog.Bool("nats", a.nc != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", slog.String("error", err.Error()))
			_ = srv.Close()
		}
		logger.Info("server stopped gracefully")
		return nil
	}
}

// importWorkflows publishes every workflow file in dir. An invalid file is
// logged and skipped; an unreadable directory fails startup.
func (a *app) importWorkflows(ctx context.Context, dir string) error {
	workflows, err := workflowfile.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if _, _, err := a.catalog.Import(ctx, wf); err != nil {
			a.logger.Warn("workflow not published",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()))
			continue
		}
	}
	a.logger.Info("workflows imported", slog.String("dir", dir), slog.Int("count", len(workflows)))
	return nil
}
