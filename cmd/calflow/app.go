package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rendis/calflow/internal/catalog"
	"github.com/rendis/calflow/internal/engine"
	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/internal/handlers"
	"github.com/rendis/calflow/internal/metrics"
	"github.com/rendis/calflow/internal/notify"
	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/internal/streaming"
	"github.com/rendis/calflow/internal/tracing"
	"github.com/rendis/calflow/internal/trigger"
	"github.com/rendis/calflow/internal/validation"
	calmcp "github.com/rendis/calflow/pkg/mcp"
	"github.com/rendis/calflow/pkg/schema"
)

// app is the wired object graph shared by serve and run.
type app struct {
	cfg    *Config
	logger *slog.Logger

	store     store.Store
	hub       *streaming.MemoryHub
	metrics   *metrics.Collector
	scheduler engine.Scheduler
	validator *validation.WorkflowValidator
	catalog   *catalog.Catalog
	cron      *trigger.CronTrigger
	mcp       *calmcp.Server

	natsServer *server.Server
	nc         *nats.Conn
	publisher  *notify.NATSPublisher
	tracer     *sdktrace.TracerProvider
}

// newApp opens the store and wires every component. Nothing runs until the
// caller starts triggers or recovers runs.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, hub: streaming.NewMemoryHub(), metrics: metrics.NewCollector()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	if err = a.connectNATS(); err != nil {
		return nil, err
	}

	a.tracer, err = tracing.Setup(ctx, tracing.Config{
		ServiceVersion: version,
		Exporter:       cfg.Tracing.Exporter,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("init expression engines: %w", err)
	}

	// The MCP server needs the scheduler, and the scheduler's in-app channel
	// needs the MCP server, so the in-app fanout reaches it late.
	var mcpNotifier notify.Notifier
	inApp := notify.Fanout{
		notify.NewHubNotifier(a.hub),
		notify.NotifierFunc(func(ctx context.Context, msg notify.Message) (*notify.Receipt, error) {
			if mcpNotifier == nil {
				return nil, schema.NewError(schema.ErrCodeDelivery, "mcp notifications are disabled")
			}
			return mcpNotifier.Notify(ctx, msg)
		}),
	}
	if a.nc != nil {
		a.publisher = notify.NewNATSPublisher(a.nc, logger)
		inApp = append(inApp, a.publisher)
	}

	deps := handlers.Deps{
		HTTP:    handlers.NewHTTPCaller(handlers.HTTPConfig{MaxResponseBody: cfg.HTTP.MaxResponseBody}),
		Engines: engines,
		InApp:   inApp,
	}
	if cfg.SMTP.Addr != "" {
		deps.Email = notify.NewSMTPMailer(cfg.SMTP)
	}
	if cfg.SMS.Endpoint != "" {
		deps.SMS = notify.NewSMSGateway(cfg.SMS, &http.Client{Timeout: 15 * time.Second})
	}
	registry, err := handlers.NewDefaultRegistry(deps)
	if err != nil {
		return nil, fmt.Errorf("build handler registry: %w", err)
	}
	if a.validator, err = validation.NewWorkflowValidator(registry); err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	a.scheduler = engine.NewScheduler(a.store, registry, engine.Config{
		PoolSize:       cfg.Engine.PoolSize,
		MaxRunDuration: cfg.Engine.MaxRunDuration,
		MaxBackoff:     cfg.Engine.MaxBackoff,
		Hub:            a.hub,
		Metrics:        a.metrics,
		Tracer:         a.tracer.Tracer("github.com/rendis/calflow/engine"),
		Logger:         logger,
	})
	if err := a.metrics.WatchPool(a.scheduler.Pool); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	a.catalog = catalog.New(a.store, a.validator, a.scheduler, nil, logger)
	a.cron = trigger.NewCronTrigger(a.store, a.catalog, cfg.Engine.CronInterval, logger)
	a.catalog.SetSchedules(a.cron)

	if cfg.MCP.Enabled {
		a.mcp = calmcp.NewServer(calmcp.Deps{
			Catalog:   a.catalog,
			Scheduler: a.scheduler,
			Store:     a.store,
			Logger:    logger,
		})
		mcpNotifier = calmcp.NewMCPNotifier(a.mcp)
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case driverMemory:
		return store.NewMemoryStore(), nil
	case driverPostgres:
		return store.NewPostgresStore(ctx, cfg.Store.DSN)
	default:
		return store.NewLibSQLStore(cfg.Store.DSN)
	}
}

// connectNATS dials nats.url or starts an embedded server when asked.
func (a *app) connectNATS() error {
	url := a.cfg.NATS.URL
	if a.cfg.NATS.Embedded {
		ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoSigs: true, NoLog: true})
		if err != nil {
			return fmt.Errorf("create embedded nats: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return errors.New("embedded nats server not ready")
		}
		a.natsServer = ns
		url = ns.ClientURL()
		a.logger.Info("embedded nats started", slog.String("url", url))
	}
	if url == "" {
		return nil
	}
	nc, err := notify.Connect(url, "calflow")
	if err != nil {
		return err
	}
	a.nc = nc
	return nil
}

// close releases everything newApp acquired, in reverse order.
func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown", slog.String("error", err.Error()))
		}
		cancel()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.natsServer != nil {
		a.natsServer.Shutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close", slog.String("error", err.Error()))
		}
	}
}
