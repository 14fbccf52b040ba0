package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/metrics"
	"github.com/rendis/playbook/internal/notify"
	"github.com/rendis/playbook/internal/services"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/internal/tracing"
	"github.com/rendis/playbook/internal/validation"
	playbookmcp "github.com/rendis/playbook/pkg/mcp"
)

// app is one wired engine process.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	services  *services.Registry
	validator *validation.Validator
	orch      *engine.Orchestrator
	server    *playbookmcp.PlaybookServer
	metrics   *prometheus.Registry

	closers []func(context.Context) error
}

// newApp opens the store and wires the orchestrator, its notifiers and the
// MCP server. The caller must Close the app.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	tracer := tracing.Tracer()
	if cfg.OTLPEndpoint != "" {
		shutdown, err := tracing.Setup(ctx, "playbook", cfg.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		a.closers = append(a.closers, shutdown)
		tracer = tracing.Tracer()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	reg, err := newServiceRegistry(cfg)
	if err != nil {
		return nil, err
	}
	a.services = reg

	policies := engine.NewPolicyRegistry()
	v, err := validation.New(validation.WithServices(reg), validation.WithPolicies(policies))
	if err != nil {
		return nil, err
	}
	a.validator = v

	hub := streaming.NewMemoryHub()
	a.server = playbookmcp.NewPlaybookServer(playbookmcp.PlaybookServerDeps{
		Validator:   v,
		Definitions: st,
		Services:    reg,
		Hub:         hub,
		Logger:      logging.WithModule(logger, "mcp"),
	})
	a.closers = append(a.closers, func(context.Context) error {
		a.server.Close()
		return nil
	})

	fallback, closeNotifier, err := newNotifier(cfg, logging.WithModule(logger, "notify"))
	if err != nil {
		return nil, err
	}
	if closeNotifier != nil {
		a.closers = append(a.closers, func(context.Context) error { return closeNotifier() })
	}
	notifier := &notify.Mux{
		Routes:  map[string]engine.Notifier{"mcp": playbookmcp.NewMCPNotifier(a.server)},
		Default: fallback,
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer := metrics.NewCollector(a.metrics)

	orch, err := engine.NewOrchestrator(st, reg, engine.Config{
		PoolSize:       cfg.PoolSize,
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         logger,
		Notifier:       notifier,
		Policies:       policies,
		Observer:       observer,
		Hub:            hub,
		Tracer:         tracer,
	})
	if err != nil {
		return nil, err
	}
	a.orch = orch
	a.closers = append(a.closers, func(context.Context) error {
		orch.Shutdown()
		return nil
	})
	metrics.RegisterPool(a.metrics, orch.PoolMetrics)
	a.server.SetEngine(orch)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.DBDriver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		return migrate(ctx, pg)
	default:
		if path, ok := strings.CutPrefix(cfg.DBDSN, "file:"); ok {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		ls, err := store.NewLibSQLStore(cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		return migrate(ctx, ls)
	}
}

func migrate(ctx context.Context, st store.Store) (store.Store, error) {
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func newServiceRegistry(cfg Config) (*services.Registry, error) {
	reg := services.NewRegistry()
	if err := services.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	if cfg.ServicesFile != "" {
		if _, err := services.LoadFile(reg, cfg.ServicesFile); err != nil {
			return nil, fmt.Errorf("services: %w", err)
		}
	}
	return reg, nil
}

// newNotifier builds the notifier for non-MCP channels and its closer.
func newNotifier(cfg Config, logger *slog.Logger) (engine.Notifier, func() error, error) {
	switch cfg.Notifier {
	case "gochannel":
		n := notify.NewPubSubNotifier(notify.NewGoChannel(logger, 256), logger)
		return n, n.Close, nil
	case "kafka":
		pub, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka notifier: %w", err)
		}
		n := notify.NewPubSubNotifier(pub, logger)
		return n, n.Close, nil
	default:
		return notify.LogNotifier{Logger: logger}, nil, nil
	}
}
