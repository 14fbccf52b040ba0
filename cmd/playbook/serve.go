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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the MCP tools, sweep approval timeouts and expose /metrics",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := resolveConfig(command)
			if err != nil {
				return err
			}

			level := new(slog.LevelVar)
			level.Set(logging.ParseLevel(cfg.LogLevel))
			logger := logging.NewLeveled(os.Stderr, level, cfg.LogFormat)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Error("shutdown", slog.Any("error", err))
				}
			}()

			sweeper, err := scheduler.NewSweeper(a.orch, cfg.SweepSchedule,
				scheduler.WithLogger(logging.WithModule(logger, "scheduler")))
			if err != nil {
				return err
			}
			if err := sweeper.Start(ctx); err != nil {
				return err
			}
			defer sweeper.Stop()

			go watchReload(ctx, command, cfg, level, logger)

			logger.Info("playbook started",
				slog.String("version", version),
				slog.String("transport", cfg.Transport),
				slog.String("db_driver", cfg.DBDriver),
				slog.String("notifier", cfg.Notifier),
				slog.Int("services", len(a.services.List())))

			if cfg.MetricsAddr != "" {
				metricsSrv := newHTTPServer(cfg.MetricsAddr, metricsMux(a.metrics))
				go runHTTP(ctx, metricsSrv, logger.With(slog.String("listener", "metrics")))
			}

			if cfg.Transport == "stdio" {
				return a.server.Serve(ctx)
			}
			return serveSSE(ctx, a, logger)
		},
	}
}

// serveSSE serves the MCP SSE transport, /healthz and, unless a separate
// metrics address is configured, /metrics on the listen address.
func serveSSE(ctx context.Context, a *app, logger *slog.Logger) error {
	sse := a.server.SSEHandler(a.cfg.BaseURL)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "ok")
	})
	if a.cfg.MetricsAddr == "" {
		mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", sse)

	srv := newHTTPServer(a.cfg.ListenAddr, mux)
	logger.Info("listening", slog.String("addr", a.cfg.ListenAddr), slog.String("base_url", a.cfg.BaseURL))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sse.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sse shutdown", slog.Any("error", err))
	}
	return srv.Shutdown(shutdownCtx)
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// runHTTP serves srv until ctx is done.
func runHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("listening", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", slog.Any("error", err))
	}
}

// watchReload re-reads the configuration on SIGHUP. The log level applies
// immediately; every other change is reported as needing a restart.
func watchReload(ctx context.Context, command *cli.Command, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next, err := resolveConfig(command)
		if err != nil {
			logger.Error("reload config", slog.Any("error", err))
			continue
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("config changes need a restart", slog.Any("fields", d.RestartNeeded))
		}
		current.LogLevel = next.LogLevel
	}
}
