// Command rpcserver serves the example services and registers itself in the coordination store.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lite-rpc/config"
	"lite-rpc/coordinator"
	"lite-rpc/dispatch"
	"lite-rpc/logging"
	"lite-rpc/metrics"
	"lite-rpc/middleware"
	"lite-rpc/registry"
	"lite-rpc/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "rpcserver",
		Short:        "Serve RPC calls and publish this instance for discovery",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Debug)
			if err != nil {
				return errors.Wrap(err, "cannot create logger")
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")
	config.BindFlags(cmd.Flags())
	return cmd
}

func newTable() (*dispatch.Table, error) {
	table := dispatch.NewTable()
	if err := table.Register(&Calculator{}); err != nil {
		return nil, err
	}
	if err := table.Register(&Echo{}); err != nil {
		return nil, err
	}
	return table, nil
}

func newCoordinator(cfg config.Coordinator, logger *zap.Logger) coordinator.Client {
	switch cfg.Kind {
	case config.CoordinatorEtcd:
		return coordinator.NewEtcd(coordinator.EtcdConfig{
			Endpoints:      cfg.Endpoints,
			Username:       cfg.Username,
			Password:       cfg.Password,
			SessionTimeout: cfg.SessionTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
		}, logger)
	case config.CoordinatorMemory:
		return coordinator.NewStore().Client()
	default:
		return nil
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	table, err := newTable()
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(promRegistry)
	if err != nil {
		return errors.Wrap(err, "cannot register metrics")
	}

	opts := []server.Option{
		server.WithAdvertiseAddr(cfg.AdvertiseAddr),
		server.WithMaxConnections(cfg.MaxConnections),
		server.WithConnObserver(collector),
		server.WithMiddleware(
			middleware.RecoverMiddleware(logger),
			middleware.LoggingMiddleware(logger),
			middleware.MetricsMiddleware(collector),
		),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, server.WithMiddleware(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst)))
	}
	if cfg.InvokeTimeout > 0 {
		opts = append(opts, server.WithMiddleware(middleware.TimeOutMiddleware(cfg.InvokeTimeout)))
	}
	if client := newCoordinator(cfg.Coordinator, logger); client != nil {
		reg := registry.New(client, logger,
			registry.WithParentPath(cfg.Coordinator.ParentPath),
			registry.WithNodePrefix(cfg.Coordinator.NodePrefix),
			registry.WithObserver(collector),
		)
		opts = append(opts, server.WithRegistry(reg))
	}

	srv := server.NewServer(table, logger, opts...)
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve("tcp", cfg.ListenAddr)
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-served:
		// Serving failed, e.g. the address is in use. Still release everything below.
		logger.Error("server failed", zap.Error(err))
	}

	err = multierr.Append(err, srv.Shutdown(cfg.ShutdownTimeout))
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err = multierr.Append(err, metricsServer.Shutdown(shutdownCtx))
	}
	return err
}
