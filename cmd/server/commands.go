package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pht-monitor/api/rest/routes"
	"pht-monitor/config"
	"pht-monitor/core/broadcast"
	"pht-monitor/core/logger"
	"pht-monitor/core/monitoring"
	"pht-monitor/core/repository"
	"pht-monitor/core/tracker"
)

const badgerGCInterval = 5 * time.Minute

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the live update streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides "+config.FileEnv+")")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the relational schema for the sqlite3 or postgres store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(configFile)
			if err != nil {
				return err
			}
			if cfg.Store.Driver == config.DriverBadger {
				log.Info("badger store needs no migration")
				return nil
			}
			store, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			log.WithField("driver", cfg.Store.Driver).Info("schema is up to date")
			return store.Close()
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides "+config.FileEnv+")")
	return cmd
}

func setup(configFile string) (*config.Config, *logrus.Logger, error) {
	if configFile != "" {
		os.Setenv(config.FileEnv, configFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openStore opens the configured backend. Relational backends get their
// schema created on open.
func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (repository.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverBadger:
		return repository.OpenBadger(repository.BadgerConfig{
			Path:           cfg.Store.Path,
			InMemory:       cfg.Store.InMemory,
			GCInterval:     badgerGCInterval,
			GCDiscardRatio: 0.5,
			Logger:         log.WithField("component", "badger"),
		})
	case config.DriverSQLite, config.DriverPostgres:
		db, err := repository.NewDB(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// buildRouter wires the tracker, its hub and the metrics endpoint into a router
func buildRouter(cfg *config.Config, store repository.Store, log logrus.FieldLogger) (*mux.Router, *broadcast.Hub) {
	var sink monitoring.Sink = monitoring.NewNoopSink()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		sink = monitoring.NewPrometheusSink(reg, log)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	overflow, _ := broadcast.ParseOverflowPolicy(cfg.Hub.Overflow)
	hub := broadcast.NewHub(broadcast.Config{
		BufferSize: cfg.Hub.BufferSize,
		Overflow:   overflow,
	}, sink, log)

	svc := tracker.New(store, hub, tracker.Config{
		MaxLogLength:      cfg.Events.MaxLogLength,
		StrictTransitions: cfg.Jobs.StrictTransitions,
		EnforceRoute:      cfg.Jobs.EnforceRoute,
	}, sink, log)

	r := mux.NewRouter()
	routes.SetupRoutes(r, svc, routes.Options{
		PingInterval:   cfg.Hub.PingInterval,
		MetricsPath:    cfg.Metrics.Path,
		MetricsHandler: metricsHandler,
		Log:            log,
	})
	return r, hub
}

func serve(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	log.WithField("driver", cfg.Store.Driver).Info("store opened")

	r, hub := buildRouter(cfg, store, log)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("starting server")
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var result *multierror.Error
	select {
	case <-ctx.Done():
		log.Info("shutting down server")
	case err := <-serverErr:
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("server: %w", err))
		}
	}

	// streams stay open until the hub closes their subscriptions
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown: %w", err))
	}
	if err := store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close store: %w", err))
	}

	log.Info("server exited")
	return result.ErrorOrNil()
}
