package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"genesync/internal/assets"
	"genesync/internal/blob"
	"genesync/internal/config"
	"genesync/internal/core"
	"genesync/internal/extract"
	"genesync/internal/logging"
	"genesync/internal/source"
	"genesync/pkg/domain"
)

// app holds the wired process for the lifetime of one command.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   domain.CatalogStore
	assets  *assets.Synchronizer
	service *core.Service
	// metricsAddr is the bound metrics listener address, empty when disabled.
	metricsAddr string
	stopMetrics func()
}

// withApp wires the process, runs fn and tears everything down.
func withApp(ctx context.Context, opts *options, fn func(context.Context, *app) error) error {
	a, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()
	if err := fn(ctx, a); err != nil {
		a.log.Error("command failed", zap.Error(err))
		return err
	}
	return nil
}

func setup(ctx context.Context, opts *options) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if opts.verbose {
		level = "debug"
	}
	log, err := logging.New(level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	a, err := wire(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		_ = log.Sync()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	client, err := source.New(source.Config{
		Origin:            cfg.Source.Origin,
		UserAgent:         cfg.Source.UserAgent,
		Timeout:           cfg.Source.Timeout,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Burst:             cfg.Source.Burst,
		Logger:            log.Named("source"),
	})
	if err != nil {
		return nil, err
	}
	ex, err := extract.New(client.Origin())
	if err != nil {
		return nil, err
	}
	blobs, err := blob.Open(ctx, cfg.Assets)
	if err != nil {
		return nil, fmt.Errorf("open asset store: %w", err)
	}

	pg := cfg.Storage.Postgres
	store, err := core.OpenCatalogStore(ctx, core.StorageConfig{
		Driver:     core.StorageDriver(cfg.Storage.Driver),
		SQLitePath: cfg.Storage.SQLitePath,
		MemorySeed: cfg.Storage.MemorySeed,
		Postgres: core.PostgresConfig{
			DSN:          pg.DSN,
			Host:         pg.Host,
			Port:         pg.Port,
			User:         pg.User,
			Password:     pg.Password,
			Database:     pg.Database,
			SSLMode:      pg.SSLMode,
			MaxOpenConns: pg.MaxOpenConns,
		},
		Migrate: cfg.Storage.Migrate,
		Logger:  log.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := core.NewPrometheusMetrics(reg)

	syncer := assets.NewSynchronizer(blobs, client, log.Named("assets"))
	a := &app{
		cfg:         cfg,
		log:         log,
		store:       store,
		assets:      syncer,
		stopMetrics: func() {},
		service: core.NewService(store, client, ex, syncer,
			core.WithLogger(log),
			core.WithMetrics(metrics),
			core.WithConcurrency(cfg.Loop.Concurrency),
			core.WithInterval(cfg.Loop.Interval),
		),
	}
	if cfg.Metrics.Addr != "" {
		addr, stop, err := serveMetrics(cfg.Metrics.Addr, reg, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.metricsAddr, a.stopMetrics = addr, stop
		log.Info("metrics listener started", zap.String("addr", addr))
	}
	log.Info("genesync configured",
		zap.String("source", client.Origin()),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("assets", cfg.Assets.Driver))
	return a, nil
}

func (a *app) close() {
	a.stopMetrics()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close catalog store", zap.Error(err))
	}
	_ = a.log.Sync()
}

// serveMetrics binds addr and serves /metrics until the returned stop is
// called. Binding errors are returned so a bad address fails startup.
func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener stopped", zap.Error(err))
		}
	}()
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}
	return ln.Addr().String(), stop, nil
}
