package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/offsync/offsync/datasync"
	"github.com/offsync/offsync/query"
	"github.com/offsync/offsync/remote"
	"github.com/offsync/offsync/store/sqlite"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := datasync.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("store", cfg.Store.Path),
		zap.String("remote", cfg.Remote.BaseURL),
		zap.Int("tables", len(cfg.Tables)))

	localStore, err := sqlite.Open(sqlite.Config{
		Path:           cfg.Store.Path,
		BusyTimeout:    cfg.Store.BusyTimeoutMs,
		JournalMode:    cfg.Store.JournalMode,
		MaxConnections: cfg.Store.MaxConnections,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer localStore.Close()

	clientOpts := []remote.Option{
		remote.WithLogger(logger),
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.RequestTimeout}),
	}
	for k, v := range cfg.Remote.Headers {
		clientOpts = append(clientOpts, remote.WithHeader(k, v))
	}
	client, err := remote.NewClient(cfg.Remote.BaseURL, clientOpts...)
	if err != nil {
		logger.Fatal("Failed to create remote client", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	sc := datasync.NewSyncContext(localStore, client,
		datasync.WithLogger(logger),
		datasync.WithConfig(cfg),
		datasync.WithMetricsRegistry(registry))
	if err := sc.Initialize(context.Background()); err != nil {
		logger.Fatal("Failed to initialize sync context", zap.Error(err))
	}

	scheduler := datasync.NewScheduler(sc)
	for _, table := range cfg.Tables {
		schema, err := table.Schema()
		if err != nil {
			logger.Fatal("Invalid table declaration", zap.Error(err))
		}
		if err := sc.DefineTable(context.Background(), table.Name, schema); err != nil {
			logger.Fatal("Failed to define table",
				zap.String("table", table.Name), zap.Error(err))
		}
		if table.Sync {
			scheduler.RegisterQuery(query.New(table.Name), datasync.PullOptions{})
		}
	}

	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(); err != nil {
			logger.Fatal("Failed to start sync scheduler", zap.Error(err))
		}
		defer scheduler.Stop()
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			logger.Info("Metrics endpoint listening",
				zap.String("addr", addr), zap.String("path", cfg.Metrics.Path))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")
}

// initLogger initializes the zap logger
func initLogger(cfg datasync.LoggingConfig) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	config.Level = level
	if cfg.Format == "console" {
		config.Encoding = "console"
	}
	return config.Build()
}
