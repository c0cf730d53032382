package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autocare-ai/vehicle-health/internal/api"
	"github.com/autocare-ai/vehicle-health/internal/artifacts"
	"github.com/autocare-ai/vehicle-health/internal/cache"
	"github.com/autocare-ai/vehicle-health/internal/config"
	"github.com/autocare-ai/vehicle-health/internal/engine"
	"github.com/autocare-ai/vehicle-health/internal/events"
	"github.com/autocare-ai/vehicle-health/internal/httpapi"
	"github.com/autocare-ai/vehicle-health/internal/ingest"
	"github.com/autocare-ai/vehicle-health/internal/metrics"
	"github.com/autocare-ai/vehicle-health/internal/normalizer"
	"github.com/autocare-ai/vehicle-health/internal/predictor"
	"github.com/autocare-ai/vehicle-health/internal/repo"
	"github.com/autocare-ai/vehicle-health/internal/rules"
	"github.com/autocare-ai/vehicle-health/internal/services"
	"github.com/autocare-ai/vehicle-health/internal/utils"
)

type historyStore interface {
	engine.HistoryStore
	services.HistoryRepo
	Close() error
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting diagnosis-engine", slog.String("address", cfg.Server.Address),
		slog.String("http_address", cfg.Server.HTTPAddress))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ruleSet := rules.DefaultRules()
	if cfg.Rules.Path != "" {
		if ruleSet, err = rules.LoadFile(cfg.Rules.Path); err != nil {
			logger.Error("failed to load rule pack", slog.String("path", cfg.Rules.Path), slog.Any("error", err))
			os.Exit(1)
		}
	}
	evaluator, err := rules.NewEvaluator(ruleSet, cfg.Diagnosis.Ranges)
	if err != nil {
		logger.Error("invalid rule pack", slog.Any("error", err))
		os.Exit(1)
	}

	paths := artifacts.Paths{
		Model:   cfg.Artifacts.Model,
		Scaler:  cfg.Artifacts.Scaler,
		Encoder: cfg.Artifacts.Encoder,
		Columns: cfg.Artifacts.Columns,
		Backend: artifacts.Backend(cfg.Artifacts.Backend),
		ONNX: predictor.ONNXOptions{
			LibraryPath: cfg.Artifacts.ONNXLibrary,
			OutputName:  cfg.Artifacts.ONNXOutput,
			Threads:     cfg.Artifacts.ONNXThreads,
		},
	}
	bundle, err := artifacts.Load(paths)
	if err != nil {
		logger.Error("failed to load model artifacts", slog.Any("error", err))
		os.Exit(1)
	}
	defer bundle.Close()
	logger.Info("artifacts loaded", slog.Int("columns", len(bundle.Columns())),
		slog.Any("labels", bundle.Labels()), slog.Int("rules", evaluator.Rules()))

	var store historyStore
	switch cfg.Store.Driver {
	case "clickhouse":
		chStore, err := repo.NewClickHouseStore(ctx, repo.ClickHouseOptions{
			Addr:        cfg.Store.Addr,
			Database:    cfg.Store.Database,
			Username:    cfg.Store.Username,
			Password:    cfg.Store.Password,
			DialTimeout: cfg.Store.DialTimeout,
		}, logger)
		if err != nil {
			logger.Error("failed to open clickhouse store", slog.Any("error", err))
			os.Exit(1)
		}
		store = chStore
	default:
		store = repo.NewMemoryStore()
	}
	defer store.Close()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		cacheProvider = cache.NewMemoryProvider()
	}
	defer cacheProvider.Close()

	pipelineOpts := []engine.PipelineOption{
		engine.WithStore(store),
		engine.WithBatchWorkers(cfg.Diagnosis.BatchWorkers),
	}
	if cfg.Events.Enabled {
		nc, err := events.Connect(cfg.Events.URL, "diagnosis-engine", logger)
		if err != nil {
			logger.Warn("event bus unavailable, diagnoses will not be announced", slog.Any("error", err))
		} else {
			publisher := events.NewPublisher(nc, cfg.Events.Subject, logger)
			defer publisher.Close()
			pipelineOpts = append(pipelineOpts, engine.WithEvents(publisher))
		}
	}

	pipeline := engine.NewPipeline(
		logger,
		evaluator,
		normalizer.New(bundle, cfg.Diagnosis.Ranges, cfg.Diagnosis.Tolerance),
		bundle.Predictor(),
		engine.NewMerger(cfg.Diagnosis.DisplayThreshold, cfg.Diagnosis.NormalLabels),
		pipelineOpts...,
	)

	diagnosisService := services.NewDiagnosisService(logger, pipeline, store, cacheProvider, services.Options{
		MaxBatchSize:   cfg.Diagnosis.MaxBatchSize,
		LatestTTL:      cfg.Cache.LatestTTL,
		IssuesTTL:      cfg.Cache.IssuesTTL,
		HistoryLimit:   cfg.Patterns.HistoryLimit,
		MinOccurrences: cfg.Patterns.MinOccurrences,
	})

	server, err := api.NewServer(cfg.Server, cfg.Auth.APIKeys, diagnosisService)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var drifted atomic.Bool
	if cfg.Artifacts.WatchDrift {
		go func() {
			err := artifacts.WatchDrift(ctx, logger, paths.Files(), func(path string) {
				if drifted.Swap(true) {
					return
				}
				logger.Warn("model artifact changed on disk; restart to reload", slog.String("path", path))
				metrics.SetArtifactDrift(true)
				server.SetServing(false)
			})
			if err != nil {
				logger.Warn("artifact drift watch stopped", slog.Any("error", err))
			}
		}()
	}

	var httpServer *http.Server
	if cfg.Server.HTTPAddress != "" {
		httpServer = &http.Server{
			Addr: cfg.Server.HTTPAddress,
			Handler: httpapi.NewHandler(diagnosisService, utils.Component(logger, "http"), httpapi.Options{
				APIKeys:      cfg.Auth.APIKeys,
				RateLimit:    cfg.HTTP.RateLimit,
				RateBurst:    cfg.HTTP.RateBurst,
				MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
				Ready:        func() bool { return !drifted.Load() },
			}),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		go func() {
			logger.Info("http gateway listening", slog.String("address", cfg.Server.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http gateway exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var subscriber *ingest.Subscriber
	if cfg.Ingest.Enabled {
		ingestLogger := utils.Component(logger, "ingest")
		client, err := ingest.Connect(ingest.ClientConfig{
			Broker:   cfg.Ingest.Broker,
			ClientID: cfg.Ingest.ClientID,
			Username: cfg.Ingest.Username,
			Password: cfg.Ingest.Password,
		}, ingestLogger)
		if err != nil {
			logger.Warn("live feed unavailable", slog.Any("error", err))
		} else {
			subscriber = ingest.NewSubscriber(client, diagnosisService, ingest.ClientPublisher{Client: client}, cacheProvider, ingest.Config{
				VitalsTopic:    cfg.Ingest.VitalsTopic,
				DiagnosisTopic: cfg.Ingest.DiagnosisTopic,
				AllowDegraded:  cfg.Ingest.AllowDegraded,
				DedupeTTL:      cfg.Cache.DedupeTTL,
			}, ingestLogger)
			if err := subscriber.Start(ctx); err != nil {
				logger.Warn("live feed subscription failed", slog.Any("error", err))
			}
		}
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if subscriber != nil {
		subscriber.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http gateway shutdown", slog.Any("error", err))
		}
	}
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("diagnosis-engine stopped", slog.Duration("p95", diagnosisService.LatencyP95()))
}
