package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/videoforge/stitchd/pkg/api"
	"github.com/videoforge/stitchd/pkg/cleanup"
	"github.com/videoforge/stitchd/pkg/config"
	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/metrics"
	"github.com/videoforge/stitchd/pkg/models"
	"github.com/videoforge/stitchd/pkg/orchestrator"
	"github.com/videoforge/stitchd/pkg/shutdown"
	"github.com/videoforge/stitchd/pkg/store"
)

// maxLogFileSize triggers rotation of the daemon log
const maxLogFileSize = 100 << 20

func main() {
	cfgFile := flag.String("config", "", "Config file path (default: ./config.yaml, /etc/stitchd/config.yaml)")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	logger, err := logging.NewFileLogger("stitchd", logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("Starting stitchd", map[string]interface{}{
		"listen":      cfg.ListenAddr,
		"db":          cfg.DatabasePath,
		"max_retries": cfg.MaxRetries,
	})

	dataStore, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open checkpoint store", map[string]interface{}{"error": err.Error()})
	}

	exporter := metrics.NewExporter(dataStore)

	var dispatcher orchestrator.Dispatcher
	if cfg.ExecutorEndpoint != "" {
		logger.Info("Using remote execution service", map[string]interface{}{"endpoint": cfg.ExecutorEndpoint})
		dispatcher = orchestrator.NewHTTPDispatcher(cfg.ExecutorEndpoint)
	} else {
		logger.Info("Using local subprocess executor", map[string]interface{}{"binary": cfg.RunnerBinary})
		dispatcher = orchestrator.NewProcessDispatcher(cfg.RunnerBinary, []string{
			"STITCHD_DATABASE_PATH=" + cfg.DatabasePath,
		}, logger)
	}

	base := dispatcher
	dispatcher = orchestrator.DispatchFunc(func(ctx context.Context, job *models.Job) error {
		err := base.Dispatch(ctx, job)
		if err != nil {
			exporter.RecordDispatch("error")
		} else {
			exporter.RecordDispatch("ok")
		}
		return err
	})

	orch := orchestrator.New(dataStore, dispatcher, logger, orchestrator.Config{
		MaxRetries: cfg.MaxRetries,
		JobTimeout: cfg.JobTimeout,
	})

	handler := api.NewHandler(orch, logger)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", exporter).Methods("GET")
		metricsSrv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics server listening", map[string]interface{}{"addr": cfg.MetricsAddr})
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	cleaner := cleanup.NewManager(cleanup.Config{
		Enabled:         true,
		RetentionDays:   cfg.RetentionDays,
		CleanupInterval: 1 * time.Hour,
		VacuumInterval:  24 * time.Hour,
		DeleteBatchSize: 100,
	}, dataStore, logger)
	cleaner.Start()

	mgr := shutdown.New(30 * time.Second)

	// Reconciliation: fail jobs the execution platform lost past their
	// wall-clock budget, then re-dispatch within the retry budget. The
	// sweep doubles as the log rotation check.
	reconcileCtx, reconcileCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-mgr.Done():
				return
			case <-ticker.C:
				orch.Reconcile(reconcileCtx)
				orch.RetryFailed(reconcileCtx)
				exporter.RecordReconcileSweep()
				if err := logger.RotateIfNeeded(maxLogFileSize); err != nil {
					logger.Warn("Log rotation failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()

	// Registered in reverse stop order: LIFO shutdown stops the HTTP
	// servers first and closes the logger last.
	mgr.Register(shutdown.CloseResource(logger, "logger"))
	mgr.Register(shutdown.CloseResource(dataStore, "checkpoint store"))
	mgr.Register(func(ctx context.Context) error {
		reconcileCancel()
		cleaner.Stop()
		return nil
	})
	if metricsSrv != nil {
		mgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))
	}
	mgr.Register(shutdown.StopHTTPServer(srv, "api"))

	go func() {
		logger.Info("API server listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	mgr.Wait()
	mgr.Shutdown()
}
