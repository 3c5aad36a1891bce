// stitchrun is the job body entrypoint. It runs one job to a terminal
// state inside its compute unit and exits. All retry decisions belong to
// the orchestrator; a non-zero exit here only reports the recorded cause.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/videoforge/stitchd/pkg/assets"
	"github.com/videoforge/stitchd/pkg/config"
	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/signing"
	"github.com/videoforge/stitchd/pkg/stitcher"
	"github.com/videoforge/stitchd/pkg/store"
)

func main() {
	jobID := flag.String("job-id", "", "Job to execute (required)")
	cfgFile := flag.String("config", "", "Config file path")
	flag.Parse()

	if *jobID == "" {
		log.Fatal("--job-id is required")
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewFileLogger("stitchrun", logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	dataStore, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open checkpoint store", map[string]interface{}{"error": err.Error()})
	}
	defer dataStore.Close()

	ctx := context.Background()

	var assetStore assets.Store
	if cfg.AssetRoot != "" {
		assetStore, err = assets.NewFilesystemStore(cfg.AssetRoot)
	} else {
		var gcs *assets.GCSStore
		gcs, err = assets.NewGCSStore(ctx)
		if err == nil {
			defer gcs.Close()
			assetStore = gcs
		}
	}
	if err != nil {
		logger.Fatal("Failed to open asset store", map[string]interface{}{"error": err.Error()})
	}

	broker := signing.NewDefaultBroker(logger, cfg.ServiceAccountOverride, cfg.CredentialsFile)

	runner := stitcher.New(dataStore, assetStore, broker, logger, stitcher.Config{
		FFmpegBinary:     cfg.FFmpegBinary,
		FFprobeBinary:    cfg.FFprobeBinary,
		ScratchRoot:      cfg.ScratchRoot,
		OutputBucket:     cfg.OutputBucket,
		OutputPrefix:     cfg.OutputPrefix,
		MinFreeDiskBytes: cfg.MinFreeDiskBytes,
		SignTTL:          cfg.SignTTL,
	})

	// The platform sends SIGTERM before a hard kill. Stage data is
	// checkpointed continuously, so the right response is to stop now
	// and let the orchestrator's retry resume from the checkpoint.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		logger.Warn("Signal received, exiting; checkpointed state allows resume", map[string]interface{}{
			"job_id": *jobID,
			"signal": sig.String(),
		})
		os.Exit(1)
	}()

	if err := runner.Run(ctx, *jobID); err != nil {
		logger.Error("Job failed", map[string]interface{}{
			"job_id": *jobID,
			"error":  err.Error(),
		})
		os.Exit(1)
	}
}
