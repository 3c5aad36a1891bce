package stitcher

import (
	"time"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
	"github.com/videoforge/stitchd/pkg/store"
)

// writeInterval bounds persisted progress volume for high-frequency ticks
const writeInterval = 2 * time.Second

// Reporter is the single progress writer for one job. Log numbers are a
// gapless sequence resumed from the store's high-water mark, so a retried
// attempt continues where the killed one stopped.
type Reporter struct {
	store       store.Store
	logger      *logging.Logger
	jobID       string
	nextLog     int64
	lastWrite   time.Time
	lastPercent float64
}

// NewReporter creates the reporter for a job, resuming the log sequence
func NewReporter(st store.Store, logger *logging.Logger, jobID string) (*Reporter, error) {
	max, err := st.MaxLogNumber(jobID)
	if err != nil {
		return nil, err
	}

	job, err := st.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	return &Reporter{
		store:       st,
		logger:      logger.WithJob(jobID),
		jobID:       jobID,
		nextLog:     max + 1,
		lastPercent: job.ProgressPercent,
	}, nil
}

// Stage persists a stage-transition entry immediately, bypassing the
// throttle
func (r *Reporter) Stage(stage models.Stage, message string, percent float64) {
	r.write(stage, message, percent, nil)
}

// Tick persists a fine-grained progress entry, dropped when the last
// write was under the throttle interval ago
func (r *Reporter) Tick(stage models.Stage, message string, percent float64, metrics *models.ProgressMetrics) {
	if time.Since(r.lastWrite) < writeInterval {
		return
	}
	r.write(stage, message, percent, metrics)
}

// write appends the entry and mirrors the percent onto the job record.
// Persistence failures are logged and swallowed: losing one telemetry
// update is acceptable, aborting the encode over it is not.
func (r *Reporter) write(stage models.Stage, message string, percent float64, metrics *models.ProgressMetrics) {
	if percent < r.lastPercent {
		percent = r.lastPercent
	}

	entry := &models.ProgressLogEntry{
		JobID:           r.jobID,
		LogNumber:       r.nextLog,
		Timestamp:       time.Now().UTC(),
		Stage:           stage,
		Message:         message,
		ProgressPercent: percent,
		Metrics:         metrics,
	}

	if err := r.store.AppendProgress(entry); err != nil {
		r.logger.Warn("Failed to persist progress entry", map[string]interface{}{
			"log_number": entry.LogNumber,
			"error":      err.Error(),
		})
		return
	}

	r.nextLog++
	r.lastWrite = time.Now()
	r.lastPercent = percent

	if err := r.store.UpdateJobProgress(r.jobID, percent, stage); err != nil {
		r.logger.Warn("Failed to update job progress", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
