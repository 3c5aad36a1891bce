// Package orchestrator owns the job lifecycle: exactly-once trigger per
// target fingerprint, dispatch to the execution service, cancellation,
// and reconciliation of jobs the execution platform lost.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
	"github.com/videoforge/stitchd/pkg/retry"
	"github.com/videoforge/stitchd/pkg/store"
)

// Config holds orchestrator tuning knobs
type Config struct {
	// MaxRetries bounds whole-job restart attempts
	MaxRetries int
	// JobTimeout is the wall-clock budget the execution platform enforces.
	// Jobs running past it are reconciled to failed.
	JobTimeout time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		JobTimeout: 15 * time.Minute,
	}
}

// Orchestrator coordinates job records in the checkpoint store with the
// external execution service that actually runs job bodies
type Orchestrator struct {
	store      store.Store
	dispatcher Dispatcher
	logger     *logging.Logger
	cfg        Config
}

// New creates an orchestrator
func New(st store.Store, dispatcher Dispatcher, logger *logging.Logger, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 15 * time.Minute
	}
	return &Orchestrator{
		store:      st,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
	}
}

// Trigger creates a job for the fingerprint and hands it to the execution
// service. Creation and the active-job dedup check happen in one atomic
// store operation, so concurrent triggers for the same fingerprint resolve
// to exactly one created job; the rest receive store.DuplicateJobError
// carrying the winner's id.
func (o *Orchestrator) Trigger(ctx context.Context, req *models.TriggerRequest) (*models.JobHandle, error) {
	if req.TargetFingerprint == "" {
		return nil, models.NewJobError(models.ErrCodeInvalidInput, "target_fingerprint is required")
	}
	if len(req.InputRefs) == 0 {
		return nil, models.NewJobError(models.ErrCodeInsufficientInputs, "at least one input is required")
	}

	job := &models.Job{
		ID:                uuid.New().String(),
		TargetFingerprint: req.TargetFingerprint,
		Status:            models.JobStatusQueued,
		CurrentStage:      models.StageValidation,
		InputRefs:         req.InputRefs,
		Params:            req.Params,
		CreatedAt:         time.Now().UTC(),
	}

	if err := o.store.CreateJob(job); err != nil {
		return nil, err
	}

	o.logger.Info("Job created", map[string]interface{}{
		"job_id":      job.ID,
		"fingerprint": job.TargetFingerprint,
		"inputs":      len(job.InputRefs),
	})

	// The record is visible as queued before dispatch returns, so a client
	// polling right after trigger always finds it.
	if err := o.dispatch(ctx, job); err != nil {
		// Roll back so the phantom record does not block future triggers
		jobErr := models.NewJobError(models.ErrCodeDispatchError, "execution service unreachable: %v", err)
		if stErr := o.store.UpdateJobStatus(job.ID, models.JobStatusFailed, jobErr); stErr != nil {
			o.logger.Error("Failed to roll back undispatched job", map[string]interface{}{
				"job_id": job.ID,
				"error":  stErr.Error(),
			})
		}
		return nil, jobErr
	}

	return &models.JobHandle{JobID: job.ID, Status: job.Status}, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, job *models.Job) error {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialBackoff = 500 * time.Millisecond

	return retry.Do(ctx, cfg, func() error {
		return o.dispatcher.Dispatch(ctx, job)
	})
}

// GetStatus returns the job record
func (o *Orchestrator) GetStatus(jobID string) (*models.Job, error) {
	return o.store.GetJob(jobID)
}

// ListJobs returns every job record in the store
func (o *Orchestrator) ListJobs() ([]*models.Job, error) {
	return o.store.GetAllJobs(), nil
}

// ListProgress returns progress entries after the cursor, the current job
// record, and whether more entries exist beyond the returned page
func (o *Orchestrator) ListProgress(jobID string, since int64, limit int) ([]*models.ProgressLogEntry, *models.Job, bool, error) {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, nil, false, err
	}

	entries, err := o.store.ListProgress(jobID, since, limit)
	if err != nil {
		return nil, nil, false, err
	}

	hasMore := false
	if len(entries) > 0 {
		maxLog, err := o.store.MaxLogNumber(jobID)
		if err != nil {
			return nil, nil, false, err
		}
		hasMore = entries[len(entries)-1].LogNumber < maxLog
	}

	return entries, job, hasMore, nil
}

// Cancel requests cooperative cancellation. Returns false when the job is
// already terminal. The running job body observes the flag at its next
// stage boundary; nothing is killed preemptively.
func (o *Orchestrator) Cancel(jobID string) (bool, error) {
	accepted, err := o.store.RequestCancel(jobID)
	if err != nil {
		return false, err
	}
	if accepted {
		o.logger.Info("Cancellation requested", map[string]interface{}{"job_id": jobID})
	}
	return accepted, nil
}

// Reconcile sweeps active jobs and fails any that outlived the execution
// platform's wall-clock timeout, then re-dispatches timed-out jobs that
// still have retry budget. Run periodically by the daemon.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	active, err := o.store.GetActiveJobs()
	if err != nil {
		o.logger.Error("Reconcile: failed to list active jobs", map[string]interface{}{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	for _, job := range active {
		start := job.CreatedAt
		if job.StartedAt != nil {
			start = *job.StartedAt
		}
		if now.Sub(start) <= o.cfg.JobTimeout {
			continue
		}

		o.logger.Warn("Reconcile: job exceeded wall-clock timeout", map[string]interface{}{
			"job_id":  job.ID,
			"status":  string(job.Status),
			"elapsed": now.Sub(start).String(),
		})

		jobErr := models.NewJobError(models.ErrCodeTimeout,
			"job exceeded %s wall-clock timeout", o.cfg.JobTimeout)
		if err := o.store.UpdateJobStatus(job.ID, models.JobStatusFailed, jobErr); err != nil {
			o.logger.Error("Reconcile: failed to mark job timed out", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
			continue
		}

		o.maybeRetry(ctx, job.ID)
	}
}

// maybeRetry re-dispatches a failed job when its error is retryable and
// the retry budget is not exhausted. Retry decisions live here, one level
// above the job body, which never retries itself.
func (o *Orchestrator) maybeRetry(ctx context.Context, jobID string) {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return
	}
	if job.Status != models.JobStatusFailed {
		return
	}
	if job.Error != nil && !job.Error.Retryable() {
		return
	}
	if job.RetryCount >= o.cfg.MaxRetries {
		o.logger.Warn("Retry budget exhausted", map[string]interface{}{
			"job_id":      job.ID,
			"retry_count": job.RetryCount,
			"max_retries": o.cfg.MaxRetries,
		})
		return
	}

	if err := o.store.RequeueForRetry(job.ID); err != nil {
		o.logger.Error("Failed to requeue job for retry", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return
	}

	requeued, err := o.store.GetJob(job.ID)
	if err != nil {
		return
	}

	o.logger.Info("Re-dispatching job", map[string]interface{}{
		"job_id":  job.ID,
		"attempt": fmt.Sprintf("%d/%d", requeued.RetryCount, o.cfg.MaxRetries),
	})

	if err := o.dispatch(ctx, requeued); err != nil {
		jobErr := models.NewJobError(models.ErrCodeDispatchError, "re-dispatch failed: %v", err)
		if stErr := o.store.UpdateJobStatus(job.ID, models.JobStatusFailed, jobErr); stErr != nil {
			o.logger.Error("Failed to fail undispatched retry", map[string]interface{}{
				"job_id": job.ID,
				"error":  stErr.Error(),
			})
		}
	}
}

// RetryFailed sweeps failed jobs with remaining budget and retryable causes
// and re-dispatches them. Complements Reconcile for failures recorded by
// the job body itself (resource exhaustion, encode crashes).
func (o *Orchestrator) RetryFailed(ctx context.Context) {
	for _, job := range o.store.GetAllJobs() {
		if job.Status != models.JobStatusFailed {
			continue
		}
		if job.Error != nil && !job.Error.Retryable() {
			continue
		}
		if job.RetryCount >= o.cfg.MaxRetries {
			continue
		}
		o.maybeRetry(ctx, job.ID)
	}
}
