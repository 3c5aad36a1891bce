package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/videoforge/stitchd/pkg/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
)

// DuplicateJobError is returned by CreateJob when an active job already
// exists for the same target fingerprint. It carries the existing job's
// id so the caller can point the client at it.
type DuplicateJobError struct {
	ExistingJobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("active job already exists: %s", e.ExistingJobID)
}

// Store defines the checkpoint store and progress log persistence.
// Both SQLite and the in-memory implementation satisfy it.
//
// Concurrency contract: many concurrent readers; one progress writer
// per job (the job body) plus one status writer (the orchestrator).
type Store interface {
	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetAllJobs() []*models.Job
	GetActiveJobs() ([]*models.Job, error)
	DeleteJob(id string) error

	// Status transitions. UpdateJobStatus validates the transition
	// against the FSM and rejects any write out of a terminal state.
	UpdateJobStatus(id string, status models.JobStatus, jobErr *models.JobError) error
	UpdateJobProgress(id string, percent float64, stage models.Stage) error
	SetOutputRef(id string, ref *models.AssetReference) error
	SaveStageData(id string, data *models.StageData) error
	RequeueForRetry(id string) error

	// Cancellation flag, observed cooperatively by the job body.
	RequestCancel(id string) (bool, error)

	// Progress log. Entries are child records of the job keyed by
	// (job_id, log_number); AppendProgress rejects duplicates.
	AppendProgress(entry *models.ProgressLogEntry) error
	ListProgress(jobID string, since int64, limit int) ([]*models.ProgressLogEntry, error)
	MaxLogNumber(jobID string) (int64, error)

	// Retention: terminal jobs completed before cutoff, for purging.
	GetTerminalJobsBefore(cutoff time.Time) ([]*models.Job, error)

	// Lifecycle
	Close() error
}
