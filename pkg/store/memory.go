package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/videoforge/stitchd/pkg/models"
)

// MemoryStore is an in-memory implementation of the checkpoint store,
// used for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*models.Job
	progress map[string][]*models.ProgressLogEntry
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		progress: make(map[string][]*models.ProgressLogEntry),
	}
}

func copyJob(job *models.Job) *models.Job {
	c := *job
	return &c
}

// CreateJob adds a new job, enforcing the one-active-job-per-fingerprint
// invariant under the store lock.
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.TargetFingerprint == job.TargetFingerprint && models.IsActiveState(existing.Status) {
			return &DuplicateJobError{ExistingJobID: existing.ID}
		}
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// GetAllJobs returns all jobs, newest first
func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs
}

// GetActiveJobs returns jobs in a non-terminal state
func (s *MemoryStore) GetActiveJobs() ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if models.IsActiveState(job.Status) {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// UpdateJobStatus transitions a job's status with FSM validation
func (s *MemoryStore) UpdateJobStatus(id string, status models.JobStatus, jobErr *models.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if err := models.ValidateTransition(job.Status, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	job.Status = status
	switch {
	case status == models.JobStatusRunning:
		job.StartedAt = &now
		job.Error = nil
	case models.IsTerminalState(status):
		job.CompletedAt = &now
		job.Error = jobErr
	default:
		job.Error = jobErr
	}
	return nil
}

// UpdateJobProgress updates the progress percentage and stage label.
// Only running jobs accept progress writes; like the SQLite store's
// guarded UPDATE, anything else reports ErrJobNotFound.
func (s *MemoryStore) UpdateJobProgress(id string, percent float64, stage models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobStatusRunning {
		return ErrJobNotFound
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > job.ProgressPercent {
		job.ProgressPercent = percent
	}
	job.CurrentStage = stage
	return nil
}

// SetOutputRef records the uploaded output's locator
func (s *MemoryStore) SetOutputRef(id string, ref *models.AssetReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	r := *ref
	job.OutputRef = &r
	return nil
}

// SaveStageData persists the resumable checkpoint blob
func (s *MemoryStore) SaveStageData(id string, data *models.StageData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	d := *data
	job.StageData = &d
	return nil
}

// RequeueForRetry resets a failed job to queued with retry_count+1
func (s *MemoryStore) RequeueForRetry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusFailed {
		return fmt.Errorf("cannot requeue job in status: %s", job.Status)
	}
	job.Status = models.JobStatusQueued
	job.RetryCount++
	job.Error = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.CancelRequested = false
	return nil
}

// RequestCancel sets the cooperative cancellation flag
func (s *MemoryStore) RequestCancel(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if models.IsTerminalState(job.Status) {
		return false, nil
	}
	job.CancelRequested = true
	return true, nil
}

// AppendProgress inserts one progress log entry
func (s *MemoryStore) AppendProgress(entry *models.ProgressLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.progress[entry.JobID] {
		if e.LogNumber == entry.LogNumber {
			return fmt.Errorf("duplicate log_number %d for job %s", entry.LogNumber, entry.JobID)
		}
	}
	e := *entry
	s.progress[entry.JobID] = append(s.progress[entry.JobID], &e)
	return nil
}

// ListProgress returns entries with log_number > since, oldest first
func (s *MemoryStore) ListProgress(jobID string, since int64, limit int) ([]*models.ProgressLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	entries := append([]*models.ProgressLogEntry(nil), s.progress[jobID]...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].LogNumber < entries[j].LogNumber })

	var out []*models.ProgressLogEntry
	for _, e := range entries {
		if e.LogNumber <= since {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MaxLogNumber returns the highest log_number written for a job, or 0
func (s *MemoryStore) MaxLogNumber(jobID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for _, e := range s.progress[jobID] {
		if e.LogNumber > max {
			max = e.LogNumber
		}
	}
	return max, nil
}

// GetTerminalJobsBefore returns terminal jobs completed before cutoff
func (s *MemoryStore) GetTerminalJobsBefore(cutoff time.Time) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if models.IsTerminalState(job.Status) && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			jobs = append(jobs, copyJob(job))
		}
	}
	return jobs, nil
}

// DeleteJob removes a job and its progress log entries
func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	delete(s.progress, id)
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
