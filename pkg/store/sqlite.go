package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/videoforge/stitchd/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the checkpoint store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string for concurrent access:
	// - _journal_mode=WAL: readers don't block the single writer
	// - _busy_timeout=10000: wait up to 10 seconds when locked
	// - _txlock=immediate: take the write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize writes to avoid SQLITE_BUSY under concurrent triggers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		target_fingerprint TEXT NOT NULL,
		status TEXT NOT NULL,
		progress_percent REAL NOT NULL DEFAULT 0,
		current_stage TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		input_refs TEXT,
		output_ref TEXT,
		params TEXT,
		error_code TEXT,
		error_message TEXT,
		stage_data TEXT,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS progress_logs (
		job_id TEXT NOT NULL,
		log_number INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		stage TEXT NOT NULL,
		message TEXT,
		progress_percent REAL NOT NULL,
		metrics TEXT,
		PRIMARY KEY (job_id, log_number)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(target_fingerprint, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob inserts a new job after checking the active-job invariant.
// The check and insert run in one immediate transaction so two
// concurrent triggers for the same fingerprint cannot both succeed.
func (s *SQLiteStore) CreateJob(job *models.Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE target_fingerprint = ? AND status IN (?, ?)
		LIMIT 1
	`, job.TargetFingerprint, models.JobStatusQueued, models.JobStatusRunning).Scan(&existingID)
	if err == nil {
		return &DuplicateJobError{ExistingJobID: existingID}
	}
	if err != sql.ErrNoRows {
		return err
	}

	inputs, err := json.Marshal(job.InputRefs)
	if err != nil {
		return fmt.Errorf("failed to marshal input_refs: %w", err)
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO jobs
		(id, target_fingerprint, status, progress_percent, current_stage, retry_count,
		 input_refs, params, cancel_requested, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, job.ID, job.TargetFingerprint, job.Status, job.ProgressPercent, job.CurrentStage,
		job.RetryCount, string(inputs), string(params), job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*models.Job, error) {
	var job models.Job
	var inputsJSON, outputJSON, paramsJSON, stageDataJSON sql.NullString
	var errCode, errMsg, stage sql.NullString
	var cancelRequested int
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.TargetFingerprint, &job.Status, &job.ProgressPercent,
		&stage, &job.RetryCount, &inputsJSON, &outputJSON, &paramsJSON,
		&errCode, &errMsg, &stageDataJSON, &cancelRequested,
		&job.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	if stage.Valid {
		job.CurrentStage = models.Stage(stage.String)
	}
	if inputsJSON.Valid && inputsJSON.String != "" && inputsJSON.String != "null" {
		if err := json.Unmarshal([]byte(inputsJSON.String), &job.InputRefs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input_refs: %w", err)
		}
	}
	if outputJSON.Valid && outputJSON.String != "" && outputJSON.String != "null" {
		job.OutputRef = &models.AssetReference{}
		if err := json.Unmarshal([]byte(outputJSON.String), job.OutputRef); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output_ref: %w", err)
		}
	}
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if stageDataJSON.Valid && stageDataJSON.String != "" && stageDataJSON.String != "null" {
		job.StageData = &models.StageData{}
		if err := json.Unmarshal([]byte(stageDataJSON.String), job.StageData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stage_data: %w", err)
		}
	}
	if errCode.Valid && errCode.String != "" {
		job.Error = &models.JobError{Code: models.ErrorCode(errCode.String), Message: errMsg.String}
	}
	job.CancelRequested = cancelRequested != 0
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

const jobColumns = `id, target_fingerprint, status, progress_percent, current_stage, retry_count,
	input_refs, output_ref, params, error_code, error_message, stage_data, cancel_requested,
	created_at, started_at, completed_at`

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return s.scanJob(row)
}

// GetAllJobs returns all jobs, newest first
func (s *SQLiteStore) GetAllJobs() []*models.Job {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC`)
}

// GetActiveJobs returns jobs in a non-terminal state
func (s *SQLiteStore) GetActiveJobs() ([]*models.Job, error) {
	jobs := s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) ORDER BY created_at ASC`,
		models.JobStatusQueued, models.JobStatusRunning)
	return jobs, nil
}

func (s *SQLiteStore) queryJobs(query string, args ...interface{}) []*models.Job {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return []*models.Job{}
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// UpdateJobStatus transitions a job's status. The current status is
// read inside the transaction and the transition validated against the
// FSM, so a terminal job can never be resurrected by a late writer.
func (s *SQLiteStore) UpdateJobStatus(id string, status models.JobStatus, jobErr *models.JobError) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current models.JobStatus
	err = tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if err := models.ValidateTransition(current, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	var errCode, errMsg sql.NullString
	if jobErr != nil {
		errCode = sql.NullString{String: string(jobErr.Code), Valid: true}
		errMsg = sql.NullString{String: jobErr.Message, Valid: true}
	}

	switch {
	case status == models.JobStatusRunning:
		_, err = tx.Exec(`
			UPDATE jobs SET status = ?, started_at = ?, error_code = NULL, error_message = NULL
			WHERE id = ?`, status, now, id)
	case models.IsTerminalState(status):
		_, err = tx.Exec(`
			UPDATE jobs SET status = ?, error_code = ?, error_message = ?, completed_at = ?
			WHERE id = ?`, status, errCode, errMsg, now, id)
	default:
		_, err = tx.Exec(`
			UPDATE jobs SET status = ?, error_code = ?, error_message = ?
			WHERE id = ?`, status, errCode, errMsg, id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateJobProgress updates the progress percentage and stage label.
// Progress never moves backwards; a stale write is clamped to the
// stored value.
func (s *SQLiteStore) UpdateJobProgress(id string, percent float64, stage models.Stage) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	result, err := s.db.Exec(`
		UPDATE jobs SET progress_percent = MAX(progress_percent, ?), current_stage = ?
		WHERE id = ? AND status = ?
	`, percent, stage, id, models.JobStatusRunning)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetOutputRef records the uploaded output's locator
func (s *SQLiteStore) SetOutputRef(id string, ref *models.AssetReference) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to marshal output_ref: %w", err)
	}
	result, err := s.db.Exec(`UPDATE jobs SET output_ref = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SaveStageData persists the resumable checkpoint blob
func (s *SQLiteStore) SaveStageData(id string, data *models.StageData) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal stage_data: %w", err)
	}
	result, err := s.db.Exec(`UPDATE jobs SET stage_data = ? WHERE id = ?`, string(blob), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RequeueForRetry resets a failed job to queued with an incremented
// retry count, preserving stage data so the next attempt can resume.
func (s *SQLiteStore) RequeueForRetry(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current models.JobStatus
	err = tx.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if current != models.JobStatusFailed {
		return fmt.Errorf("cannot requeue job in status: %s", current)
	}

	_, err = tx.Exec(`
		UPDATE jobs
		SET status = ?, retry_count = retry_count + 1,
		    error_code = NULL, error_message = NULL,
		    started_at = NULL, completed_at = NULL, cancel_requested = 0
		WHERE id = ?
	`, models.JobStatusQueued, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RequestCancel sets the cooperative cancellation flag. Returns false
// when the job is already terminal.
func (s *SQLiteStore) RequestCancel(id string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE jobs SET cancel_requested = 1
		WHERE id = ? AND status IN (?, ?)
	`, id, models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Distinguish "not found" from "already terminal"
		var status string
		err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return false, ErrJobNotFound
		}
		if err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// AppendProgress inserts one progress log entry. The primary key on
// (job_id, log_number) rejects duplicate sequence numbers.
func (s *SQLiteStore) AppendProgress(entry *models.ProgressLogEntry) error {
	var metricsJSON sql.NullString
	if entry.Metrics != nil {
		data, err := json.Marshal(entry.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		metricsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO progress_logs (job_id, log_number, timestamp, stage, message, progress_percent, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.JobID, entry.LogNumber, entry.Timestamp, entry.Stage, entry.Message,
		entry.ProgressPercent, metricsJSON)
	return err
}

// ListProgress returns entries with log_number > since, oldest first,
// capped at limit. The exclusive cursor gives pollers an append-only
// read with no duplicate delivery.
func (s *SQLiteStore) ListProgress(jobID string, since int64, limit int) ([]*models.ProgressLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT job_id, log_number, timestamp, stage, message, progress_percent, metrics
		FROM progress_logs
		WHERE job_id = ? AND log_number > ?
		ORDER BY log_number ASC
		LIMIT ?
	`, jobID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ProgressLogEntry
	for rows.Next() {
		var e models.ProgressLogEntry
		var metricsJSON sql.NullString
		if err := rows.Scan(&e.JobID, &e.LogNumber, &e.Timestamp, &e.Stage, &e.Message,
			&e.ProgressPercent, &metricsJSON); err != nil {
			return nil, err
		}
		if metricsJSON.Valid && metricsJSON.String != "" {
			e.Metrics = &models.ProgressMetrics{}
			if err := json.Unmarshal([]byte(metricsJSON.String), e.Metrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MaxLogNumber returns the highest log_number written for a job, or 0.
// A restarted writer seeds its sequence from this.
func (s *SQLiteStore) MaxLogNumber(jobID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(log_number) FROM progress_logs WHERE job_id = ?`, jobID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// GetTerminalJobsBefore returns terminal jobs whose completion time is
// older than cutoff, for retention cleanup.
func (s *SQLiteStore) GetTerminalJobsBefore(cutoff time.Time) ([]*models.Job, error) {
	jobs := s.queryJobs(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, cutoff)
	return jobs, nil
}

// DeleteJob removes a job and its progress log entries
func (s *SQLiteStore) DeleteJob(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM progress_logs WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Vacuum compacts the database file after large purges
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
