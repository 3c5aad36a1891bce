package models

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a stitching job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"    // Job created, dispatch pending or in flight
	JobStatusRunning   JobStatus = "running"   // Job body executing in a compute unit
	JobStatusCompleted JobStatus = "completed" // Output uploaded and validated
	JobStatusFailed    JobStatus = "failed"    // Terminal failure, see Error
	JobStatusCancelled JobStatus = "cancelled" // Cancelled at a stage boundary
)

// Stage identifies the current phase of the job body's state machine.
// Stages are strictly ordered; a job never skips a stage.
type Stage string

const (
	StageValidation  Stage = "validation"  // 0-10%
	StagePreparation Stage = "preparation" // 10-20%
	StageAnalysis    Stage = "analysis"    // 20-40%
	StageProcessing  Stage = "processing"  // 40-90%
	StageUploading   Stage = "uploading"   // 90-100%
	StageComplete    Stage = "complete"
)

// StageFloor returns the progress percentage at which a stage begins.
func StageFloor(s Stage) float64 {
	switch s {
	case StageValidation:
		return 0
	case StagePreparation:
		return 10
	case StageAnalysis:
		return 20
	case StageProcessing:
		return 40
	case StageUploading:
		return 90
	case StageComplete:
		return 100
	default:
		return 0
	}
}

// Job represents one execution attempt of a stitching task
type Job struct {
	ID                string           `json:"id"`
	TargetFingerprint string           `json:"target_fingerprint"`
	Status            JobStatus        `json:"status"`
	ProgressPercent   float64          `json:"progress_percent"`
	CurrentStage      Stage            `json:"current_stage,omitempty"`
	RetryCount        int              `json:"retry_count"`
	InputRefs         []AssetReference `json:"input_refs,omitempty"`
	OutputRef         *AssetReference  `json:"output_ref,omitempty"`
	Params            JobParams        `json:"params"`
	Error             *JobError        `json:"error,omitempty"`
	StageData         *StageData       `json:"stage_data,omitempty"`
	CancelRequested   bool             `json:"cancel_requested,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// JobParams carries the caller-supplied processing parameters
type JobParams struct {
	OutputHint string `json:"output_hint,omitempty"` // desired output object name
	Preset     string `json:"preset,omitempty"`      // ffmpeg encoder preset
	Codec      string `json:"codec,omitempty"`       // h264, h265
	// OnCorruptInput selects the policy for unreadable inputs:
	// "fail" (default) aborts the job, "skip" drops the input and
	// continues with the rest.
	OnCorruptInput string `json:"on_corrupt_input,omitempty"`
}

// TriggerRequest is the wire payload for creating a job
type TriggerRequest struct {
	TargetFingerprint string           `json:"target_fingerprint"`
	InputRefs         []AssetReference `json:"input_refs"`
	Params            JobParams        `json:"params"`
}

// JobHandle is returned to the trigger caller
type JobHandle struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// Fingerprint builds the deterministic dedup key for a logical target.
func Fingerprint(projectID, jobType string) string {
	return projectID + ":" + jobType
}

// AssetReference locates an object in the asset store plus metadata
// known about it. An asset is owned by exactly one job.
type AssetReference struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// URI returns the gs://bucket/key form of the reference.
func (r AssetReference) URI() string {
	return fmt.Sprintf("gs://%s/%s", r.Bucket, r.Key)
}

// ProgressLogEntry is one immutable, sequence-numbered observation
// within a job. LogNumber starts at 1 and increases by exactly 1 per
// entry; a job has a single writer so no coordination is needed.
type ProgressLogEntry struct {
	JobID           string           `json:"job_id"`
	LogNumber       int64            `json:"log_number"`
	Timestamp       time.Time        `json:"timestamp"`
	Stage           Stage            `json:"stage"`
	Message         string           `json:"message"`
	ProgressPercent float64          `json:"progress_percent"`
	Metrics         *ProgressMetrics `json:"metrics,omitempty"`
}

// ProgressMetrics carries encoder-specific numeric fields parsed from
// the subprocess progress stream.
type ProgressMetrics struct {
	OutTimeSeconds float64 `json:"out_time_seconds,omitempty"`
	TotalSeconds   float64 `json:"total_seconds,omitempty"`
	Speed          float64 `json:"speed,omitempty"` // encode speed multiplier, 1.0 = realtime
	FPS            float64 `json:"fps,omitempty"`
	BitrateKbps    float64 `json:"bitrate_kbps,omitempty"`
	ETASeconds     float64 `json:"eta_seconds,omitempty"`
}

// StageData is the checkpointed, resumable subset of job body state.
// A retried attempt consults it to avoid redoing completed steps.
type StageData struct {
	ManifestPath     string            `json:"manifest_path,omitempty"`
	DownloadedInputs []string          `json:"downloaded_inputs,omitempty"` // object keys already fetched
	SkippedInputs    []string          `json:"skipped_inputs,omitempty"`    // corrupt inputs dropped by policy
	InputDurations   map[string]float64 `json:"input_durations,omitempty"`  // key -> seconds
	TotalDuration    float64           `json:"total_duration,omitempty"`    // expected output duration, seconds
	PreparationDone  bool              `json:"preparation_done,omitempty"`
	AnalysisDone     bool              `json:"analysis_done,omitempty"`
}

// InputDownloaded reports whether the checkpoint records the given
// object key as already fetched.
func (d *StageData) InputDownloaded(key string) bool {
	if d == nil {
		return false
	}
	for _, k := range d.DownloadedInputs {
		if k == key {
			return true
		}
	}
	return false
}
