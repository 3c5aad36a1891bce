// Package stitcher is the job body: it runs inside an isolated compute
// unit, downloads the input clips, concatenates them through an ffmpeg
// subprocess, and uploads the rendered output. All state that must
// survive a kill is checkpointed through the store; the body itself
// never retries.
package stitcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/videoforge/stitchd/pkg/assets"
	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
	"github.com/videoforge/stitchd/pkg/retry"
	"github.com/videoforge/stitchd/pkg/signing"
	"github.com/videoforge/stitchd/pkg/store"
)

// minInputs is the smallest clip count a stitch makes sense for
const minInputs = 2

// Config holds the job body's environment-supplied settings
type Config struct {
	FFmpegBinary  string
	FFprobeBinary string
	ScratchRoot   string
	OutputBucket  string
	OutputPrefix  string
	// MinFreeDiskBytes gates preparation; zero disables the preflight
	MinFreeDiskBytes uint64
	// SignTTL is the lifetime of the completion URL
	SignTTL time.Duration
}

// Stitcher executes one job to a terminal state
type Stitcher struct {
	store  store.Store
	assets assets.Store
	signer *signing.Broker
	logger *logging.Logger
	cfg    Config
}

// New creates a job body runner
func New(st store.Store, as assets.Store, signer *signing.Broker, logger *logging.Logger, cfg Config) *Stitcher {
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if cfg.FFprobeBinary == "" {
		cfg.FFprobeBinary = "ffprobe"
	}
	if cfg.SignTTL <= 0 {
		cfg.SignTTL = signing.DefaultTTL
	}
	return &Stitcher{store: st, assets: as, signer: signer, logger: logger, cfg: cfg}
}

// Run executes the job's staged state machine to a terminal status.
// Stages run strictly in order; a retried attempt consults the
// checkpointed stage data to skip work the previous attempt finished.
// The returned error is the structured cause already recorded on the
// job; callers use it only for exit codes.
func (s *Stitcher) Run(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if models.IsTerminalState(job.Status) {
		// A duplicate invocation after completion is a no-op
		return nil
	}

	log := s.logger.WithJob(jobID)

	if job.Status == models.JobStatusQueued {
		if err := s.store.UpdateJobStatus(jobID, models.JobStatusRunning, nil); err != nil {
			return err
		}
	}

	reporter, err := NewReporter(s.store, s.logger, jobID)
	if err != nil {
		return err
	}

	data := job.StageData
	if data == nil {
		data = &models.StageData{}
	}
	resuming := job.RetryCount > 0 && data.PreparationDone

	ws, err := NewWorkspace(s.cfg.ScratchRoot, jobID)
	if err != nil {
		return s.fail(jobID, reporter, models.NewJobError(models.ErrCodeInternal, "scratch setup failed: %v", err))
	}
	// Removal on every exit path is a hard requirement: compute units
	// share a disk pool across executions.
	defer ws.Cleanup()

	// validation (0-10%)
	if !resuming {
		reporter.Stage(models.StageValidation, "validating inputs", 0)
		if jerr := s.validate(ctx, job); jerr != nil {
			return s.fail(jobID, reporter, jerr)
		}
		reporter.Stage(models.StageValidation, fmt.Sprintf("%d inputs validated", len(job.InputRefs)), 10)
	} else {
		log.Info("Resuming from checkpoint, skipping validation and preparation")
	}

	if cancelled, err := s.checkCancel(jobID, reporter); cancelled || err != nil {
		return err
	}

	// preparation (10-20%)
	if jerr := s.prepare(ctx, job, data, ws, reporter, log); jerr != nil {
		return s.fail(jobID, reporter, jerr)
	}

	if cancelled, err := s.checkCancel(jobID, reporter); cancelled || err != nil {
		return err
	}

	// analysis (20-40%)
	if jerr := s.analyze(ctx, job, data, ws, reporter, log); jerr != nil {
		return s.fail(jobID, reporter, jerr)
	}

	if cancelled, err := s.checkCancel(jobID, reporter); cancelled || err != nil {
		return err
	}

	// processing (40-90%)
	if jerr := s.process(job, data, ws, reporter, log); jerr != nil {
		return s.fail(jobID, reporter, jerr)
	}

	// The encode cannot be interrupted mid-write, so a cancel that
	// arrived during processing takes effect here.
	if cancelled, err := s.checkCancel(jobID, reporter); cancelled || err != nil {
		return err
	}

	// uploading / finalize (90-100%)
	outputRef, jerr := s.finalize(ctx, job, data, ws, reporter, log)
	if jerr != nil {
		return s.fail(jobID, reporter, jerr)
	}

	url := s.signOutput(ctx, *outputRef, log)
	msg := "output ready"
	if url != "" {
		msg = "output ready: " + url
	}
	if n := len(data.SkippedInputs); n > 0 {
		msg = fmt.Sprintf("%s (%d corrupt input(s) skipped)", msg, n)
	}
	reporter.Stage(models.StageComplete, msg, 100)

	if err := s.store.UpdateJobStatus(jobID, models.JobStatusCompleted, nil); err != nil {
		return err
	}

	log.Info("Job completed", map[string]interface{}{
		"output":  outputRef.URI(),
		"skipped": len(data.SkippedInputs),
	})
	return nil
}

// checkCancel observes the cooperative cancellation flag at a stage
// boundary. Returns true when the job was finalized as cancelled.
func (s *Stitcher) checkCancel(jobID string, reporter *Reporter) (bool, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return false, err
	}
	if !job.CancelRequested {
		return false, nil
	}

	reporter.Stage(job.CurrentStage, "cancellation observed at stage boundary", job.ProgressPercent)
	if err := s.store.UpdateJobStatus(jobID, models.JobStatusCancelled, nil); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Stitcher) fail(jobID string, reporter *Reporter, jobErr *models.JobError) error {
	stage := models.StageValidation
	percent := 0.0
	if job, err := s.store.GetJob(jobID); err == nil {
		stage = job.CurrentStage
		percent = job.ProgressPercent
	}
	reporter.Stage(stage, jobErr.Message, percent)
	if err := s.store.UpdateJobStatus(jobID, models.JobStatusFailed, jobErr); err != nil {
		s.logger.Error("Failed to record job failure", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
	}
	return jobErr
}

// validate confirms every input resolves in the asset store and that
// enough inputs exist to stitch
func (s *Stitcher) validate(ctx context.Context, job *models.Job) *models.JobError {
	if len(job.InputRefs) < minInputs {
		return models.NewJobError(models.ErrCodeInsufficientInputs,
			"stitching requires at least %d inputs, got %d", minInputs, len(job.InputRefs))
	}

	switch job.Params.OnCorruptInput {
	case "", "fail", "skip":
	default:
		return models.NewJobError(models.ErrCodeInvalidInput,
			"on_corrupt_input must be \"skip\" or \"fail\", got %q", job.Params.OnCorruptInput)
	}

	for _, ref := range job.InputRefs {
		info, err := s.statWithRetry(ctx, ref)
		if err != nil {
			return models.NewJobError(models.ErrCodeInvalidInput, "input %s unavailable: %v", ref.URI(), err)
		}
		if info.Size == 0 {
			return models.NewJobError(models.ErrCodeInvalidInput, "input %s is empty", ref.URI())
		}
	}
	return nil
}

func (s *Stitcher) statWithRetry(ctx context.Context, ref models.AssetReference) (*assets.ObjectInfo, error) {
	var info *assets.ObjectInfo
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		info, err = s.assets.Stat(ctx, ref)
		return err
	})
	return info, err
}

// prepare downloads the inputs into scratch and builds the ordered
// concat manifest, checkpointing after each download so a killed
// attempt never re-fetches finished inputs
func (s *Stitcher) prepare(ctx context.Context, job *models.Job, data *models.StageData, ws *Workspace, reporter *Reporter, log *logging.Logger) *models.JobError {
	reporter.Stage(models.StagePreparation, "preparing workspace", 10)

	if err := ws.CheckDiskSpace(s.cfg.MinFreeDiskBytes); err != nil {
		return models.NewJobError(models.ErrCodeResourceExhausted, "%v", err)
	}

	total := len(job.InputRefs)
	for i, ref := range job.InputRefs {
		dest := ws.InputPath(i)

		if data.InputDownloaded(ref.Key) {
			if _, err := os.Stat(dest); err == nil {
				log.Debug("Input already downloaded, skipping", map[string]interface{}{"key": ref.Key})
				continue
			}
			// Checkpoint says done but the file is gone (fresh host);
			// fall through and fetch again.
		}

		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			return s.assets.Download(ctx, ref, dest)
		})
		if err != nil {
			return models.NewJobError(models.ErrCodeInternal, "failed to fetch input %s: %v", ref.URI(), err)
		}

		data.DownloadedInputs = append(data.DownloadedInputs, ref.Key)
		if err := s.store.SaveStageData(job.ID, data); err != nil {
			log.Warn("Failed to checkpoint download", map[string]interface{}{"error": err.Error()})
		}

		pct := 10 + 10*float64(i+1)/float64(total)
		reporter.Tick(models.StagePreparation, fmt.Sprintf("downloaded input %d/%d", i+1, total), pct, nil)
	}

	if !data.PreparationDone || data.ManifestPath == "" {
		if err := s.writeManifest(job, data, ws); err != nil {
			return err
		}
		data.PreparationDone = true
		if err := s.store.SaveStageData(job.ID, data); err != nil {
			log.Warn("Failed to checkpoint manifest", map[string]interface{}{"error": err.Error()})
		}
	} else if _, err := os.Stat(data.ManifestPath); err != nil {
		// Manifest checkpointed on a host we no longer have; rebuild
		if err := s.writeManifest(job, data, ws); err != nil {
			return err
		}
	}

	reporter.Stage(models.StagePreparation, "preparation complete", 20)
	return nil
}

// writeManifest emits the ffmpeg concat demuxer list in input order,
// excluding inputs already skipped by the corrupt-input policy
func (s *Stitcher) writeManifest(job *models.Job, data *models.StageData, ws *Workspace) *models.JobError {
	var buf bytes.Buffer
	for i, ref := range job.InputRefs {
		if data != nil && skipped(data.SkippedInputs, ref.Key) {
			continue
		}
		fmt.Fprintf(&buf, "file '%s'\n", ws.InputPath(i))
	}

	if err := os.WriteFile(ws.ManifestPath(), buf.Bytes(), 0644); err != nil {
		return models.NewJobError(models.ErrCodeInternal, "failed to write manifest: %v", err)
	}
	data.ManifestPath = ws.ManifestPath()
	return nil
}

func skipped(list []string, key string) bool {
	for _, k := range list {
		if k == key {
			return true
		}
	}
	return false
}

// analyze probes every input for duration and stream layout and computes
// the total expected duration the processing stage's ETA math needs.
// Unreadable inputs follow the job's corrupt-input policy.
func (s *Stitcher) analyze(ctx context.Context, job *models.Job, data *models.StageData, ws *Workspace, reporter *Reporter, log *logging.Logger) *models.JobError {
	if data.AnalysisDone && data.TotalDuration > 0 {
		reporter.Stage(models.StageAnalysis, "analysis checkpoint found, skipping", 40)
		return nil
	}

	reporter.Stage(models.StageAnalysis, "probing inputs", 20)

	skipPolicy := job.Params.OnCorruptInput == "skip"
	if data.InputDurations == nil {
		data.InputDurations = make(map[string]float64)
	}

	total := len(job.InputRefs)
	rebuildManifest := false
	for i, ref := range job.InputRefs {
		result, err := Probe(ctx, s.cfg.FFprobeBinary, ws.InputPath(i))
		if err != nil || !result.HasVideo() || result.DurationSeconds() <= 0 {
			if !skipPolicy {
				if err != nil {
					return models.NewJobError(models.ErrCodeProbeFailed, "input %s unreadable: %v", ref.URI(), err)
				}
				return models.NewJobError(models.ErrCodeProbeFailed, "input %s has no usable video stream", ref.URI())
			}
			log.Warn("Skipping corrupt input", map[string]interface{}{"key": ref.Key})
			data.SkippedInputs = append(data.SkippedInputs, ref.Key)
			rebuildManifest = true
			continue
		}

		data.InputDurations[ref.Key] = result.DurationSeconds()
		pct := 20 + 20*float64(i+1)/float64(total)
		reporter.Tick(models.StageAnalysis, fmt.Sprintf("probed input %d/%d", i+1, total), pct, nil)
	}

	usable := total - len(data.SkippedInputs)
	if usable < minInputs {
		return models.NewJobError(models.ErrCodeInsufficientInputs,
			"only %d of %d inputs are readable, need at least %d", usable, total, minInputs)
	}

	if rebuildManifest {
		if err := s.writeManifest(job, data, ws); err != nil {
			return err
		}
	}

	data.TotalDuration = 0
	for _, d := range data.InputDurations {
		data.TotalDuration += d
	}
	data.AnalysisDone = true
	if err := s.store.SaveStageData(job.ID, data); err != nil {
		log.Warn("Failed to checkpoint analysis", map[string]interface{}{"error": err.Error()})
	}

	reporter.Stage(models.StageAnalysis,
		fmt.Sprintf("analysis complete, expected duration %.1fs", data.TotalDuration), 40)
	return nil
}

func codecArg(codec string) string {
	switch codec {
	case "h265", "hevc":
		return "libx265"
	default:
		return "libx264"
	}
}

// process runs the ffmpeg concat encode and streams its progress into
// the log. The subprocess blocks this thread for the encode's duration;
// cancellation is not observed until it exits, because killing an
// encoder mid-write risks a corrupt partial output.
func (s *Stitcher) process(job *models.Job, data *models.StageData, ws *Workspace, reporter *Reporter, log *logging.Logger) *models.JobError {
	reporter.Stage(models.StageProcessing, "starting encode", 40)

	preset := job.Params.Preset
	if preset == "" {
		preset = "veryfast"
	}

	args := []string{
		"-y", "-hide_banner",
		"-f", "concat", "-safe", "0",
		"-i", data.ManifestPath,
		"-c:v", codecArg(job.Params.Codec),
		"-preset", preset,
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-progress", "pipe:1", "-nostats",
		ws.OutputPath(),
	}

	cmd := exec.Command(s.cfg.FFmpegBinary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.NewJobError(models.ErrCodeInternal, "failed to pipe encoder output: %v", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return models.NewJobError(models.ErrCodeEncodeFailed, "failed to start encoder: %v", err)
	}

	log.Info("Encoder started", map[string]interface{}{
		"pid":      cmd.Process.Pid,
		"expected": data.TotalDuration,
	})

	parseErr := ParseProgressStream(stdout, func(u ProgressUpdate) {
		metrics := &models.ProgressMetrics{
			OutTimeSeconds: u.OutTimeSeconds,
			TotalSeconds:   data.TotalDuration,
			Speed:          u.Speed,
			FPS:            u.FPS,
			BitrateKbps:    u.BitrateKbps,
			ETASeconds:     u.ETASeconds(data.TotalDuration),
		}
		msg := fmt.Sprintf("encoded %.1fs of %.1fs", u.OutTimeSeconds, data.TotalDuration)
		reporter.Tick(models.StageProcessing, msg, u.Percent(data.TotalDuration), metrics)
	})

	waitErr := cmd.Wait()
	if waitErr != nil {
		tail := stderrTail(stderr.String())
		if strings.Contains(tail, "No space left on device") {
			return models.NewJobError(models.ErrCodeResourceExhausted, "encoder ran out of disk: %s", tail)
		}
		if strings.Contains(waitErr.Error(), "signal: killed") {
			return models.NewJobError(models.ErrCodeResourceExhausted, "encoder killed by the platform: %v", waitErr)
		}
		return models.NewJobError(models.ErrCodeEncodeFailed, "encoder exited: %v: %s", waitErr, tail)
	}
	if parseErr != nil {
		log.Warn("Progress stream ended with error", map[string]interface{}{"error": parseErr.Error()})
	}

	reporter.Stage(models.StageProcessing, "encode complete", 90)
	return nil
}

// stderrTail keeps the last few lines of encoder output for error messages
func stderrTail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}

// finalize validates the rendered output and uploads it. The job only
// transitions to completed after the upload succeeds.
func (s *Stitcher) finalize(ctx context.Context, job *models.Job, data *models.StageData, ws *Workspace, reporter *Reporter, log *logging.Logger) (*models.AssetReference, *models.JobError) {
	reporter.Stage(models.StageUploading, "validating output", 90)

	info, err := os.Stat(ws.OutputPath())
	if err != nil || info.Size() == 0 {
		return nil, models.NewJobError(models.ErrCodeEncodeFailed, "encoder produced no output")
	}

	probe, err := Probe(ctx, s.cfg.FFprobeBinary, ws.OutputPath())
	if err != nil {
		return nil, models.NewJobError(models.ErrCodeEncodeFailed, "output unreadable: %v", err)
	}
	if data.TotalDuration > 0 && probe.DurationSeconds() < 0.5*data.TotalDuration {
		return nil, models.NewJobError(models.ErrCodeEncodeFailed,
			"output duration %.1fs is implausible for expected %.1fs",
			probe.DurationSeconds(), data.TotalDuration)
	}

	name := job.Params.OutputHint
	if name == "" {
		name = job.ID + ".mp4"
	}
	ref := models.AssetReference{
		Bucket:    s.cfg.OutputBucket,
		Key:       path.Join(s.cfg.OutputPrefix, name),
		SizeBytes: info.Size(),
	}

	reporter.Stage(models.StageUploading, "uploading output", 92)

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		return s.assets.Upload(ctx, ws.OutputPath(), ref)
	})
	if err != nil {
		return nil, models.NewJobError(models.ErrCodeUploadFailed, "failed to upload output: %v", err)
	}

	if err := s.store.SetOutputRef(job.ID, &ref); err != nil {
		log.Warn("Failed to record output ref", map[string]interface{}{"error": err.Error()})
	}

	return &ref, nil
}

// signOutput asks the broker for a time-limited URL. Signing failure is
// not a job failure: the output is uploaded and addressable, callers
// just do not get a ready-made link.
func (s *Stitcher) signOutput(ctx context.Context, ref models.AssetReference, log *logging.Logger) string {
	if s.signer == nil {
		return ""
	}
	url, err := s.signer.Sign(ctx, ref, s.cfg.SignTTL)
	if err != nil {
		log.Warn("Could not sign output URL", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return url
}
