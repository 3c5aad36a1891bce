package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
)

// Dispatcher hands a queued job to whatever executes job bodies. The
// orchestrator never runs the processing itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *models.Job) error
}

// DispatchFunc adapts a function to the Dispatcher interface
type DispatchFunc func(ctx context.Context, job *models.Job) error

func (f DispatchFunc) Dispatch(ctx context.Context, job *models.Job) error {
	return f(ctx, job)
}

// dispatchPayload is the invocation body sent to the execution service
type dispatchPayload struct {
	JobID  string           `json:"job_id"`
	Params models.JobParams `json:"params"`
}

// HTTPDispatcher invokes a remote execution service over HTTP. The service
// is expected to start an isolated compute unit that runs the job body
// with the given job id.
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDispatcher creates a dispatcher posting to the given endpoint
func NewHTTPDispatcher(endpoint string) *HTTPDispatcher {
	return &HTTPDispatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(dispatchPayload{JobID: job.ID, Params: job.Params})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("execution service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("execution service returned %d", resp.StatusCode)
	}
	return nil
}

// ProcessDispatcher launches the job body as a local subprocess. Used for
// single-host deployments and local development, where the "ephemeral
// compute unit" is just a child process.
type ProcessDispatcher struct {
	// Binary is the job body executable (stitchrun)
	Binary string
	// Env is appended to the child's environment
	Env    []string
	logger *logging.Logger
}

// NewProcessDispatcher creates a subprocess-based dispatcher
func NewProcessDispatcher(binary string, env []string, logger *logging.Logger) *ProcessDispatcher {
	return &ProcessDispatcher{Binary: binary, Env: env, logger: logger}
}

func (d *ProcessDispatcher) Dispatch(ctx context.Context, job *models.Job) error {
	cmd := exec.Command(d.Binary, "--job-id", job.ID)
	cmd.Env = append(os.Environ(), d.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start job body: %w", err)
	}

	d.logger.Info("Job body started", map[string]interface{}{
		"job_id": job.ID,
		"pid":    cmd.Process.Pid,
	})

	// The child owns its own lifecycle from here; reap it so it never
	// lingers as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			d.logger.Warn("Job body exited with error", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
	}()

	return nil
}
