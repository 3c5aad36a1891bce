package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/videoforge/stitchd/pkg/models"
)

var (
	triggerFingerprint string
	triggerInputs      []string
	triggerOutputHint  string
	triggerCodec       string
	triggerPreset      string
	triggerOnCorrupt   string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger a stitching job",
	Long: `Trigger creates and dispatches a stitching job for a target.
Inputs are object store URIs in gs://bucket/key form, stitched in the
order given. At most one active job may exist per fingerprint; a
duplicate trigger reports the existing job instead of creating one.`,
	RunE: runTrigger,
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job status, or list all jobs when no id is given",
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cooperative cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)

	triggerCmd.Flags().StringVar(&triggerFingerprint, "fingerprint", "", "Target fingerprint, e.g. project-42:stitch (required)")
	triggerCmd.Flags().StringArrayVar(&triggerInputs, "input", nil, "Input clip URI (gs://bucket/key), repeatable, stitched in order")
	triggerCmd.Flags().StringVar(&triggerOutputHint, "output-hint", "", "Desired output object name")
	triggerCmd.Flags().StringVar(&triggerCodec, "codec", "", "Output codec: h264 or h265")
	triggerCmd.Flags().StringVar(&triggerPreset, "preset", "", "Encoder preset")
	triggerCmd.Flags().StringVar(&triggerOnCorrupt, "on-corrupt", "", "Corrupt input policy: skip or fail")
	triggerCmd.MarkFlagRequired("fingerprint")
}

// parseRef converts a gs://bucket/key URI into an asset reference
func parseRef(uri string) (models.AssetReference, error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return models.AssetReference{}, fmt.Errorf("input %q is not a gs://bucket/key URI", uri)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return models.AssetReference{}, fmt.Errorf("input %q is missing a bucket or key", uri)
	}
	return models.AssetReference{Bucket: bucket, Key: key}, nil
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func runTrigger(cmd *cobra.Command, args []string) error {
	if len(triggerInputs) < 2 {
		return fmt.Errorf("at least two --input URIs are required")
	}

	refs := make([]models.AssetReference, 0, len(triggerInputs))
	for _, uri := range triggerInputs {
		ref, err := parseRef(uri)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	req := models.TriggerRequest{
		TargetFingerprint: triggerFingerprint,
		InputRefs:         refs,
		Params: models.JobParams{
			OutputHint:     triggerOutputHint,
			Codec:          triggerCodec,
			Preset:         triggerPreset,
			OnCorruptInput: triggerOnCorrupt,
		},
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := apiClient().Post(serverURL+"/jobs", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to connect to stitchd API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		var dup struct {
			JobID string `json:"job_id"`
		}
		json.Unmarshal(body, &dup)
		fmt.Printf("An active job already exists for this target: %s\n", dup.JobID)
		return nil
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var handle models.JobHandle
	if err := json.Unmarshal(body, &handle); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() || IsYAMLOutput() {
		return printStructured(handle)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", handle.JobID)
	table.Append("Status", string(handle.Status))
	table.Render()
	fmt.Printf("\nJob triggered. Follow it with: stitchctl watch %s\n", handle.JobID)
	return nil
}

func fetchJob(jobID string) (*models.Job, error) {
	resp, err := apiClient().Get(serverURL + "/jobs/" + jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stitchd API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var job models.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &job, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listAllJobs()
	}

	job, err := fetchJob(args[0])
	if err != nil {
		return err
	}

	if IsJSONOutput() || IsYAMLOutput() {
		return printStructured(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Fingerprint", job.TargetFingerprint)
	table.Append("Status", string(job.Status))
	table.Append("Stage", string(job.CurrentStage))
	table.Append("Progress", fmt.Sprintf("%.1f%%", job.ProgressPercent))
	table.Append("Retries", fmt.Sprintf("%d", job.RetryCount))
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
	}
	if job.OutputRef != nil {
		table.Append("Output", job.OutputRef.URI())
	}
	if job.Error != nil {
		table.Append("Error", fmt.Sprintf("[%s] %s", job.Error.Code, job.Error.Message))
	}
	table.Render()
	return nil
}

func listAllJobs() error {
	resp, err := apiClient().Get(serverURL + "/jobs")
	if err != nil {
		return fmt.Errorf("failed to connect to stitchd API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var jobs []*models.Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() || IsYAMLOutput() {
		return printStructured(jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Fingerprint", "Status", "Stage", "Progress", "Retries", "Created")
	for _, job := range jobs {
		table.Append(
			job.ID,
			job.TargetFingerprint,
			string(job.Status),
			string(job.CurrentStage),
			fmt.Sprintf("%.1f%%", job.ProgressPercent),
			fmt.Sprintf("%d", job.RetryCount),
			job.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	resp, err := apiClient().Post(serverURL+"/jobs/"+jobID+"/cancel", "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to stitchd API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job %s not found", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if result.Accepted {
		fmt.Printf("Cancellation requested for job %s; it takes effect at the next stage boundary\n", jobID)
	} else {
		fmt.Printf("Job %s is already finished; nothing to cancel\n", jobID)
	}
	return nil
}
