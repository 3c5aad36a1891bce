package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
	"github.com/videoforge/stitchd/pkg/orchestrator"
	"github.com/videoforge/stitchd/pkg/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	logger := logging.NewLogger(logging.ERROR, false)
	noopDispatch := orchestrator.DispatchFunc(func(ctx context.Context, job *models.Job) error {
		return nil
	})
	orch := orchestrator.New(st, noopDispatch, logger, orchestrator.DefaultConfig())

	r := mux.NewRouter()
	NewHandler(orch, logger).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

func triggerBody() []byte {
	b, _ := json.Marshal(models.TriggerRequest{
		TargetFingerprint: "proj-1:stitch",
		InputRefs: []models.AssetReference{
			{Bucket: "clips", Key: "a.mp4"},
			{Bucket: "clips", Key: "b.mp4"},
		},
	})
	return b
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestTriggerJobCreated(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs", triggerBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	var handle models.JobHandle
	decode(t, resp, &handle)
	if handle.JobID == "" {
		t.Error("Handle missing job id")
	}
	if handle.Status != models.JobStatusQueued {
		t.Errorf("Expected queued, got %s", handle.Status)
	}
}

func TestTriggerJobDuplicateConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs", triggerBody())
	var first models.JobHandle
	decode(t, resp, &first)

	resp = postJSON(t, srv.URL+"/jobs", triggerBody())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", resp.StatusCode)
	}

	var errResp struct {
		Error string `json:"error"`
		JobID string `json:"job_id"`
	}
	decode(t, resp, &errResp)
	if errResp.Error != "duplicate_job" {
		t.Errorf("Expected duplicate_job, got %s", errResp.Error)
	}
	if errResp.JobID != first.JobID {
		t.Errorf("Conflict does not reference the winner: %s != %s", errResp.JobID, first.JobID)
	}
}

func TestTriggerJobValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs", []byte(`{"input_refs":[{"bucket":"b","key":"k"}]}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Missing fingerprint: expected 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/jobs", []byte(`not json`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Malformed body: expected 400, got %d", resp.StatusCode)
	}
}

func TestGetJob(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs", triggerBody())
	var handle models.JobHandle
	decode(t, resp, &handle)

	resp, err := http.Get(srv.URL + "/jobs/" + handle.JobID)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var job models.Job
	decode(t, resp, &job)
	if job.ID != handle.JobID || job.Status != models.JobStatusQueued {
		t.Errorf("Unexpected job record: %+v", job)
	}

	resp, err = http.Get(srv.URL + "/jobs/no-such-job")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown job, got %d", resp.StatusCode)
	}
}

func TestGetProgressPagination(t *testing.T) {
	srv, st := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs", triggerBody())
	var handle models.JobHandle
	decode(t, resp, &handle)

	for i := int64(1); i <= 5; i++ {
		err := st.AppendProgress(&models.ProgressLogEntry{
			JobID:           handle.JobID,
			LogNumber:       i,
			Timestamp:       time.Now().UTC(),
			Stage:           models.StageValidation,
			Message:         fmt.Sprintf("entry %d", i),
			ProgressPercent: float64(i),
		})
		if err != nil {
			t.Fatalf("AppendProgress failed: %v", err)
		}
	}

	var page struct {
		Logs      []*models.ProgressLogEntry `json:"logs"`
		JobStatus *models.Job                `json:"job_status"`
		HasMore   bool                       `json:"has_more"`
	}

	resp, err := http.Get(srv.URL + "/jobs/" + handle.JobID + "/progress?since=0&limit=3")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	decode(t, resp, &page)
	if len(page.Logs) != 3 || !page.HasMore {
		t.Errorf("First page: %d logs, has_more=%v", len(page.Logs), page.HasMore)
	}
	if page.JobStatus == nil || page.JobStatus.ID != handle.JobID {
		t.Error("Page missing job status")
	}

	cursor := page.Logs[len(page.Logs)-1].LogNumber
	resp, err = http.Get(fmt.Sprintf("%s/jobs/%s/progress?since=%d", srv.URL, handle.JobID, cursor))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	decode(t, resp, &page)
	if len(page.Logs) != 2 || page.HasMore {
		t.Errorf("Second page: %d logs, has_more=%v", len(page.Logs), page.HasMore)
	}
	if page.Logs[0].LogNumber != cursor+1 {
		t.Errorf("Cursor not honored: first log %d", page.Logs[0].LogNumber)
	}
}

func TestGetProgressEmptyIsNotNull(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs", triggerBody())
	var handle models.JobHandle
	decode(t, resp, &handle)

	resp, err := http.Get(srv.URL + "/jobs/" + handle.JobID + "/progress")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var raw map[string]json.RawMessage
	decode(t, resp, &raw)
	if string(raw["logs"]) == "null" {
		t.Error("logs serialized as null instead of empty array")
	}
}

func TestGetProgressRejectsBadParams(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs", triggerBody())
	var handle models.JobHandle
	decode(t, resp, &handle)

	for _, query := range []string{"since=-1", "since=abc", "limit=0", "limit=-5", "limit=x"} {
		resp, err := http.Get(srv.URL + "/jobs/" + handle.JobID + "/progress?" + query)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Query %q: expected 400, got %d", query, resp.StatusCode)
		}
	}
}

func TestCancelJobEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	resp := postJSON(t, srv.URL+"/jobs", triggerBody())
	var handle models.JobHandle
	decode(t, resp, &handle)

	resp = postJSON(t, srv.URL+"/jobs/"+handle.JobID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var cancel struct {
		Accepted bool `json:"accepted"`
	}
	decode(t, resp, &cancel)
	if !cancel.Accepted {
		t.Error("Cancel of active job not accepted")
	}

	// Terminal job: still 200, accepted false
	if err := st.UpdateJobStatus(handle.JobID, models.JobStatusCancelled, nil); err != nil {
		t.Fatalf("Failed to cancel job: %v", err)
	}
	resp = postJSON(t, srv.URL+"/jobs/"+handle.JobID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	decode(t, resp, &cancel)
	if cancel.Accepted {
		t.Error("Cancel of terminal job should not be accepted")
	}

	resp = postJSON(t, srv.URL+"/jobs/no-such-job/cancel", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown job, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
