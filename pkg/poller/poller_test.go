package poller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.ERROR, false)
}

// progressServer serves a fixed entry log with cursor pagination and a
// configurable page size, flipping the job to completed once drained
func progressServer(t *testing.T, entries []*models.ProgressLogEntry, pageSize int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

		var page progressPage
		for _, e := range entries {
			if e.LogNumber > since {
				page.Logs = append(page.Logs, e)
				if len(page.Logs) == pageSize {
					break
				}
			}
		}
		last := since
		if len(page.Logs) > 0 {
			last = page.Logs[len(page.Logs)-1].LogNumber
		}
		page.HasMore = last < int64(len(entries))

		status := models.JobStatusRunning
		if last == int64(len(entries)) {
			status = models.JobStatusCompleted
		}
		page.JobStatus = &models.Job{ID: "job-1", Status: status}

		json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func makeEntries(n int) []*models.ProgressLogEntry {
	entries := make([]*models.ProgressLogEntry, 0, n)
	for i := 1; i <= n; i++ {
		entries = append(entries, &models.ProgressLogEntry{
			JobID:           "job-1",
			LogNumber:       int64(i),
			Stage:           models.StageProcessing,
			ProgressPercent: float64(i),
		})
	}
	return entries
}

func TestWatchDeliversInOrderExactlyOnce(t *testing.T) {
	entries := makeEntries(7)
	srv := progressServer(t, entries, 3)

	c := New(srv.URL, 10*time.Millisecond, testLogger())

	var seen []int64
	terminalCalls := 0
	job, err := c.Watch(context.Background(), "job-1",
		func(e *models.ProgressLogEntry) { seen = append(seen, e.LogNumber) },
		func(j *models.Job) { terminalCalls++ })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if len(seen) != 7 {
		t.Fatalf("Expected 7 entries, got %d: %v", len(seen), seen)
	}
	for i, n := range seen {
		if n != int64(i+1) {
			t.Fatalf("Out of order or duplicated delivery: %v", seen)
		}
	}
	if terminalCalls != 1 {
		t.Errorf("onTerminal fired %d times", terminalCalls)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("Expected completed job, got %s", job.Status)
	}
}

func TestWatchDrainsBacklogWithoutSleeping(t *testing.T) {
	// With a huge interval, the backlog is only drained if has_more pages
	// are fetched back to back instead of once per tick
	entries := makeEntries(9)
	srv := progressServer(t, entries, 2)

	c := New(srv.URL, time.Hour, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var count int
	job, err := c.Watch(ctx, "job-1",
		func(e *models.ProgressLogEntry) { count++ }, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if count != 9 {
		t.Errorf("Expected 9 entries, got %d", count)
	}
	if job == nil || job.Status != models.JobStatusCompleted {
		t.Error("Watch did not reach the terminal record")
	}
}

func TestWatchToleratesTransientErrors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(progressPage{
			Logs:      []*models.ProgressLogEntry{{JobID: "job-1", LogNumber: 1}},
			JobStatus: &models.Job{ID: "job-1", Status: models.JobStatusCompleted},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 10*time.Millisecond, testLogger())
	job, err := c.Watch(context.Background(), "job-1", nil, nil)
	if err != nil {
		t.Fatalf("Watch aborted on transient error: %v", err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Errorf("Expected completed job, got %s", job.Status)
	}
	if atomic.LoadInt32(&requests) < 3 {
		t.Errorf("Expected at least 3 requests, got %d", requests)
	}
}

func TestWatchReturnsOnUnknownJob(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Watch(ctx, "no-such-job", nil, nil)
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Expected ErrJobNotFound, got %v", err)
	}
	// A missing job must terminate the watch on the first response,
	// not keep hammering the endpoint every tick
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("Expected a single request, got %d", n)
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Job never terminates
		json.NewEncoder(w).Encode(progressPage{
			JobStatus: &models.Job{ID: "job-1", Status: models.JobStatusRunning},
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(srv.URL, 10*time.Millisecond, testLogger())
	_, err := c.Watch(ctx, "job-1", nil, nil)
	if err == nil {
		t.Fatal("Expected context error")
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	c := New("http://localhost", 0, testLogger())
	if c.interval != DefaultInterval {
		t.Errorf("Expected default interval, got %s", c.interval)
	}
}
