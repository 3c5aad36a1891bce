package cleanup

import (
	"errors"
	"testing"
	"time"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
	"github.com/videoforge/stitchd/pkg/store"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.ERROR, false)
}

func seedJob(t *testing.T, st store.Store, id string, terminal bool) {
	t.Helper()
	job := &models.Job{
		ID:                id,
		TargetFingerprint: id + ":stitch",
		Status:            models.JobStatusQueued,
		CreatedAt:         time.Now().UTC(),
	}
	if err := st.CreateJob(job); err != nil {
		t.Fatalf("Failed to create job %s: %v", id, err)
	}
	if terminal {
		if err := st.UpdateJobStatus(id, models.JobStatusRunning, nil); err != nil {
			t.Fatalf("Failed to start job %s: %v", id, err)
		}
		if err := st.UpdateJobStatus(id, models.JobStatusCompleted, nil); err != nil {
			t.Fatalf("Failed to complete job %s: %v", id, err)
		}
	}
}

func TestCleanupNowPurgesOnlyExpiredTerminalJobs(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	seedJob(t, st, "done-1", true)
	seedJob(t, st, "done-2", true)
	seedJob(t, st, "active-1", false)

	// Zero retention makes every terminal job already expired
	cfg := DefaultConfig()
	cfg.RetentionDays = 0
	m := NewManager(cfg, st, testLogger())

	time.Sleep(10 * time.Millisecond)
	m.CleanupNow()

	if _, err := st.GetJob("done-1"); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("Expired terminal job done-1 not purged: %v", err)
	}
	if _, err := st.GetJob("done-2"); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("Expired terminal job done-2 not purged: %v", err)
	}
	if _, err := st.GetJob("active-1"); err != nil {
		t.Errorf("Active job was purged: %v", err)
	}

	stats := m.GetStats()
	if stats.TotalJobsDeleted != 2 {
		t.Errorf("Expected 2 deletions in stats, got %d", stats.TotalJobsDeleted)
	}
	if stats.LastCleanupTime.IsZero() {
		t.Error("LastCleanupTime not recorded")
	}
}

func TestCleanupRespectsRetentionWindow(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	seedJob(t, st, "done-1", true)

	// Jobs completed moments ago are well inside a 3 day window
	m := NewManager(DefaultConfig(), st, testLogger())
	m.CleanupNow()

	if _, err := st.GetJob("done-1"); err != nil {
		t.Errorf("Recent terminal job purged too early: %v", err)
	}
	if got := m.GetStats().TotalJobsDeleted; got != 0 {
		t.Errorf("Expected 0 deletions, got %d", got)
	}
}

func TestCleanupPurgesProgressWithJob(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	seedJob(t, st, "done-1", true)
	err := st.AppendProgress(&models.ProgressLogEntry{
		JobID:     "done-1",
		LogNumber: 1,
		Timestamp: time.Now().UTC(),
		Stage:     models.StageComplete,
		Message:   "output ready",
	})
	if err != nil {
		t.Fatalf("AppendProgress failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.RetentionDays = 0
	m := NewManager(cfg, st, testLogger())

	time.Sleep(10 * time.Millisecond)
	m.CleanupNow()

	if _, err := st.GetJob("done-1"); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("Job not purged: %v", err)
	}
	entries, err := st.ListProgress("done-1", 0, 10)
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Progress entries survived job deletion: %d", len(entries))
	}
}

func TestStartDisabled(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	cfg := DefaultConfig()
	cfg.Enabled = false
	m := NewManager(cfg, st, testLogger())

	m.Start()
	m.Stop() // must not hang on loops that never started
}
