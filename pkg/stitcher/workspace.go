package stitcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// Workspace is the job's scratch directory. It is keyed by job id so a
// retried attempt on the same host can reuse already-downloaded inputs,
// and it is removed on every exit path.
type Workspace struct {
	Dir string
}

// NewWorkspace creates (or reopens) the scratch directory for a job
func NewWorkspace(root, jobID string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "stitch-"+jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir %s: %w", dir, err)
	}
	return &Workspace{Dir: dir}, nil
}

// InputPath returns the local path for the nth input clip
func (w *Workspace) InputPath(n int) string {
	return filepath.Join(w.Dir, fmt.Sprintf("input-%03d.media", n))
}

// ManifestPath returns the path of the encoder's concat manifest
func (w *Workspace) ManifestPath() string {
	return filepath.Join(w.Dir, "manifest.txt")
}

// OutputPath returns the local path of the rendered output
func (w *Workspace) OutputPath() string {
	return filepath.Join(w.Dir, "output.mp4")
}

// Cleanup removes the scratch directory. Callers defer this so the
// directory is gone on success, failure, and cancellation alike.
func (w *Workspace) Cleanup() {
	os.RemoveAll(w.Dir)
}

// CheckDiskSpace verifies the scratch filesystem has at least minFree
// bytes available before any download starts
func (w *Workspace) CheckDiskSpace(minFree uint64) error {
	if minFree == 0 {
		return nil
	}
	usage, err := disk.Usage(w.Dir)
	if err != nil {
		return fmt.Errorf("failed to stat scratch filesystem: %w", err)
	}
	if usage.Free < minFree {
		return fmt.Errorf("scratch filesystem has %d bytes free, need %d", usage.Free, minFree)
	}
	return nil
}
