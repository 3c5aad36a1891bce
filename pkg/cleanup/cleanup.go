// Package cleanup purges terminal jobs and their progress logs once they
// age past the retention window, keeping the checkpoint store bounded.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
)

// Config defines retention policy and sweep cadence
type Config struct {
	Enabled          bool
	RetentionDays    int
	CleanupInterval  time.Duration
	VacuumInterval   time.Duration
	DeleteBatchSize  int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		RetentionDays:   3,
		CleanupInterval: 1 * time.Hour,
		VacuumInterval:  24 * time.Hour,
		DeleteBatchSize: 100,
	}
}

// Store is the narrow persistence surface cleanup needs
type Store interface {
	GetTerminalJobsBefore(cutoff time.Time) ([]*models.Job, error)
	DeleteJob(id string) error
}

// Vacuumer is implemented by stores that support compaction
type Vacuumer interface {
	Vacuum() error
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time
	LastVacuumTime      time.Time
	TotalJobsDeleted    int64
	TotalVacuumRuns     int64
	LastCleanupDuration time.Duration
}

// Manager runs the periodic purge and vacuum loops
type Manager struct {
	config Config
	store  Store
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a cleanup manager
func NewManager(config Config, store Store, logger *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		store:  store,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the background loops
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	m.logger.Info("Starting cleanup manager", map[string]interface{}{
		"retention_days": m.config.RetentionDays,
		"interval":       m.config.CleanupInterval.String(),
	})

	m.wg.Add(2)
	go m.cleanupLoop()
	go m.vacuumLoop()
}

// Stop gracefully stops the loops
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Cleanup manager stopped")
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.purgeExpiredJobs()
		}
	}
}

func (m *Manager) vacuumLoop() {
	defer m.wg.Done()

	v, ok := m.store.(Vacuumer)
	if !ok {
		return
	}

	ticker := time.NewTicker(m.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.vacuum(v)
		}
	}
}

// purgeExpiredJobs deletes terminal jobs older than the retention window.
// Progress logs are removed with their parent job.
func (m *Manager) purgeExpiredJobs() {
	start := time.Now()
	cutoff := time.Now().Add(-time.Duration(m.config.RetentionDays) * 24 * time.Hour)

	jobs, err := m.store.GetTerminalJobsBefore(cutoff)
	if err != nil {
		m.logger.Error("Cleanup sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}

	deleted := 0
	for _, job := range jobs {
		if err := m.store.DeleteJob(job.ID); err != nil {
			m.logger.Warn("Failed to delete expired job", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
			continue
		}
		deleted++

		// Rate limit deletions so the sweep never starves live writers
		if m.config.DeleteBatchSize > 0 && deleted%m.config.DeleteBatchSize == 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}

	duration := time.Since(start)

	m.mu.Lock()
	m.stats.LastCleanupTime = time.Now()
	m.stats.LastCleanupDuration = duration
	m.stats.TotalJobsDeleted += int64(deleted)
	m.mu.Unlock()

	if deleted > 0 {
		m.logger.Info("Cleanup sweep complete", map[string]interface{}{
			"deleted":  deleted,
			"duration": duration.String(),
		})
	}
}

func (m *Manager) vacuum(v Vacuumer) {
	if err := v.Vacuum(); err != nil {
		m.logger.Warn("Vacuum failed", map[string]interface{}{"error": err.Error()})
		return
	}

	m.mu.Lock()
	m.stats.LastVacuumTime = time.Now()
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()
}

// CleanupNow triggers an immediate sweep
func (m *Manager) CleanupNow() {
	m.purgeExpiredJobs()
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
