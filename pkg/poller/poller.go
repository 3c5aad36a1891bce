// Package poller is the client side of the progress protocol: it polls
// the job API on a fixed interval, advancing a log-number cursor so each
// entry is delivered exactly once and in order.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/videoforge/stitchd/pkg/logging"
	"github.com/videoforge/stitchd/pkg/models"
)

// DefaultInterval is the reference polling cadence
const DefaultInterval = 2 * time.Second

// ErrJobNotFound means the server has no record of the job, either
// because the id is wrong or the job aged out of retention
var ErrJobNotFound = errors.New("job not found")

// progressPage mirrors the API's progress payload
type progressPage struct {
	Logs      []*models.ProgressLogEntry `json:"logs"`
	JobStatus *models.Job                `json:"job_status"`
	HasMore   bool                       `json:"has_more"`
}

// Client polls one job to completion
type Client struct {
	baseURL  string
	http     *http.Client
	interval time.Duration
	logger   *logging.Logger
}

// New creates a poller against the given API base URL
func New(baseURL string, interval time.Duration, logger *logging.Logger) *Client {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		logger:   logger,
	}
}

func (c *Client) fetch(ctx context.Context, jobID string, since int64) (*progressPage, error) {
	url := fmt.Sprintf("%s/jobs/%s/progress?since=%d", c.baseURL, jobID, since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("progress endpoint returned %d", resp.StatusCode)
	}

	var page progressPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode progress page: %w", err)
	}
	return &page, nil
}

// Watch polls until the job reaches a terminal state. Every new entry is
// handed to onEntry in log-number order; onTerminal fires exactly once
// with the final job record. Transient fetch errors are tolerated by
// waiting for the next tick rather than aborting the session; an unknown
// job id terminates the watch with ErrJobNotFound since no amount of
// retrying will make a missing job appear.
func (c *Client) Watch(ctx context.Context, jobID string, onEntry func(*models.ProgressLogEntry), onTerminal func(*models.Job)) (*models.Job, error) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var cursor int64
	for {
		page, err := c.fetch(ctx, jobID, cursor)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				return nil, err
			}
			c.logger.Warn("Poll failed, retrying next tick", map[string]interface{}{
				"job_id": jobID,
				"error":  err.Error(),
			})
		} else {
			for _, entry := range page.Logs {
				if onEntry != nil {
					onEntry(entry)
				}
				if entry.LogNumber > cursor {
					cursor = entry.LogNumber
				}
			}

			// Drain the backlog before sleeping again
			if page.HasMore {
				continue
			}

			if page.JobStatus != nil && models.IsTerminalState(page.JobStatus.Status) {
				if onTerminal != nil {
					onTerminal(page.JobStatus)
				}
				return page.JobStatus, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
