package sdk

import (
	"context"
	"time"
)

// WaitForCompletion polls the job until it reaches a terminal status or
// ctx is cancelled. A FAILED job is not an error here; inspect the
// returned status.
func (c *Client) WaitForCompletion(ctx context.Context, jobID string, interval time.Duration) (*JobStatus, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.JobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
