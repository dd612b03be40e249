package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// JobStatus is the lifecycle state of a provider-side batch job.
type JobStatus string

const (
	JobCreated    JobStatus = "created"
	JobSubmitted  JobStatus = "submitted"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobExpired    JobStatus = "expired"
	JobCanceled   JobStatus = "canceled"
)

// Terminal reports whether the job has reached a final state.
// JobSucceeded means the job ended normally; individual items inside it may
// still have failed and are classified separately.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobExpired, JobCanceled:
		return true
	}
	return false
}

// BatchJob is a snapshot of a provider-side batch: identifier, lifecycle
// status, and per-status item counts as reported by the provider.
type BatchJob struct {
	ID     string
	Status JobStatus
	Counts map[string]int
}

// Job-level failures. Both abort the run; neither is retried automatically.
var (
	// ErrJobFailed indicates the job reached a terminal state other than
	// succeeded.
	ErrJobFailed = errors.New("batch job did not succeed")

	// ErrPollTimeout indicates polling exceeded the configured ceiling
	// before the job reached a terminal state.
	ErrPollTimeout = errors.New("batch polling timed out")
)

// pollUntilTerminal blocks until the job reaches a terminal status, fetching
// a fresh snapshot every interval and logging per-status counts on each poll.
// A non-positive timeout means poll indefinitely. Context cancellation stops
// the loop between polls.
func pollUntilTerminal(
	ctx context.Context,
	logger *slog.Logger,
	jobID string,
	interval, timeout time.Duration,
	fetch func(ctx context.Context) (*BatchJob, error),
) (*BatchJob, error) {
	logger.Info("polling batch job", "job_id", jobID, "interval", interval)

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		job, err := fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("poll job %s: %w", jobID, err)
		}

		attrs := []any{"job_id", jobID, "status", string(job.Status)}
		for k, v := range job.Counts {
			attrs = append(attrs, k, v)
		}
		if job.Status.Terminal() {
			logger.Info("batch job reached terminal status", attrs...)
			return job, nil
		}
		logger.Info("batch job in progress", attrs...)

		if !deadline.IsZero() && time.Now().Add(interval).After(deadline) {
			return nil, fmt.Errorf("%w: job %s still %s after %s",
				ErrPollTimeout, jobID, job.Status, timeout)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// requireSucceeded converts a non-succeeded terminal job into the run-fatal
// ErrJobFailed, carrying the job's counts for the operator.
func requireSucceeded(job *BatchJob) error {
	if job.Status == JobSucceeded {
		return nil
	}
	return fmt.Errorf("%w: job %s ended with status %q (counts: %v)",
		ErrJobFailed, job.ID, job.Status, job.Counts)
}
