// Package queue moves enrichment jobs between the fast path and the worker
// through the store: a FIFO list for jobs and TTL'd keys for results.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signupguard/internal/metrics"
	"signupguard/internal/models"
	"signupguard/internal/store"
)

const (
	// JobsKey is the FIFO list the worker pops from.
	JobsKey = "jobs:enrich"
	// ResultPrefix keys envelopes by job id.
	ResultPrefix = "result:"
	// WakeupChannel nudges pollers when blocking pops are unavailable.
	WakeupChannel = "jobs:wakeup"
)

type Client struct {
	store     *store.Store
	resultTTL time.Duration
}

func NewClient(s *store.Store, resultTTL time.Duration) *Client {
	return &Client{store: s, resultTTL: resultTTL}
}

// Enqueue creates a job for the partial envelope, writes the pending result
// so it is pollable immediately, and pushes the job onto the list.
func (c *Client) Enqueue(ctx context.Context, input models.EmailInput, partial models.Envelope) (string, error) {
	jobID := uuid.NewString()
	partial.Enrichment = &models.Enrichment{
		Status: models.EnrichmentPending,
		JobID:  &jobID,
	}

	if err := c.StoreResult(ctx, jobID, partial); err != nil {
		return "", fmt.Errorf("queue: write pending result: %w", err)
	}

	job := models.EnrichmentJob{
		JobID:           jobID,
		CreatedAt:       time.Now().UTC(),
		Input:           input,
		PartialEnvelope: partial,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := c.store.PushJob(ctx, JobsKey, raw); err != nil {
		return "", fmt.Errorf("queue: push job: %w", err)
	}

	// Best effort: pollers that missed the push wake on their next tick.
	_ = c.store.Publish(ctx, WakeupChannel, jobID)

	metrics.EnrichmentJobs.WithLabelValues("enqueued").Inc()
	return jobID, nil
}

// StoreResult overwrites the envelope at result:{job_id} and refreshes its TTL.
func (c *Client) StoreResult(ctx context.Context, jobID string, envelope models.Envelope) error {
	return c.store.SetJSON(ctx, ResultPrefix+jobID, envelope, c.resultTTL)
}

// Result fetches the envelope for a job id. store.ErrNotFound means the id is
// unknown or the result expired.
func (c *Client) Result(ctx context.Context, jobID string) (models.Envelope, error) {
	var envelope models.Envelope
	err := c.store.GetJSON(ctx, ResultPrefix+jobID, &envelope)
	return envelope, err
}

// Pop blocks up to timeout for the next job. A nil job with nil error means
// the timeout elapsed with an empty queue.
func (c *Client) Pop(ctx context.Context, timeout time.Duration) (*models.EnrichmentJob, error) {
	raw, err := c.store.PopJob(ctx, JobsKey, timeout)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(raw)
}

// TryPop is the non-blocking variant for stores without blocking list ops.
func (c *Client) TryPop(ctx context.Context) (*models.EnrichmentJob, error) {
	raw, err := c.store.TryPopJob(ctx, JobsKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(raw)
}

// Wakeups subscribes to the enqueue notification channel and returns a
// signal channel for pollers. Bursts coalesce into one pending signal. The
// channel closes when ctx is cancelled.
func (c *Client) Wakeups(ctx context.Context) <-chan struct{} {
	sub := c.store.Subscribe(ctx, WakeupChannel)
	out := make(chan struct{}, 1)

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// Requeue pushes a job back for another attempt.
func (c *Client) Requeue(ctx context.Context, job *models.EnrichmentJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := c.store.PushJob(ctx, JobsKey, raw); err != nil {
		return fmt.Errorf("queue: requeue job: %w", err)
	}
	metrics.EnrichmentJobs.WithLabelValues("requeued").Inc()
	return nil
}

// Depth returns the number of queued jobs, for admin visibility.
func (c *Client) Depth(ctx context.Context) (int64, error) {
	return c.store.ListLen(ctx, JobsKey)
}

func decodeJob(raw []byte) (*models.EnrichmentJob, error) {
	var job models.EnrichmentJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	return &job, nil
}
