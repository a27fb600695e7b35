// Package worker drains the enrichment queue: pop a job, run the slow
// probes, write the final envelope back for polling.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"signupguard/internal/metrics"
	"signupguard/internal/models"
	"signupguard/internal/queue"
)

// Enricher is the slice of the engine the worker needs.
type Enricher interface {
	Enrich(ctx context.Context, job *models.EnrichmentJob) (models.Envelope, error)
}

type Runner struct {
	queue       *queue.Client
	enricher    Enricher
	maxAttempts int
	blockingPop bool
	popTimeout  time.Duration
	pollDelay   time.Duration
	jobBudget   time.Duration
}

func NewRunner(q *queue.Client, enricher Enricher, maxAttempts int, blockingPop bool) *Runner {
	return &Runner{
		queue:       q,
		enricher:    enricher,
		maxAttempts: maxAttempts,
		blockingPop: blockingPop,
		popTimeout:  5 * time.Second,
		pollDelay:   time.Second,
		jobBudget:   60 * time.Second,
	}
}

// Run blocks until ctx is cancelled. Safe to run from several processes at
// once: each job is popped by exactly one worker.
func (r *Runner) Run(ctx context.Context) {
	log.Println("worker: started, waiting for jobs")

	// Polling mode listens for enqueue notifications so a fresh job doesn't
	// sit through a full poll interval.
	var wakeups <-chan struct{}
	if !r.blockingPop {
		wakeups = r.queue.Wakeups(ctx)
	}

	for {
		if ctx.Err() != nil {
			log.Println("worker: shutting down")
			return
		}

		job, err := r.next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			log.Printf("worker: pop failed: %v", err)
			r.sleep(ctx, r.pollDelay)
			continue
		}
		if job == nil {
			if !r.blockingPop {
				r.idle(ctx, wakeups)
			}
			continue
		}

		r.process(ctx, job)
	}
}

// idle waits for the next poll tick or an enqueue notification, whichever
// comes first.
func (r *Runner) idle(ctx context.Context, wakeups <-chan struct{}) {
	select {
	case <-time.After(r.pollDelay):
	case <-wakeups:
	case <-ctx.Done():
	}
}

func (r *Runner) next(ctx context.Context) (*models.EnrichmentJob, error) {
	if r.blockingPop {
		return r.queue.Pop(ctx, r.popTimeout)
	}
	return r.queue.TryPop(ctx)
}

// process enriches one job. Failures requeue it until the attempt budget is
// spent, then the result is overwritten with a FAILED envelope so pollers
// aren't left with a forever-PENDING status.
func (r *Runner) process(ctx context.Context, job *models.EnrichmentJob) {
	job.Attempts++

	jobCtx, cancel := context.WithTimeout(ctx, r.jobBudget)
	envelope, err := r.enricher.Enrich(jobCtx, job)
	cancel()

	if err != nil {
		log.Printf("worker: job %s attempt %d failed: %v", job.JobID, job.Attempts, err)
		metrics.EnrichmentJobs.WithLabelValues("retried").Inc()

		if job.Attempts >= r.maxAttempts {
			r.fail(ctx, job, err)
			return
		}
		if rerr := r.queue.Requeue(ctx, job); rerr != nil {
			log.Printf("worker: requeue of %s failed: %v", job.JobID, rerr)
			r.fail(ctx, job, err)
		}
		return
	}

	envelope.Enrichment = &models.Enrichment{
		Status: models.EnrichmentComplete,
		JobID:  &job.JobID,
	}
	if err := r.queue.StoreResult(ctx, job.JobID, envelope); err != nil {
		log.Printf("worker: store result for %s failed: %v", job.JobID, err)
		return
	}
	metrics.EnrichmentJobs.WithLabelValues("completed").Inc()
	log.Printf("worker: job %s done, score %d %s", job.JobID, envelope.RiskSummary.Score, envelope.RiskSummary.Level)
}

func (r *Runner) fail(ctx context.Context, job *models.EnrichmentJob, cause error) {
	envelope := job.PartialEnvelope
	envelope.Enrichment = &models.Enrichment{
		Status: models.EnrichmentFailed,
		JobID:  &job.JobID,
		Error:  "ENRICHMENT_FAILED",
	}
	if err := r.queue.StoreResult(ctx, job.JobID, envelope); err != nil {
		log.Printf("worker: store failure for %s failed: %v", job.JobID, err)
	}
	metrics.EnrichmentJobs.WithLabelValues("failed").Inc()
	log.Printf("worker: job %s gave up after %d attempts: %v", job.JobID, job.Attempts, cause)
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
