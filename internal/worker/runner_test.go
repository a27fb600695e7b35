package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupguard/internal/models"
	"signupguard/internal/queue"
	"signupguard/internal/store"
)

type fakeEnricher struct {
	failures int
	calls    int
	envelope models.Envelope
}

func (f *fakeEnricher) Enrich(ctx context.Context, job *models.EnrichmentJob) (models.Envelope, error) {
	f.calls++
	if f.calls <= f.failures {
		return models.Envelope{}, errors.New("upstream probe blew up")
	}
	return f.envelope, nil
}

func testQueue(t *testing.T) *queue.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return queue.NewClient(st, time.Hour)
}

func enqueueJob(t *testing.T, q *queue.Client) string {
	t.Helper()
	partial := models.Envelope{
		Email:           "user@example.com",
		NormalizedEmail: "user@example.com",
		RiskSummary:     models.RiskSummary{Level: models.LevelLow, Action: models.ActionAllow},
	}
	jobID, err := q.Enqueue(context.Background(), models.EmailInput{Email: "user@example.com"}, partial)
	require.NoError(t, err)
	return jobID
}

// drain runs the loop until the job's result leaves PENDING, then cancels.
func drain(t *testing.T, r *Runner, q *queue.Client, jobID string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	for {
		envelope, err := q.Result(context.Background(), jobID)
		require.NoError(t, err)
		if envelope.Enrichment != nil && envelope.Enrichment.Status != models.EnrichmentPending {
			return
		}
		select {
		case <-deadline:
			t.Fatal("job never settled")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunnerCompletesJob(t *testing.T) {
	q := testQueue(t)
	jobID := enqueueJob(t, q)

	enricher := &fakeEnricher{envelope: models.Envelope{
		Email:           "user@example.com",
		NormalizedEmail: "user@example.com",
		RiskSummary:     models.RiskSummary{Score: 60, Level: models.LevelMedium, Action: models.ActionChallenge},
	}}

	r := NewRunner(q, enricher, 3, false)
	r.pollDelay = 10 * time.Millisecond
	drain(t, r, q, jobID)

	envelope, err := q.Result(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, envelope.Enrichment)
	assert.Equal(t, models.EnrichmentComplete, envelope.Enrichment.Status)
	require.NotNil(t, envelope.Enrichment.JobID)
	assert.Equal(t, jobID, *envelope.Enrichment.JobID)
	assert.Equal(t, 60, envelope.RiskSummary.Score)
	assert.Equal(t, 1, enricher.calls)
}

func TestRunnerRetriesThenCompletes(t *testing.T) {
	q := testQueue(t)
	jobID := enqueueJob(t, q)

	enricher := &fakeEnricher{
		failures: 2,
		envelope: models.Envelope{NormalizedEmail: "user@example.com"},
	}

	r := NewRunner(q, enricher, 3, false)
	r.pollDelay = 10 * time.Millisecond
	drain(t, r, q, jobID)

	envelope, err := q.Result(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentComplete, envelope.Enrichment.Status)
	assert.Equal(t, 3, enricher.calls)
}

func TestRunnerFailsAfterMaxAttempts(t *testing.T) {
	q := testQueue(t)
	jobID := enqueueJob(t, q)

	enricher := &fakeEnricher{failures: 100}

	r := NewRunner(q, enricher, 2, false)
	r.pollDelay = 10 * time.Millisecond
	drain(t, r, q, jobID)

	envelope, err := q.Result(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, envelope.Enrichment)
	assert.Equal(t, models.EnrichmentFailed, envelope.Enrichment.Status)
	assert.Equal(t, "ENRICHMENT_FAILED", envelope.Enrichment.Error)
	// The partial scoring survives in the failed result.
	assert.Equal(t, "user@example.com", envelope.NormalizedEmail)
	assert.Equal(t, 2, enricher.calls)
}

func TestRunnerWakesOnEnqueue(t *testing.T) {
	q := testQueue(t)

	enricher := &fakeEnricher{envelope: models.Envelope{NormalizedEmail: "user@example.com"}}
	r := NewRunner(q, enricher, 1, false)
	// A poll interval far beyond the test deadline: only the wakeup
	// notification can get the job picked up in time.
	r.pollDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Let the runner drain the empty queue and settle into its idle wait.
	time.Sleep(100 * time.Millisecond)
	jobID := enqueueJob(t, q)

	deadline := time.After(5 * time.Second)
	for {
		envelope, err := q.Result(context.Background(), jobID)
		require.NoError(t, err)
		if envelope.Enrichment != nil && envelope.Enrichment.Status == models.EnrichmentComplete {
			return
		}
		select {
		case <-deadline:
			t.Fatal("job not processed before the poll interval")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	q := testQueue(t)
	r := NewRunner(q, &fakeEnricher{}, 1, false)
	r.pollDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}
