package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

func TestConstants(t *testing.T) {
	assert.Equal(t, "trigger:", JobKeyPrefix)
	assert.Equal(t, "trigger_queue", JobQueueKey)
	assert.Equal(t, "trigger_processing", JobProcessingKey)
	assert.Equal(t, 3, DefaultMaxRetries)
}

func TestEnqueueRejectsInvalidJobWithoutRedis(t *testing.T) {
	q := NewQueue(nil, nil)
	_, err := q.EnqueueForcedDispatch(context.Background(), "")
	assert.True(t, apperror.IsConstraint(err))
}

func TestEnqueueAndRunInOrder(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	q := NewQueue(client, Handlers{
		JobTypeForcedDispatch: func(_ context.Context, job *Job) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, job.EventID)
			return nil
		},
	})

	var ids []string
	for _, ev := range []string{"A", "B", "C"} {
		job, err := q.EnqueueForcedDispatch(ctx, ev)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		_ = q.Run(runCtx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		stats, err := q.GetJobStats(ctx)
		return err == nil && stats[JobStatusCompleted] == 3
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-stopped

	mu.Lock()
	assert.Equal(t, []string{"A", "B", "C"}, order)
	mu.Unlock()
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, JobStatusCompleted, job.Status)
	}
	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)
}

func TestProcessJobPermanentFailure(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()

	q := NewQueue(client, Handlers{
		JobTypePaymentPoll: func(context.Context, *Job) error { return errors.New("bad config") },
	})
	job, err := q.EnqueuePaymentPoll(ctx)
	require.NoError(t, err)

	got, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, got)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Equal(t, "bad config", stored.ErrorMsg)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestProcessJobTransientFailureIsRetried(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()

	q := NewQueue(client, Handlers{
		JobTypeExpirySweep: func(context.Context, *Job) error {
			return apperror.Transient("test", errors.New("timeout"))
		},
	})
	q.retryDelay = 10 * time.Millisecond

	job, err := q.EnqueueExpirySweep(ctx)
	require.NoError(t, err)
	got, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, got)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	assert.Eventually(t, func() bool {
		n, err := q.GetQueueSize(ctx)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)
}

func TestRetryingJobSurvivesRestartDuringBackoff(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()

	q := NewQueue(client, Handlers{
		JobTypeExpirySweep: func(context.Context, *Job) error {
			return apperror.Transient("test", errors.New("timeout"))
		},
	})
	q.retryDelay = time.Hour

	job, err := q.EnqueueExpirySweep(ctx)
	require.NoError(t, err)
	got, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, got)

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing, "job waits in processing during backoff")

	// A fresh process recovers everything left in processing at startup.
	restarted := NewQueue(client, nil)
	n, err := restarted.RecoverStuck(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := restarted.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	stored, err := restarted.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	// The original timer firing later must not queue the job twice.
	moved, err := q.requeue(ctx, job.ID, false)
	require.NoError(t, err)
	assert.False(t, moved)
	pending, err = restarted.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestRecoverStuck(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()
	q := NewQueue(client, nil)

	job, err := q.EnqueueExpirySweep(ctx)
	require.NoError(t, err)
	got, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	got.MarkAsProcessing()
	old := time.Now().Add(-time.Hour)
	got.ProcessedAt = &old
	q.updateJob(ctx, got)

	require.NoError(t, client.LPush(ctx, JobProcessingKey, "missing").Err())

	n, err := q.RecoverStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Equal(t, "recovered by sweeper", stored.ErrorMsg)
}
