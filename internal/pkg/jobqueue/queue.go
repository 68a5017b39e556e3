// Package jobqueue runs admin triggers (forced dispatch, expiry sweep,
// payment poll) from a Redis list so they survive a restart.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "trigger:"
	JobQueueKey      = "trigger_queue"
	JobProcessingKey = "trigger_processing"
	JobStatsKey      = "trigger_stats"

	DefaultMaxRetries = 3
	JobTTL            = 7 * 24 * time.Hour

	stuckMaxAge        = 10 * time.Minute
	stuckSweepInterval = time.Minute
)

// moveFromProcessing takes ARGV[1] out of the processing list and, only if it
// was there, pushes it onto the pending list with ARGV[2] (LPUSH puts it at
// the tail, RPUSH at the head).
var moveFromProcessing = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) > 0 then
	redis.call(ARGV[2], KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// Handler executes one job. It may fill job.Result.
type Handler func(ctx context.Context, job *Job) error

// Handlers maps every job type to its handler.
type Handlers map[JobType]Handler

// Queue executes triggers one at a time, in the order they were enqueued.
type Queue struct {
	client   *redis.Client
	handlers Handlers

	// retryDelay scales with the attempt number.
	retryDelay time.Duration

	wg sync.WaitGroup
}

func NewQueue(client *redis.Client, handlers Handlers) *Queue {
	return &Queue{
		client:     client,
		handlers:   handlers,
		retryDelay: 30 * time.Second,
	}
}

// Run processes jobs until ctx is done, together with the stuck sweeper.
func (q *Queue) Run(ctx context.Context) error {
	log.Info("[TriggerQueue] Worker started")

	// Only this worker moves jobs to processing, so anything there now was
	// left by a previous process.
	if n, err := q.RecoverStuck(ctx, 0); err != nil {
		log.Errorf("[TriggerQueue] Startup recovery failed: %v", err)
	} else if n > 0 {
		log.Warnf("[TriggerQueue] Requeued %d jobs left in processing", n)
	}

	q.wg.Add(1)
	go q.stuckSweeper(ctx, stuckMaxAge, stuckSweepInterval)

	for {
		if ctx.Err() != nil {
			break
		}
		job, err := q.dequeueJob(ctx)
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				log.Errorf("[TriggerQueue] Error dequeuing job: %v", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		log.Infof("[TriggerQueue] Processing job %s (Type: %s)", job.ID, job.Type)
		q.processJob(ctx, job)
	}

	q.wg.Wait()
	log.Info("[TriggerQueue] Worker stopped")
	return nil
}

// Enqueue validates and stores a new trigger at the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, eventID string) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		EventID:    eventID,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperror.Transient("jobqueue.Enqueue", err)
	}

	log.Infof("[TriggerQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

func (q *Queue) EnqueueForcedDispatch(ctx context.Context, eventID string) (*Job, error) {
	return q.Enqueue(ctx, JobTypeForcedDispatch, eventID)
}

func (q *Queue) EnqueueExpirySweep(ctx context.Context) (*Job, error) {
	return q.Enqueue(ctx, JobTypeExpirySweep, "")
}

func (q *Queue) EnqueuePaymentPoll(ctx context.Context) (*Job, error) {
	return q.Enqueue(ctx, JobTypePaymentPoll, "")
}

func (q *Queue) EnqueueResultCheck(ctx context.Context) (*Job, error) {
	return q.Enqueue(ctx, JobTypeResultCheck, "")
}

// dequeueJob moves the oldest pending job to the processing list.
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.removeFromProcessing(context.Background(), jobID)
		return nil, fmt.Errorf("job data not usable for ID %s: %w", jobID, err)
	}
	return job, nil
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	err := q.execute(ctx, job)
	if ctx.Err() != nil {
		// Shutdown mid-job. The entry stays in processing for the sweeper.
		log.Warnf("[TriggerQueue] Job %s interrupted by shutdown", job.ID)
		return
	}

	if err != nil {
		log.Errorf("[TriggerQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		if apperror.IsTransient(err) && job.IsRetryable() {
			log.Infof("[TriggerQueue] Retrying job %s (Attempt %d/%d)", job.ID, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)

			// The job stays in processing until the requeue, so a restart
			// during the backoff still recovers it.
			delay := q.retryDelay * time.Duration(job.RetryCount)
			time.AfterFunc(delay, func() {
				if _, err := q.requeue(context.Background(), job.ID, false); err != nil {
					log.Errorf("[TriggerQueue] Failed to requeue job %s: %v", job.ID, err)
				}
			})
			return
		}
	} else {
		log.Infof("[TriggerQueue] Job %s completed", job.ID)
		job.MarkAsCompleted()
	}

	q.updateJob(ctx, job)
	q.removeFromProcessing(ctx, job.ID)
	q.updateJobStats(ctx, job.Status, 1)
}

func (q *Queue) execute(ctx context.Context, job *Job) (err error) {
	handler, ok := q.handlers[job.Type]
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// stuckSweeper requeues jobs left in processing longer than maxAge, which
// happens when the process dies mid-job.
func (q *Queue) stuckSweeper(ctx context.Context, maxAge, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.RecoverStuck(ctx, maxAge); err != nil {
				log.Errorf("[TriggerQueue] Sweeper error: %v", err)
			} else if n > 0 {
				log.Warnf("[TriggerQueue] Recovered %d stuck jobs", n)
			}
		}
	}
}

// RecoverStuck moves processing entries older than maxAge back to pending
// and drops entries whose job data is gone. It returns the number requeued.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[TriggerQueue] Sweeper could not read %s: %v", id, err)
			}
			q.removeFromProcessing(ctx, id)
			continue
		}
		var since time.Time
		switch job.Status {
		case JobStatusProcessing:
			since = job.startedAt()
		case JobStatusRetrying:
			since = job.UpdatedAt
		default:
			q.removeFromProcessing(ctx, id)
			continue
		}
		if age := now.Sub(since); age > maxAge {
			log.Warnf("[TriggerQueue] Recovering stuck job %s (type=%s, status=%s), age=%s", job.ID, job.Type, job.Status, age)
			job.Status = JobStatusPending
			job.ErrorMsg = "recovered by sweeper"
			job.UpdatedAt = now
			q.updateJob(ctx, job)

			moved, err := q.requeue(ctx, id, true)
			if err != nil {
				return recovered, err
			}
			if moved {
				recovered++
			}
		}
	}
	return recovered, nil
}

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[TriggerQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[TriggerQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// requeue moves id from processing back to pending. It reports false when id
// was no longer in processing, so concurrent callers requeue it only once.
func (q *Queue) requeue(ctx context.Context, id string, front bool) (bool, error) {
	push := "LPUSH"
	if front {
		push = "RPUSH"
	}
	n, err := moveFromProcessing.Run(ctx, q.client, []string{JobProcessingKey, JobQueueKey}, id, push).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[TriggerQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[TriggerQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID. A missing job returns redis.Nil.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns the counters per job status.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[JobStatus]int64, len(stats))
	for status, count := range stats {
		if n, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = n
		}
	}
	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
