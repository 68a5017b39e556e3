package jobqueue

import (
	"strings"
	"time"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

// JobType defines the type of trigger
type JobType string

const (
	JobTypeForcedDispatch JobType = "forced_dispatch"
	JobTypeExpirySweep    JobType = "expiry_sweep"
	JobTypePaymentPoll    JobType = "payment_poll"
	JobTypeResultCheck    JobType = "result_check"
)

// JobStatus defines the status of a trigger
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is one queued admin trigger.
type Job struct {
	ID          string      `json:"id"`
	Type        JobType     `json:"type"`
	Status      JobStatus   `json:"status"`
	EventID     string      `json:"event_id,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ErrorMsg    string      `json:"error_msg,omitempty"`
	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
}

// Validate checks that the job type is known and carries what it needs.
func (j *Job) Validate() error {
	const op = "jobqueue.Validate"
	switch j.Type {
	case JobTypeForcedDispatch:
		if strings.TrimSpace(j.EventID) == "" {
			return apperror.Constraint(op, "forced dispatch needs an event id")
		}
	case JobTypeExpirySweep, JobTypePaymentPoll, JobTypeResultCheck:
	default:
		return apperror.Constraint(op, "unknown job type %q", j.Type)
	}
	return nil
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

// startedAt is when processing began, falling back to the last update.
func (j *Job) startedAt() time.Time {
	if j.ProcessedAt != nil && !j.ProcessedAt.IsZero() {
		return *j.ProcessedAt
	}
	if !j.UpdatedAt.IsZero() {
		return j.UpdatedAt
	}
	return j.CreatedAt
}
