package jobqueue

import (
	"context"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/dispatch"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/payment"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/results"
)

// Dispatcher is the part of the scheduler the queue drives.
type Dispatcher interface {
	RunCycle(ctx context.Context, trig dispatch.Trigger) (*dispatch.Result, error)
	SweepExpired(ctx context.Context) (*dispatch.SweepReport, error)
}

// Poller runs one payment verification pass.
type Poller interface {
	PollOnce(ctx context.Context) (*payment.PollReport, error)
}

// ResultChecker settles dispatched tips.
type ResultChecker interface {
	CheckResults(ctx context.Context) (*results.CheckReport, error)
}

// NewHandlers binds every trigger type to the scheduler and verifier. The
// report of each run is kept on the job.
func NewHandlers(d Dispatcher, p Poller) Handlers {
	return Handlers{
		JobTypeForcedDispatch: func(ctx context.Context, job *Job) error {
			res, err := d.RunCycle(ctx, dispatch.Forced(job.EventID))
			if res != nil {
				job.Result = res
			}
			return err
		},
		JobTypeExpirySweep: func(ctx context.Context, job *Job) error {
			rep, err := d.SweepExpired(ctx)
			if rep != nil {
				job.Result = rep
			}
			return err
		},
		JobTypePaymentPoll: func(ctx context.Context, job *Job) error {
			rep, err := p.PollOnce(ctx)
			if rep != nil {
				job.Result = rep
			}
			return err
		},
	}
}

// WithResultChecker adds the result check trigger. Without it such jobs fail
// as unknown.
func (h Handlers) WithResultChecker(r ResultChecker) Handlers {
	h[JobTypeResultCheck] = func(ctx context.Context, job *Job) error {
		rep, err := r.CheckResults(ctx)
		if rep != nil {
			job.Result = rep
		}
		return err
	}
	return h
}
