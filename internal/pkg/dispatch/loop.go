package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// CronLogger routes robfig/cron messages to the fiber logger under a
// component prefix such as "[Dispatch]".
type CronLogger struct {
	Prefix string
}

func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debugf("%s cron: %s %v", l.Prefix, msg, keysAndValues)
}

func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Errorf("%s cron: %s: %v %v", l.Prefix, msg, err, keysAndValues)
}

// NewCron builds the cron runner for the configured dispatch times. Each
// firing runs one scheduled cycle.
func (s *Scheduler) NewCron(ctx context.Context) (*cron.Cron, error) {
	specs, err := CronSpecs(s.cfg.Times)
	if err != nil {
		return nil, err
	}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(CronLogger{Prefix: "[Dispatch]"}),
		cron.WithChain(cron.Recover(CronLogger{Prefix: "[Dispatch]"})),
	)
	for _, spec := range specs {
		if _, err := c.AddFunc(spec, func() {
			_, _ = s.RunCycle(ctx, Scheduled())
		}); err != nil {
			return nil, fmt.Errorf("add dispatch time %q: %w", spec, err)
		}
		log.Infof("[Dispatch] Scheduled cycle at %q (%s)", spec, s.cfg.Location)
	}
	return c, nil
}

// Run drives scheduled cycles and the expiry sweep until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	c, err := s.NewCron(ctx)
	if err != nil {
		return err
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
		log.Info("[Dispatch] Stopped")
	}()

	sweep := time.NewTicker(s.cfg.ExpirySweepInterval)
	defer sweep.Stop()
	log.Infof("[ExpirySweep] Started (interval: %s)", s.cfg.ExpirySweepInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				log.Errorf("[ExpirySweep] Sweep failed: %v", err)
			}
		}
	}
}
