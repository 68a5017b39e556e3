package dispatch

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/tipformat"
)

// SweepReport summarises one expiry sweep.
type SweepReport struct {
	Expired  int `json:"expired"`
	Notified int `json:"notified"`
	Errors   int `json:"errors"`
}

// SweepExpired moves lapsed subscribers to expired and sends each of them
// one expiry notice. A notice that fails is retried on the next sweep.
// Channel membership is left untouched.
func (s *Scheduler) SweepExpired(ctx context.Context) (*SweepReport, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.now()
	report := &SweepReport{}

	lapsed, err := s.store.ListExpiringBefore(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, sub := range lapsed {
		_, changed, err := s.subs.Expire(ctx, sub.ID)
		if err != nil {
			log.Errorf("[ExpirySweep] Expire %d failed: %v", sub.ID, err)
			report.Errors++
			continue
		}
		if changed {
			report.Expired++
			log.Infof("[ExpirySweep] Subscriber %d expired", sub.ID)
		}
	}

	expired, err := s.store.ListByState(ctx, models.SubscriberStateExpired)
	if err != nil {
		return nil, err
	}
	for _, sub := range expired {
		if sub.NotifiedExpired {
			continue
		}
		// A concurrent renewal may have restored access since the listing.
		if s.access != nil && s.access.CanAccessPremium(ctx, sub.ID) {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		err := s.notifier.NotifySubscriber(callCtx, sub.ID, tipformat.ExpiryNotice())
		cancel()
		if err != nil {
			log.Warnf("[ExpirySweep] Notice to %d failed, retrying next sweep: %v", sub.ID, err)
			report.Errors++
			continue
		}
		if err := s.subs.MarkExpiryNotified(ctx, sub.ID); err != nil {
			log.Errorf("[ExpirySweep] Could not mark %d notified: %v", sub.ID, err)
			report.Errors++
			continue
		}
		report.Notified++
	}

	finished := s.now()
	if err := s.store.SetSetting(ctx, models.SettingLastSweepAt, finished.UTC().Format(time.RFC3339)); err != nil {
		log.Warnf("[ExpirySweep] Could not persist last sweep time: %v", err)
	}
	s.stateMu.Lock()
	s.lastSweepAt = finished
	s.stateMu.Unlock()

	if report.Expired > 0 || report.Notified > 0 || report.Errors > 0 {
		log.Infof("[ExpirySweep] Done: expired=%d notified=%d errors=%d", report.Expired, report.Notified, report.Errors)
	}
	return report, nil
}
