package payment

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/subscription"
)

// Config tunes the verifier loop.
type Config struct {
	PollInterval time.Duration
	CallTimeout  time.Duration
	IntentMaxAge time.Duration
	MaxChecks    int
}

// PollReport summarises one verification pass.
type PollReport struct {
	Checked     int `json:"checked"`
	Settled     int `json:"settled"`
	Failed      int `json:"failed"`
	Pending     int `json:"pending"`
	Invalidated int `json:"invalidated"`
	GaveUp      int `json:"gave_up"`
	Errors      int `json:"errors"`
}

// Verifier polls the payment provider for every pending intent and applies
// the verdict to the subscriber.
type Verifier struct {
	store   store.Store
	subs    *subscription.Service
	checker StatusChecker
	cfg     Config
	now     func() time.Time

	mu sync.Mutex
}

func NewVerifier(st store.Store, subs *subscription.Service, checker StatusChecker, cfg Config) *Verifier {
	return &Verifier{
		store:   st,
		subs:    subs,
		checker: checker,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run polls every PollInterval until ctx is done.
func (v *Verifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()
	log.Infof("[PaymentVerifier] Started (interval: %s)", v.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Info("[PaymentVerifier] Stopping")
			return nil
		case <-ticker.C:
			if _, err := v.PollOnce(ctx); err != nil {
				log.Errorf("[PaymentVerifier] Poll failed: %v", err)
			}
		}
	}
}

// PollOnce runs a single pass. Passes never overlap. Per intent failures are
// logged and counted, and only store listing errors abort the pass.
func (v *Verifier) PollOnce(ctx context.Context) (*PollReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	intents, err := v.store.ListPendingIntents(ctx)
	if err != nil {
		return nil, err
	}

	report := &PollReport{}
	seen := make(map[int64]struct{}, len(intents))
	for i := range intents {
		intent := intents[i]
		if _, ok := seen[intent.SubscriberID]; ok {
			// Newest intent of this subscriber was already handled.
			if err := v.subs.Invalidate(ctx, intent.Ref); err != nil {
				log.Errorf("[PaymentVerifier] Invalidate %s failed: %v", intent.Ref, err)
				report.Errors++
				continue
			}
			report.Invalidated++
			continue
		}
		seen[intent.SubscriberID] = struct{}{}
		v.verify(ctx, &intent, report)
	}

	if err := v.store.SetSetting(ctx, models.SettingLastPaymentPoll, v.now().UTC().Format(time.RFC3339)); err != nil {
		log.Warnf("[PaymentVerifier] Could not persist last poll time: %v", err)
	}
	if report.Checked > 0 {
		log.Infof("[PaymentVerifier] Pass done: checked=%d settled=%d failed=%d pending=%d invalidated=%d gave_up=%d errors=%d",
			report.Checked, report.Settled, report.Failed, report.Pending, report.Invalidated, report.GaveUp, report.Errors)
	}
	return report, nil
}

func (v *Verifier) verify(ctx context.Context, intent *models.PaymentIntent, report *PollReport) {
	if v.exhausted(intent) {
		if _, err := v.subs.Fail(ctx, intent.Ref); err != nil {
			log.Errorf("[PaymentVerifier] Giving up on %s failed: %v", intent.Ref, err)
			report.Errors++
			return
		}
		log.Warnf("[PaymentVerifier] Gave up on %s after %d checks", intent.Ref, intent.CheckCount)
		report.GaveUp++
		return
	}

	report.Checked++
	callCtx, cancel := context.WithTimeout(ctx, v.cfg.CallTimeout)
	status, err := v.checker.CheckPaymentStatus(callCtx, intent.Ref)
	cancel()
	if err != nil {
		report.Errors++
		if apperror.IsTransient(err) || callCtx.Err() != nil {
			log.Warnf("[PaymentVerifier] Transient error for %s, retrying next tick: %v", intent.Ref, err)
		} else {
			log.Errorf("[PaymentVerifier] Check %s failed: %v", intent.Ref, err)
		}
		// The failed attempt still counts towards the check budget.
		if _, err := v.subs.RecordPendingCheck(ctx, intent.Ref); err != nil {
			log.Errorf("[PaymentVerifier] Recording check for %s failed: %v", intent.Ref, err)
		}
		return
	}

	switch status {
	case StatusSettled:
		sub, err := v.subs.Settle(ctx, intent.Ref)
		if err != nil {
			log.Errorf("[PaymentVerifier] Settle %s failed: %v", intent.Ref, err)
			report.Errors++
			return
		}
		if sub.State == models.SubscriberStateRevoked {
			log.Warnf("[PaymentVerifier] Settled %s for revoked subscriber %d, access not granted", intent.Ref, sub.ID)
		} else {
			log.Infof("[PaymentVerifier] Subscriber %d active (%s)", sub.ID, sub.Plan)
		}
		report.Settled++
	case StatusFailed:
		if _, err := v.subs.Fail(ctx, intent.Ref); err != nil {
			log.Errorf("[PaymentVerifier] Fail %s failed: %v", intent.Ref, err)
			report.Errors++
			return
		}
		log.Infof("[PaymentVerifier] Payment %s failed", intent.Ref)
		report.Failed++
	default:
		recorded, err := v.subs.RecordPendingCheck(ctx, intent.Ref)
		if err != nil {
			log.Errorf("[PaymentVerifier] Recording check for %s failed: %v", intent.Ref, err)
			report.Errors++
			return
		}
		if !recorded {
			log.Infof("[PaymentVerifier] %s was resolved during the check, leaving it", intent.Ref)
			return
		}
		report.Pending++
	}
}

func (v *Verifier) exhausted(intent *models.PaymentIntent) bool {
	if v.cfg.MaxChecks > 0 && intent.CheckCount >= v.cfg.MaxChecks {
		return true
	}
	return v.cfg.IntentMaxAge > 0 && v.now().Sub(intent.CreatedAt) > v.cfg.IntentMaxAge
}
