package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ZeusTips/app/models"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store/storetest"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/subscription"
)

type fakeChecker struct {
	mu       sync.Mutex
	statuses map[string]Status
	errs     map[string]error
	calls    map[string]int
	// onCheck runs before the status is returned.
	onCheck func(ref string)
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{statuses: map[string]Status{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeChecker) set(ref string, st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = st
	delete(f.errs, ref)
}

func (f *fakeChecker) CheckPaymentStatus(_ context.Context, ref string) (Status, error) {
	if f.onCheck != nil {
		f.onCheck(ref)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ref]++
	if err, ok := f.errs[ref]; ok {
		return "", err
	}
	if st, ok := f.statuses[ref]; ok {
		return st, nil
	}
	return StatusPending, nil
}

type verifierFixture struct {
	store    store.Store
	subs     *subscription.Service
	checker  *fakeChecker
	verifier *Verifier
}

func newVerifierFixture(t *testing.T) *verifierFixture {
	st := storetest.New(t)
	subs := subscription.NewService(st, subscription.DefaultDurations)
	checker := newFakeChecker()
	v := NewVerifier(st, subs, checker, Config{
		PollInterval: time.Minute,
		CallTimeout:  time.Second,
		IntentMaxAge: 48 * time.Hour,
		MaxChecks:    3,
	})
	return &verifierFixture{store: st, subs: subs, checker: checker, verifier: v}
}

func (f *verifierFixture) request(t *testing.T, id int64, plan, ref string) {
	t.Helper()
	_, _, err := f.subs.RequestPayment(context.Background(), subscription.PaymentRequest{SubscriberID: id, Plan: plan, PaymentRef: ref})
	require.NoError(t, err)
}

func TestPollSettlesFailsAndWaits(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t)

	f.request(t, 1, models.PlanMonthly, "ok")
	f.request(t, 2, models.PlanQuarterly, "bad")
	f.request(t, 3, models.PlanLifetime, "wait")
	f.checker.set("ok", StatusSettled)
	f.checker.set("bad", StatusFailed)

	report, err := f.verifier.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Pending)

	sub, err := f.store.GetSubscriber(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStateActive, sub.State)
	require.NotNil(t, sub.ExpiresAt)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *sub.ExpiresAt, time.Minute)

	sub, err = f.store.GetSubscriber(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatePaymentFailed, sub.State)

	sub, err = f.store.GetSubscriber(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatePendingPayment, sub.State)

	intent, err := f.store.GetPaymentIntent(ctx, "wait")
	require.NoError(t, err)
	assert.Equal(t, 1, intent.CheckCount)

	// Resolved refs are never polled again.
	_, err = f.verifier.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.checker.calls["ok"])
	assert.Equal(t, 1, f.checker.calls["bad"])
	assert.Equal(t, 2, f.checker.calls["wait"])
}

func TestPollTransientErrorRetriesNextTick(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t)
	f.request(t, 1, models.PlanMonthly, "flaky")
	f.checker.errs["flaky"] = apperror.Transient("test", context.DeadlineExceeded)

	report, err := f.verifier.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)

	sub, err := f.store.GetSubscriber(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatePendingPayment, sub.State)

	f.checker.set("flaky", StatusSettled)
	report, err = f.verifier.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
}

func TestPollGivesUpAfterMaxChecks(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t)
	f.request(t, 1, models.PlanMonthly, "never")

	for i := 0; i < 3; i++ {
		_, err := f.verifier.PollOnce(ctx)
		require.NoError(t, err)
	}
	report, err := f.verifier.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GaveUp)
	assert.Equal(t, 3, f.checker.calls["never"])

	sub, err := f.store.GetSubscriber(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatePaymentFailed, sub.State)
}

func TestPollGivesUpOnStaleIntent(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t)
	f.request(t, 1, models.PlanMonthly, "old")
	f.verifier.now = func() time.Time { return time.Now().Add(72 * time.Hour) }

	report, err := f.verifier.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GaveUp)
	assert.Zero(t, f.checker.calls["old"])
}

func TestPollInvalidatesOlderPendingIntents(t *testing.T) {
	ctx := context.Background()
	db := storetest.OpenDB(t)
	st := store.NewGormStore(db)
	subs := subscription.NewService(st, subscription.DefaultDurations)
	checker := newFakeChecker()
	v := NewVerifier(st, subs, checker, Config{CallTimeout: time.Second})

	// Rows written before the one-pending-ref rule can hold two pending refs.
	require.NoError(t, st.UpsertSubscriber(ctx, &models.Subscriber{ID: 4, Plan: models.PlanMonthly, State: models.SubscriberStatePendingPayment}))
	require.NoError(t, db.Create(&[]models.PaymentIntent{
		{Ref: "older", SubscriberID: 4, Plan: models.PlanMonthly, Status: models.PaymentIntentPending, CreatedAt: time.Now().Add(-time.Hour)},
		{Ref: "newer", SubscriberID: 4, Plan: models.PlanMonthly, Status: models.PaymentIntentPending, CreatedAt: time.Now()},
	}).Error)
	checker.set("newer", StatusSettled)

	report, err := v.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 1, report.Invalidated)
	assert.Zero(t, checker.calls["older"])

	older, err := st.GetPaymentIntent(ctx, "older")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentIntentInvalid, older.Status)

	sub, err := st.GetSubscriber(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStateActive, sub.State)
}

func TestSettleTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t)
	f.request(t, 1, models.PlanMonthly, "ok")
	f.checker.set("ok", StatusSettled)

	_, err := f.verifier.PollOnce(ctx)
	require.NoError(t, err)
	first, err := f.store.GetSubscriber(ctx, 1)
	require.NoError(t, err)

	_, err = f.subs.Settle(ctx, "ok")
	require.NoError(t, err)
	second, err := f.store.GetSubscriber(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ExpiresAt.UTC(), second.ExpiresAt.UTC())
}

func TestPollKeepsIntentResolvedDuringCheck(t *testing.T) {
	ctx := context.Background()
	f := newVerifierFixture(t)
	f.request(t, 9, models.PlanMonthly, "R9")
	f.checker.onCheck = func(string) {
		_, err := f.subs.Revoke(ctx, 9)
		require.NoError(t, err)
	}

	report, err := f.verifier.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Pending)

	intent, err := f.store.GetPaymentIntent(ctx, "R9")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentIntentInvalid, intent.Status)
	assert.Equal(t, 0, intent.CheckCount)

	pending, err := f.store.ListPendingIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
