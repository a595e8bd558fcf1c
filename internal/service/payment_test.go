package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
)

func (f *fixture) state(id int64) model.ChargeState {
	return f.store.charge(id).State
}

func TestCreatePaymentOldestFirst_SettlesInTimestampOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()

	// Заведены не в порядке времени, чтобы порядок шёл по времени, а не по идентификатору.
	c3 := f.debt(u, 1500, baseTime.Add(3*time.Hour))
	c1 := f.debt(u, 1000, baseTime.Add(1*time.Hour))
	c2 := f.debt(u, 2000, baseTime.Add(2*time.Hour))

	_, err := f.svc.CreatePaymentOldestFirst(ctx, u, 3100, 2)
	assertKind(t, apperror.KindAmountMismatch, err)
	assert.Equal(t, model.ChargeStateDebt, f.state(c1))
	assert.Equal(t, model.ChargeStateDebt, f.state(c2))

	p, err := f.svc.CreatePaymentOldestFirst(ctx, u, 3000, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{c1, c2}, p.ChargeIDs)
	assert.Equal(t, int64(3000), p.Amount)
	assert.True(t, p.Active)

	assert.Equal(t, model.ChargeStatePaid, f.state(c1))
	assert.Equal(t, model.ChargeStatePaid, f.state(c2))
	assert.Equal(t, model.ChargeStateDebt, f.state(c3))
	assert.Equal(t, 1, f.metrics.payments[paymentModeOldestFirst])

	stored, err := f.svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{c1, c2}, stored.ChargeIDs)
}

func TestCreatePaymentOldestFirst_EqualTimestampsSettleLowerIDFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()

	a := f.debt(u, 1000, baseTime)
	b := f.debt(u, 2000, baseTime)
	require.Less(t, a, b)

	p, err := f.svc.CreatePaymentOldestFirst(ctx, u, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{a}, p.ChargeIDs)
	assert.Equal(t, model.ChargeStatePaid, f.state(a))
	assert.Equal(t, model.ChargeStateDebt, f.state(b))
}

func TestCreatePaymentOldestFirst_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()
	f.debt(u, 1000, baseTime)

	inactive := f.debt(u, 5000, baseTime.Add(-time.Hour))
	_, err := f.svc.SetChargeActive(ctx, inactive, false)
	require.NoError(t, err)

	_, err = f.svc.CreatePaymentOldestFirst(ctx, u, 1000, 0)
	assertKind(t, apperror.KindInvalid, err)

	_, err = f.svc.CreatePaymentOldestFirst(ctx, u, -1, 1)
	assertKind(t, apperror.KindInvalid, err)

	_, err = f.svc.CreatePaymentOldestFirst(ctx, u, 6000, 2)
	assertKind(t, apperror.KindInvalidState, err)

	_, err = f.svc.CreatePaymentOldestFirst(ctx, 999, 1000, 1)
	assertKind(t, apperror.KindNotFound, err)

	p, err := f.svc.CreatePaymentOldestFirst(ctx, u, 1000, 1)
	require.NoError(t, err)
	assert.Len(t, p.ChargeIDs, 1)
}

func TestCreatePaymentExplicit_TrustsAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.owner()
	driver := f.driver(owner)

	c1 := f.debt(owner, 1000, baseTime)
	c2 := f.debt(driver, 2000, baseTime)

	p, err := f.svc.CreatePaymentExplicit(ctx, owner, 1, []int64{c2, c1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Amount)
	assert.Equal(t, []int64{c2, c1}, p.ChargeIDs)
	assert.Equal(t, model.ChargeStatePaid, f.state(c1))
	assert.Equal(t, model.ChargeStatePaid, f.state(c2))
	assert.Equal(t, 1, f.metrics.payments[paymentModeExplicit])
}

func TestCreatePaymentExplicit_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()

	debt := f.debt(u, 1000, baseTime)
	paid := f.debt(u, 1000, baseTime)
	_, err := f.svc.CreatePaymentExplicit(ctx, u, 1000, []int64{paid})
	require.NoError(t, err)

	inactive := f.debt(u, 1000, baseTime)
	_, err = f.svc.SetChargeActive(ctx, inactive, false)
	require.NoError(t, err)

	tests := []struct {
		name string
		ids  []int64
		kind apperror.Kind
	}{
		{name: "already paid", ids: []int64{debt, paid}, kind: apperror.KindInvalidState},
		{name: "inactive", ids: []int64{debt, inactive}, kind: apperror.KindInvalidState},
		{name: "missing", ids: []int64{debt, 999}, kind: apperror.KindNotFound},
		{name: "duplicate", ids: []int64{debt, debt}, kind: apperror.KindInvalid},
		{name: "empty", ids: nil, kind: apperror.KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreatePaymentExplicit(ctx, u, 1000, tt.ids)
			assertKind(t, tt.kind, err)
			assert.Equal(t, model.ChargeStateDebt, f.state(debt))
		})
	}

	_, err = f.svc.CreatePaymentExplicit(ctx, u, -5, []int64{debt})
	assertKind(t, apperror.KindInvalid, err)
}

func TestCreatePaymentExplicit_Eligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := f.owner()
	blocked := f.owner()
	c := f.debt(blocked, 1000, baseTime)

	_, err := f.svc.BlockUser(ctx, blocked, "unpaid bills")
	require.NoError(t, err)

	_, err = f.svc.CreatePaymentExplicit(ctx, blocked, 1000, []int64{c})
	assertKind(t, apperror.KindIneligible, err)

	_, err = f.svc.CreatePaymentExplicit(ctx, payer, 1000, []int64{c})
	assertKind(t, apperror.KindIneligible, err)
	assert.Equal(t, model.ChargeStateDebt, f.state(c))
}

func TestCreatePayment_StoreFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()
	c := f.debt(u, 1000, baseTime)

	f.store.failOn = "SetChargesState"
	_, err := f.svc.CreatePaymentExplicit(ctx, u, 1000, []int64{c})
	require.ErrorIs(t, err, errInjected)
	f.store.failOn = ""

	payments, err := f.svc.ListPayments(ctx, repository.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.Equal(t, model.ChargeStateDebt, f.state(c))
	assert.Zero(t, f.metrics.payments[paymentModeExplicit])
}

func TestCreatePayment_ConcurrentClaimsSucceedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()
	c := f.debt(u, 1000, baseTime)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		errs []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreatePaymentExplicit(ctx, u, 1000, []int64{c})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, oks)
	require.Len(t, errs, workers-1)
	for _, err := range errs {
		assertKind(t, apperror.KindInvalidState, err)
	}
}

func TestUpdatePayment_RebalancesCharges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()
	c1 := f.debt(u, 1000, baseTime)
	c2 := f.debt(u, 1000, baseTime)
	c3 := f.debt(u, 1000, baseTime)

	p, err := f.svc.CreatePaymentExplicit(ctx, u, 2000, []int64{c1, c2})
	require.NoError(t, err)

	updated, err := f.svc.UpdatePayment(ctx, p.ID, PaymentUpdate{ChargeIDs: []int64{c2, c3}})
	require.NoError(t, err)
	assert.Equal(t, []int64{c2, c3}, updated.ChargeIDs)

	assert.Equal(t, model.ChargeStateDebt, f.state(c1))
	assert.Equal(t, model.ChargeStatePaid, f.state(c2))
	assert.Equal(t, model.ChargeStatePaid, f.state(c3))
	assert.Equal(t, []int64{c2, c3}, f.store.payment(p.ID).ChargeIDs)
}

func TestUpdatePayment_AmountAndPayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()
	other := f.owner()
	c := f.debt(u, 1000, baseTime)

	p, err := f.svc.CreatePaymentExplicit(ctx, u, 1000, []int64{c})
	require.NoError(t, err)

	amount := int64(1200)
	updated, err := f.svc.UpdatePayment(ctx, p.ID, PaymentUpdate{UserID: &other, Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, other, updated.UserID)
	assert.Equal(t, int64(1200), updated.Amount)
	assert.Equal(t, []int64{c}, updated.ChargeIDs)

	_, err = f.svc.BlockUser(ctx, u, "fraud")
	require.NoError(t, err)
	_, err = f.svc.UpdatePayment(ctx, p.ID, PaymentUpdate{UserID: &u})
	assertKind(t, apperror.KindIneligible, err)
	assert.Equal(t, other, f.store.payment(p.ID).UserID)

	_, err = f.svc.UpdatePayment(ctx, 999, PaymentUpdate{Amount: &amount})
	assertKind(t, apperror.KindNotFound, err)
}

func TestUpdatePayment_RejectsPaidAddition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()
	c1 := f.debt(u, 1000, baseTime)
	c2 := f.debt(u, 1000, baseTime)

	p1, err := f.svc.CreatePaymentExplicit(ctx, u, 1000, []int64{c1})
	require.NoError(t, err)
	_, err = f.svc.CreatePaymentExplicit(ctx, u, 1000, []int64{c2})
	require.NoError(t, err)

	_, err = f.svc.UpdatePayment(ctx, p1.ID, PaymentUpdate{ChargeIDs: []int64{c2}})
	assertKind(t, apperror.KindInvalidState, err)

	assert.Equal(t, model.ChargeStatePaid, f.state(c1))
	assert.Equal(t, []int64{c1}, f.store.payment(p1.ID).ChargeIDs)
}

func TestUpdatePayment_VoidPaymentChargeSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()
	c1 := f.debt(u, 1000, baseTime)
	c2 := f.debt(u, 1000, baseTime)

	p, err := f.svc.CreatePaymentExplicit(ctx, u, 1000, []int64{c1})
	require.NoError(t, err)
	_, err = f.svc.VoidPayment(ctx, p.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdatePayment(ctx, p.ID, PaymentUpdate{ChargeIDs: []int64{c2}})
	assertKind(t, apperror.KindInvalidState, err)
	assert.Equal(t, model.ChargeStateDebt, f.state(c2))

	amount := int64(500)
	updated, err := f.svc.UpdatePayment(ctx, p.ID, PaymentUpdate{Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, int64(500), updated.Amount)
}

func TestVoidPayment_RestoresDebtIdempotently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()
	c1 := f.debt(u, 1000, baseTime)
	c2 := f.debt(u, 2000, baseTime)

	p, err := f.svc.CreatePaymentExplicit(ctx, u, 3000, []int64{c1, c2})
	require.NoError(t, err)

	_, err = f.svc.SetChargeActive(ctx, c2, false)
	require.NoError(t, err)

	voided, err := f.svc.VoidPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, voided.Active)
	assert.Equal(t, model.ChargeStateDebt, f.state(c1))
	assert.Equal(t, model.ChargeStateDebt, f.state(c2))

	again, err := f.svc.VoidPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, again.Active)
	assert.Equal(t, []int64{c1, c2}, again.ChargeIDs)
	assert.Equal(t, 1, f.metrics.voided)

	_, err = f.svc.VoidPayment(ctx, 999)
	assertKind(t, apperror.KindNotFound, err)
}

func TestSetPaymentActive_ReactivationDoesNotReclaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.owner()
	c := f.debt(u, 1000, baseTime)

	p, err := f.svc.CreatePaymentExplicit(ctx, u, 1000, []int64{c})
	require.NoError(t, err)

	off, err := f.svc.SetPaymentActive(ctx, p.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Active)
	assert.Equal(t, model.ChargeStateDebt, f.state(c))

	on, err := f.svc.SetPaymentActive(ctx, p.ID, true)
	require.NoError(t, err)
	assert.True(t, on.Active)
	assert.Equal(t, model.ChargeStateDebt, f.state(c))
}

func TestOwnerPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.owner()
	driver := f.driver(owner)
	stranger := f.owner()

	c1 := f.debt(owner, 1000, baseTime)
	c2 := f.debt(driver, 1000, baseTime)
	c3 := f.debt(stranger, 1000, baseTime)

	p1, err := f.svc.CreatePaymentExplicit(ctx, owner, 1000, []int64{c1})
	require.NoError(t, err)
	p2, err := f.svc.CreatePaymentExplicit(ctx, driver, 1000, []int64{c2})
	require.NoError(t, err)
	_, err = f.svc.CreatePaymentExplicit(ctx, stranger, 1000, []int64{c3})
	require.NoError(t, err)

	payments, err := f.svc.OwnerPayments(ctx, owner)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, p1.ID, payments[0].ID)
	assert.Equal(t, p2.ID, payments[1].ID)

	active := false
	none, err := f.svc.ListPayments(ctx, repository.PaymentFilter{Active: &active})
	require.NoError(t, err)
	assert.Empty(t, none)
}
