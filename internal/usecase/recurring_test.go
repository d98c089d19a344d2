package usecase_test

import (
	"context"
	"errors"
	"testing"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/security"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharge_CreatesChildOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")
	originBefore, err := e.store.Get(ctx, "u1", "o-1")
	require.NoError(t, err)

	in := usecase.ChargeInput{OrderID: "o-2", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900, Description: "March"}
	out, err := e.charges.Charge(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, usecase.ChargeOutput{OrderID: "o-2", Status: domain.StatusCharged}, out)

	child, err := e.store.Get(ctx, "u1", "o-2")
	require.NoError(t, err)
	assert.Equal(t, "o-1", child.ParentOrderID)
	assert.Equal(t, token, child.RecurringToken)
	assert.False(t, child.IsRecurringOrigin)
	assert.Equal(t, "pay-o-2", child.GatewayPaymentID)
	assert.Equal(t, int64(4900), child.AmountMinorUnits)

	originAfter, err := e.store.Get(ctx, "u1", "o-1")
	require.NoError(t, err)
	assert.Equal(t, originBefore, originAfter, "the origin order is never modified by a charge")

	calls := e.gw.Calls()
	charge := calls[len(calls)-1]
	assert.Equal(t, security.OpCharge, charge.Op)
	assert.Equal(t, "pay-o-2", charge.Fields["PaymentId"])
	assert.Equal(t, token, charge.Fields["RebillId"])
	valid, err := e.signer.Verify(security.OpCharge, charge.Fields)
	require.NoError(t, err)
	assert.True(t, valid)

	// redelivery with the same order id charges nothing new
	again, err := e.charges.Charge(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, 1, e.gw.Count(security.OpCharge))
}

func TestCharge_OwnershipMismatchMakesNoGatewayCall(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")
	before := len(e.gw.Calls())

	_, err := e.charges.Charge(ctx, usecase.ChargeInput{OrderID: "o-2", CustomerID: "u2", RecurringToken: token, AmountMinorUnits: 4900})
	assert.ErrorIs(t, err, domain.ErrTokenOwnershipMismatch)

	_, err = e.charges.Charge(ctx, usecase.ChargeInput{OrderID: "o-3", CustomerID: "u1", RecurringToken: "unknown", AmountMinorUnits: 4900})
	assert.ErrorIs(t, err, domain.ErrTokenOwnershipMismatch)

	assert.Len(t, e.gw.Calls(), before)
	assert.Len(t, e.store.Orders(), 1)
}

func TestCharge_RejectionFailsChildAndAlerts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")
	e.gw.set(security.OpCharge, rejection("116", "Insufficient funds"))

	out, err := e.charges.Charge(ctx, usecase.ChargeInput{OrderID: "o-2", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900})
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)

	var ge *domain.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "116", ge.Code)
	assert.Equal(t, "Insufficient funds", ge.Message)

	child, err := e.store.Get(ctx, "u1", "o-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, child.Status)

	alerts := e.alerts.Texts()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "o-2")
	assert.Contains(t, alerts[0], "116")

	origin, err := e.store.Get(ctx, "u1", "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, origin.Status)
}

func TestCharge_TransportFailureResumes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")
	e.gw.set(security.OpCharge, unreachable)
	in := usecase.ChargeInput{OrderID: "o-2", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900}

	_, err := e.charges.Charge(ctx, in)
	assert.True(t, domain.Retryable(err))

	child, err := e.store.Get(ctx, "u1", "o-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, child.Status)
	assert.Equal(t, "pay-o-2", child.GatewayPaymentID)

	e.gw.set(security.OpCharge, newFakeGateway().replies[security.OpCharge])
	out, err := e.charges.Charge(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCharged, out.Status)
	assert.Equal(t, 2, e.gw.Count(security.OpInit), "the session opened before the outage is reused")
}

func TestCharge_OrderIDReusedWithDifferentToken(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")

	_, err := e.charges.Charge(ctx, usecase.ChargeInput{OrderID: "o-1", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900})
	assert.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
	assert.Zero(t, e.gw.Count(security.OpCharge))
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")

	assert.ErrorIs(t, e.charges.Revoke(ctx, "u2", token), domain.ErrTokenOwnershipMismatch)
	require.NoError(t, e.charges.Revoke(ctx, "u1", token))

	origin, err := e.store.Get(ctx, "u1", "o-1")
	require.NoError(t, err)
	assert.Empty(t, origin.RecurringToken)
	assert.Equal(t, domain.StatusConfirmed, origin.Status)

	_, err = e.charges.Charge(ctx, usecase.ChargeInput{OrderID: "o-2", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900})
	assert.ErrorIs(t, err, domain.ErrTokenOwnershipMismatch)
}

func TestCharge_ReplayAfterRevokeReturnsStoredStatus(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")
	in := usecase.ChargeInput{OrderID: "o-2", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900}

	out, err := e.charges.Charge(ctx, in)
	require.NoError(t, err)
	require.NoError(t, e.charges.Revoke(ctx, "u1", token))

	// the billing consumer redelivers after the customer cancelled
	again, err := e.charges.Charge(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, usecase.ChargeOutput{OrderID: "o-2", Status: domain.StatusCharged}, again)
	assert.Equal(t, out, again)
	assert.Equal(t, 1, e.gw.Count(security.OpCharge))

	// a new charge on the revoked token is still refused
	_, err = e.charges.Charge(ctx, usecase.ChargeInput{OrderID: "o-3", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900})
	assert.ErrorIs(t, err, domain.ErrTokenOwnershipMismatch)
}

func TestCharge_ExistingOrderIDRevealsNothingToOtherCustomers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")
	_, err := e.charges.Charge(ctx, usecase.ChargeInput{OrderID: "o-2", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900})
	require.NoError(t, err)

	out, err := e.charges.Charge(ctx, usecase.ChargeInput{OrderID: "o-2", CustomerID: "u2", RecurringToken: token, AmountMinorUnits: 4900})
	assert.ErrorIs(t, err, domain.ErrTokenOwnershipMismatch)
	assert.Empty(t, out.Status)
}

func TestCharge_ResumeAfterRevokeIsRefused(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")
	e.gw.set(security.OpCharge, unreachable)
	in := usecase.ChargeInput{OrderID: "o-2", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900}

	_, err := e.charges.Charge(ctx, in)
	require.True(t, domain.Retryable(err))
	require.NoError(t, e.charges.Revoke(ctx, "u1", token))

	_, err = e.charges.Charge(ctx, in)
	assert.ErrorIs(t, err, domain.ErrTokenOwnershipMismatch)
	assert.Equal(t, 1, e.gw.Count(security.OpCharge))
}
