package usecase_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/security"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedOrder(t *testing.T, e *env, customerID, orderID string) {
	t.Helper()
	_, err := e.payments.StartPayment(context.Background(), usecase.StartPaymentInput{
		OrderID: orderID, CustomerID: customerID, AmountMinorUnits: 10000, WantsRecurringSetup: true,
	})
	require.NoError(t, err)
}

func TestReconciler_AppliesNotificationsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	startedOrder(t, e, "u1", "o-1")

	authorized := rawNotification(t, e.notification(t, map[string]any{
		"OrderId": "o-1", "PaymentId": "pay-o-1", "Status": "AUTHORIZED", "Amount": 10000, "CustomerKey": "u1",
	}))
	confirmed := rawNotification(t, e.notification(t, map[string]any{
		"OrderId": "o-1", "PaymentId": "pay-o-1", "Status": "CONFIRMED", "Amount": 10000, "CustomerKey": "u1",
		"RebillId": "rb-9",
	}))

	assert.Equal(t, usecase.OutcomeApplied, e.reconciler.HandleRawNotification(ctx, authorized))
	assert.Equal(t, usecase.OutcomeApplied, e.reconciler.HandleRawNotification(ctx, confirmed))

	o, err := e.store.Get(ctx, "u1", "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, o.Status)
	assert.Equal(t, "rb-9", o.RecurringToken)
	assert.True(t, o.IsRecurringOrigin)
	assert.Equal(t, "CONFIRMED", o.LastGatewayResponse["Status"])
	assert.NotContains(t, o.LastGatewayResponse, "Token")

	snapshot := e.store.Orders()
	assert.Equal(t, usecase.OutcomeDuplicate, e.reconciler.HandleRawNotification(ctx, confirmed))
	assert.Equal(t, usecase.OutcomeDuplicate, e.reconciler.HandleRawNotification(ctx, authorized))
	assert.Equal(t, snapshot, e.store.Orders(), "replays leave the stored order unchanged")
	assert.Empty(t, e.quarantine.Items())
}

func TestReconciler_OutOfOrderNotificationIsStale(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	startedOrder(t, e, "u1", "o-1")
	deps := e.deps()
	deps.Idem = nil
	r := usecase.NewReconciler(deps, usecase.Options{TerminalKey: terminalKey})

	confirmed := e.notification(t, map[string]any{
		"OrderId": "o-1", "PaymentId": "pay-o-1", "Status": "CONFIRMED", "Amount": 10000,
	})
	authorized := e.notification(t, map[string]any{
		"OrderId": "o-1", "PaymentId": "pay-o-1", "Status": "AUTHORIZED", "Amount": 10000,
	})

	assert.Equal(t, usecase.OutcomeApplied, r.HandleNotification(ctx, confirmed))
	snapshot := e.store.Orders()

	assert.Equal(t, usecase.OutcomeStale, r.HandleNotification(ctx, authorized))
	assert.Equal(t, usecase.OutcomeStale, r.HandleNotification(ctx, confirmed))
	assert.Equal(t, snapshot, e.store.Orders())
	assert.Equal(t, domain.StatusConfirmed, snapshot[0].Status)
}

func TestReconciler_UnsuccessfulNotificationFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	startedOrder(t, e, "u1", "o-1")

	payload := e.notification(t, map[string]any{
		"OrderId": "o-1", "PaymentId": "pay-o-1", "Status": "CONFIRMED", "Amount": 10000,
		"Success": false, "ErrorCode": "1051", "Message": "Insufficient funds",
	})
	assert.Equal(t, usecase.OutcomeApplied, e.reconciler.HandleNotification(ctx, payload))

	o, err := e.store.Get(ctx, "u1", "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, o.Status)
	assert.Equal(t, "1051", o.LastGatewayResponse["ErrorCode"])
}

func TestReconciler_ChildConfirmationMeansCharged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.recurringOrigin(t, "u1", "o-1")
	e.gw.set(security.OpCharge, unreachable)
	_, err := e.charges.Charge(ctx, usecase.ChargeInput{OrderID: "o-2", CustomerID: "u1", RecurringToken: token, AmountMinorUnits: 4900})
	require.Error(t, err)

	payload := e.notification(t, map[string]any{
		"OrderId": "o-2", "PaymentId": "pay-o-2", "Status": "CONFIRMED", "Amount": 4900, "RebillId": token,
	})
	assert.Equal(t, usecase.OutcomeApplied, e.reconciler.HandleNotification(ctx, payload))

	child, err := e.store.Get(ctx, "u1", "o-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCharged, child.Status)
	assert.False(t, child.IsRecurringOrigin)
}

func TestReconciler_Quarantines(t *testing.T) {
	cases := []struct {
		name string
		body func(t *testing.T, e *env) []byte
		kind string
	}{
		{
			name: "malformed body",
			body: func(*testing.T, *env) []byte { return []byte("Status=CONFIRMED") },
			kind: usecase.QuarantineMalformed,
		},
		{
			name: "tampered amount",
			body: func(t *testing.T, e *env) []byte {
				p := e.notification(t, map[string]any{"OrderId": "o-1", "PaymentId": "pay-o-1", "Status": "CONFIRMED", "Amount": 10000})
				p["Amount"] = 1
				return rawNotification(t, p)
			},
			kind: usecase.QuarantineUnverified,
		},
		{
			name: "missing token",
			body: func(t *testing.T, e *env) []byte {
				p := e.notification(t, map[string]any{"OrderId": "o-1", "PaymentId": "pay-o-1", "Status": "CONFIRMED", "Amount": 10000})
				delete(p, "Token")
				return rawNotification(t, p)
			},
			kind: usecase.QuarantineUnverified,
		},
		{
			name: "foreign terminal",
			body: func(t *testing.T, e *env) []byte {
				return rawNotification(t, e.notification(t, map[string]any{
					"TerminalKey": "Other", "OrderId": "o-1", "PaymentId": "pay-o-1", "Status": "CONFIRMED", "Amount": 10000,
				}))
			},
			kind: usecase.QuarantineUnverified,
		},
		{
			name: "unknown order",
			body: func(t *testing.T, e *env) []byte {
				return rawNotification(t, e.notification(t, map[string]any{
					"OrderId": "ghost", "PaymentId": "pay-ghost", "Status": "CONFIRMED", "Amount": 10000,
				}))
			},
			kind: usecase.QuarantineUnresolved,
		},
		{
			name: "payment id of another session",
			body: func(t *testing.T, e *env) []byte {
				return rawNotification(t, e.notification(t, map[string]any{
					"OrderId": "o-1", "PaymentId": "pay-other", "Status": "CONFIRMED", "Amount": 10000,
				}))
			},
			kind: usecase.QuarantinePaymentMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			startedOrder(t, e, "u1", "o-1")
			before := e.store.Orders()

			outcome := e.reconciler.HandleRawNotification(ctx, tc.body(t, e))
			assert.Equal(t, usecase.OutcomeQuarantined, outcome)

			items := e.quarantine.Items()
			require.Len(t, items, 1)
			assert.Equal(t, tc.kind, items[0].Kind)
			assert.NotEmpty(t, items[0].Payload)
			assert.Equal(t, before, e.store.Orders())
			assert.Len(t, e.alerts.Texts(), 1)
		})
	}
}

func TestReconciler_LogLinesCarryOrderIDOnce(t *testing.T) {
	var logs bytes.Buffer
	ctx := logging.WithCtx(context.Background(), slog.New(slog.NewJSONHandler(&logs, nil)))
	e := newEnv(t)
	startedOrder(t, e, "u1", "o-1")

	confirmed := rawNotification(t, e.notification(t, map[string]any{
		"OrderId": "o-1", "PaymentId": "pay-o-1", "Status": "CONFIRMED", "Amount": 10000, "CustomerKey": "u1",
	}))
	require.Equal(t, usecase.OutcomeApplied, e.reconciler.HandleRawNotification(ctx, confirmed))
	require.Equal(t, usecase.OutcomeDuplicate, e.reconciler.HandleRawNotification(ctx, confirmed))

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	require.NotEmpty(t, lines)
	var transition string
	for _, line := range lines {
		assert.LessOrEqual(t, strings.Count(line, `"order_id":`), 1, line)
		if strings.Contains(line, `"msg":"order transition"`) {
			transition = line
		}
	}
	require.NotEmpty(t, transition)
	assert.Contains(t, transition, `"order_id":"o-1"`)
	assert.Contains(t, transition, `"gateway_status":"CONFIRMED"`)
}
