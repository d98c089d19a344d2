package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aq2208/gorder-payments/internal/adapter/cache"
	"github.com/aq2208/gorder-payments/internal/adapter/repo"
	"github.com/aq2208/gorder-payments/internal/security"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const terminalKey = "TestTerminal"

var errConnReset = errors.New("connection reset by peer")

type gatewayCall struct {
	Op     security.Operation
	Fields map[string]any
}

type replyFunc func(fields map[string]any) (*usecase.GatewayResponse, error)

// fakeGateway answers every operation with a scripted reply and records
// what it was sent.
type fakeGateway struct {
	mu      sync.Mutex
	calls   []gatewayCall
	replies map[security.Operation]replyFunc
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{replies: map[security.Operation]replyFunc{
		security.OpInit: func(f map[string]any) (*usecase.GatewayResponse, error) {
			id := "pay-" + f["OrderId"].(string)
			return ok(map[string]any{"PaymentId": id, "PaymentURL": "https://pay.test/" + id, "Status": "NEW"}), nil
		},
		security.OpConfirm: func(f map[string]any) (*usecase.GatewayResponse, error) {
			return ok(map[string]any{"PaymentId": f["PaymentId"], "Status": "CONFIRMED"}), nil
		},
		security.OpGetState: func(f map[string]any) (*usecase.GatewayResponse, error) {
			return ok(map[string]any{"PaymentId": f["PaymentId"], "Status": "CONFIRMED", "RebillId": "rebill-1"}), nil
		},
		security.OpCharge: func(f map[string]any) (*usecase.GatewayResponse, error) {
			return ok(map[string]any{"PaymentId": f["PaymentId"], "Status": "CONFIRMED"}), nil
		},
	}}
}

func ok(raw map[string]any) *usecase.GatewayResponse {
	raw["Success"] = true
	raw["ErrorCode"] = "0"
	r := &usecase.GatewayResponse{Success: true, ErrorCode: "0", Raw: raw}
	r.Status, _ = raw["Status"].(string)
	r.PaymentID, _ = raw["PaymentId"].(string)
	r.PaymentURL, _ = raw["PaymentURL"].(string)
	r.RebillID, _ = raw["RebillId"].(string)
	return r
}

func rejection(code, message string) replyFunc {
	return func(map[string]any) (*usecase.GatewayResponse, error) {
		raw := map[string]any{"Success": false, "ErrorCode": code, "Message": message, "Details": "declined by issuer"}
		return &usecase.GatewayResponse{ErrorCode: code, Message: message, Details: "declined by issuer", Raw: raw}, nil
	}
}

func unreachable(map[string]any) (*usecase.GatewayResponse, error) { return nil, errConnReset }

func (g *fakeGateway) Send(_ context.Context, op security.Operation, fields map[string]any) (*usecase.GatewayResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	g.calls = append(g.calls, gatewayCall{Op: op, Fields: cp})
	return g.replies[op](cp)
}

func (g *fakeGateway) set(op security.Operation, fn replyFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[op] = fn
}

func (g *fakeGateway) Calls() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gatewayCall(nil), g.calls...)
}

func (g *fakeGateway) Count(op security.Operation) int {
	n := 0
	for _, c := range g.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

type fixedRates map[string]string

func (r fixedRates) GetRate(_ context.Context, from, _ string, _ time.Time) (decimal.Decimal, error) {
	v, ok := r[from]
	if !ok {
		return decimal.Zero, errors.New("no rate for " + from)
	}
	return decimal.NewFromString(v)
}

type alertRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (a *alertRecorder) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return nil
}

func (a *alertRecorder) Texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

type eventRecorder struct {
	mu   sync.Mutex
	msgs []usecase.PaymentStatusChangedMsg
}

func (e *eventRecorder) PublishStatusChanged(_ context.Context, m usecase.PaymentStatusChangedMsg) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, m)
	return nil
}

func (e *eventRecorder) Statuses(orderID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, m := range e.msgs {
		if m.OrderID == orderID {
			out = append(out, m.Status)
		}
	}
	return out
}

type env struct {
	gw         *fakeGateway
	signer     *security.Signer
	store      *repo.MemoryOrderRepo
	quarantine *repo.MemoryQuarantineRepo
	idem       *cache.MemoryIdempotencyStore
	cache      *cache.MemoryCache
	alerts     *alertRecorder
	events     *eventRecorder

	payments   *usecase.Payments
	charges    *usecase.RecurringCharges
	reconciler *usecase.Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	signer, err := security.NewSigner(security.Terminal{Key: terminalKey, Password: "s3cret"}, security.AllowListV2())
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	e := &env{
		gw:         newFakeGateway(),
		signer:     signer,
		store:      repo.NewMemoryOrderRepo().WithClock(clock),
		quarantine: repo.NewMemoryQuarantineRepo(),
		idem:       cache.NewMemoryIdempotencyStore(),
		cache:      cache.NewMemoryCache(),
		alerts:     &alertRecorder{},
		events:     &eventRecorder{},
	}
	deps := e.deps()
	deps.Now = clock
	opts := usecase.Options{TerminalKey: terminalKey, NotificationURL: "https://shop.test/v1/notifications"}
	e.payments = usecase.NewPayments(deps, opts)
	e.charges = usecase.NewRecurringCharges(deps, opts)
	e.reconciler = usecase.NewReconciler(deps, opts)
	return e
}

func (e *env) deps() usecase.Deps {
	return usecase.Deps{
		Store:      e.store,
		Quarantine: e.quarantine,
		Gateway:    e.gw,
		Signer:     e.signer,
		Idem:       e.idem,
		Cache:      e.cache,
		Events:     e.events,
		Alerts:     e.alerts,
		Rates:      fixedRates{"USD": "92.5"},
	}
}

// notification builds a signed gateway callback.
func (e *env) notification(t *testing.T, fields map[string]any) map[string]any {
	t.Helper()
	payload := map[string]any{
		"TerminalKey": terminalKey,
		"Success":     true,
		"ErrorCode":   "0",
	}
	for k, v := range fields {
		payload[k] = v
	}
	token, err := e.signer.Sign(security.OpNotification, payload)
	require.NoError(t, err)
	payload["Token"] = token
	return payload
}

// rawNotification round-trips a payload through JSON the way it arrives.
func rawNotification(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return b
}

// recurringOrigin runs a checkout with recurring setup to CONFIRMED.
func (e *env) recurringOrigin(t *testing.T, customerID, orderID string) string {
	t.Helper()
	ctx := context.Background()
	out, err := e.payments.StartPayment(ctx, usecase.StartPaymentInput{
		OrderID: orderID, CustomerID: customerID, AmountMinorUnits: 10000, WantsRecurringSetup: true,
	})
	require.NoError(t, err)
	done, err := e.payments.CompleteAuthorization(ctx, usecase.CompleteAuthorizationInput{
		OrderID: orderID, GatewayPaymentID: out.GatewayPaymentID, AmountMinorUnits: 10000,
	})
	require.NoError(t, err)
	require.NotEmpty(t, done.RecurringToken)
	return done.RecurringToken
}
