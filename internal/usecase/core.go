package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/security"
	"github.com/google/uuid"
)

// Deps are the collaborators shared by the payment use cases. Store, Gateway
// and Signer are required; the rest fall back to no-ops.
type Deps struct {
	Store      OrderStore
	Quarantine QuarantineStore
	Gateway    GatewayClient
	Signer     RequestSigner
	Idem       IdempotencyStore
	Cache      StatusCache
	Events     EventPublisher
	Alerts     Alerter
	Metrics    Metrics
	Rates      RateSource

	Now   func() time.Time
	NewID func() string
}

type ReceiptOptions struct {
	Enabled  bool
	Email    string
	Taxation string
	Tax      string
}

type Options struct {
	TerminalKey        string
	SettlementCurrency string
	NotificationURL    string
	SuccessURL         string
	FailURL            string
	Receipt            ReceiptOptions
}

type core struct {
	Deps
	opts Options
}

func newCore(d Deps, opts Options) *core {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Idem == nil {
		d.Idem = nopIdem{}
	}
	if d.Cache == nil {
		d.Cache = nopCache{}
	}
	if d.Events == nil {
		d.Events = nopEvents{}
	}
	if d.Alerts == nil {
		d.Alerts = nopAlerts{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Quarantine == nil {
		d.Quarantine = logQuarantine{}
	}
	if opts.SettlementCurrency == "" {
		opts.SettlementCurrency = "RUB"
	}
	return &core{Deps: d, opts: opts}
}

// call signs fields for op, sends them and classifies the outcome.
// A rejected call still returns the response so callers can persist it.
func (c *core) call(ctx context.Context, op security.Operation, orderID string, fields map[string]any) (*GatewayResponse, error) {
	fields[security.FieldTerminalKey] = c.opts.TerminalKey
	delete(fields, security.FieldToken)

	token, err := c.Signer.Sign(op, fields)
	if err != nil {
		return nil, domain.NewError(domain.KindSignatureInputInvalid, orderID, err)
	}
	fields[security.FieldToken] = token

	resp, err := c.Gateway.Send(ctx, op, fields)
	if err != nil {
		return nil, domain.NewError(domain.KindTransportFailure, orderID, fmt.Errorf("%s: %w", op, err))
	}
	if !resp.Success {
		return resp, domain.NewError(domain.KindGatewayRejected, orderID, resp.AsError(op))
	}
	return resp, nil
}

// update applies a conditional update and fans the transition out to the
// cache, event stream and metrics. Those side channels are best effort.
func (c *core) update(ctx context.Context, cur *domain.Order, patch domain.OrderPatch, expected []domain.Status) (*domain.Order, error) {
	next, prev, err := c.Store.Update(ctx, cur.CustomerID, cur.OrderID, patch, expected)
	if err != nil {
		return nil, err
	}
	// cur may be stale; only the store knows what this write replaced
	c.afterTransition(ctx, prev, next)
	return next, nil
}

func (c *core) afterTransition(ctx context.Context, from domain.Status, o *domain.Order) {
	if from == o.Status {
		return
	}
	l := logging.FromCtx(ctx)
	l.Info("order transition",
		"order_id", o.OrderID, "customer_id", o.CustomerID,
		"from", from, "to", o.Status)

	c.Metrics.Transition(from, o.Status)

	if err := c.Cache.SetStatus(ctx, o.OrderID, string(o.Status)); err != nil {
		l.Warn("status cache write failed", "order_id", o.OrderID, "err", err)
	}
	msg := PaymentStatusChangedMsg{
		OrderID:          o.OrderID,
		CustomerID:       o.CustomerID,
		GatewayPaymentID: o.GatewayPaymentID,
		AmountMinorUnits: o.AmountMinorUnits,
		Currency:         o.Currency,
		From:             string(from),
		Status:           string(o.Status),
		Recurring:        o.RecurringToken != "",
		At:               o.UpdatedAt,
	}
	if err := c.Events.PublishStatusChanged(ctx, msg); err != nil {
		l.Warn("status event publish failed", "order_id", o.OrderID, "err", err)
	}
}

// fail records a gateway rejection on the order. The rejection itself is what
// the caller sees; a failed write is only logged.
func (c *core) fail(ctx context.Context, o *domain.Order, resp *GatewayResponse) *domain.Order {
	patch := domain.OrderPatch{Status: domain.StatusPtr(domain.StatusFailed)}
	if resp != nil {
		patch.LastGatewayResponse = resp.Raw
	}
	next, err := c.update(ctx, o, patch, domain.Predecessors(domain.StatusFailed))
	if err != nil {
		logging.FromCtx(ctx).Error("record gateway rejection failed",
			"order_id", o.OrderID, "customer_id", o.CustomerID, "err", err)
		failed := o.Clone()
		failed.Status = domain.StatusFailed
		return failed
	}
	return next
}

// persistenceFailure reports a local write that failed after the gateway
// accepted the operation. Money may have moved without a local record.
func (c *core) persistenceFailure(ctx context.Context, o *domain.Order, op security.Operation, err error) error {
	logging.FromCtx(ctx).Error("local write failed after gateway success",
		"severity", "critical", "reconcile", "required",
		"op", op, "order_id", o.OrderID, "customer_id", o.CustomerID,
		"gateway_payment_id", o.GatewayPaymentID, "err", err)
	c.alert(ctx, fmt.Sprintf("CRITICAL: %s succeeded at gateway but order %s (customer %s, payment %s) was not updated: %v",
		op, o.OrderID, o.CustomerID, o.GatewayPaymentID, err))
	return domain.NewError(domain.KindPersistenceFailure, o.OrderID, err)
}

// storeUnavailable wraps a store failure that happened before any gateway
// call; nothing moved, so the caller may retry.
func storeUnavailable(orderID string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewError(domain.KindNotFound, orderID, err)
	}
	return domain.NewError(domain.KindTransportFailure, orderID, fmt.Errorf("order store: %w", err))
}

func (c *core) lock(ctx context.Context, scope, orderID string) (func(), error) {
	ok, err := c.Idem.TryLock(ctx, scope, orderID)
	if err != nil {
		return nil, domain.NewError(domain.KindTransportFailure, orderID, fmt.Errorf("idempotency store: %w", err))
	}
	if !ok {
		return nil, domain.NewError(domain.KindInFlight, orderID, errors.New("another request for this order is in progress"))
	}
	return func() {
		if err := c.Idem.Unlock(context.WithoutCancel(ctx), scope, orderID); err != nil {
			logging.FromCtx(ctx).Warn("idempotency unlock failed", "scope", scope, "order_id", orderID, "err", err)
		}
	}, nil
}

func (c *core) alert(ctx context.Context, text string) {
	if err := c.Alerts.Alert(ctx, text); err != nil {
		logging.FromCtx(ctx).Warn("admin alert failed", "err", err)
	}
}

// initFields builds the Init request for o. Receipt is nested, so it travels
// in the body but never enters the token.
func (c *core) initFields(o *domain.Order, email string) map[string]any {
	fields := map[string]any{
		"Amount":      o.AmountMinorUnits,
		"OrderId":     o.OrderID,
		"CustomerKey": o.CustomerID,
	}
	if o.Description != "" {
		fields["Description"] = o.Description
	}
	if o.RecurringRequested {
		fields["Recurrent"] = "Y"
	}
	if c.opts.NotificationURL != "" {
		fields["NotificationURL"] = c.opts.NotificationURL
	}
	if c.opts.SuccessURL != "" {
		fields["SuccessURL"] = c.opts.SuccessURL
	}
	if c.opts.FailURL != "" {
		fields["FailURL"] = c.opts.FailURL
	}
	if r := c.opts.Receipt; r.Enabled {
		if email == "" {
			email = r.Email
		}
		name := o.Description
		if name == "" {
			name = o.OrderID
		}
		fields["Receipt"] = map[string]any{
			"Email":    email,
			"Taxation": r.Taxation,
			"Items": []map[string]any{{
				"Name":     name,
				"Price":    o.AmountMinorUnits,
				"Quantity": 1,
				"Amount":   o.AmountMinorUnits,
				"Tax":      r.Tax,
			}},
		}
	}
	return fields
}

// storedRejection rebuilds the gateway error kept on a FAILED order.
func storedRejection(o *domain.Order, op security.Operation) error {
	ge := &domain.GatewayError{Operation: string(op), Payload: o.LastGatewayResponse}
	if o.LastGatewayResponse != nil {
		ge.Code = stringField(o.LastGatewayResponse, "ErrorCode")
		ge.Message = stringField(o.LastGatewayResponse, "Message")
		ge.Details = stringField(o.LastGatewayResponse, "Details")
	}
	return domain.NewError(domain.KindGatewayRejected, o.OrderID, ge)
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

type nopIdem struct{}

func (nopIdem) TryLock(context.Context, string, string) (bool, error)        { return true, nil }
func (nopIdem) Unlock(context.Context, string, string) error                 { return nil }
func (nopIdem) Remember(context.Context, string, string, string) error       { return nil }
func (nopIdem) Recall(context.Context, string, string) (string, bool, error) { return "", false, nil }

type nopCache struct{}

func (nopCache) SetStatus(context.Context, string, string) error         { return nil }
func (nopCache) GetStatus(context.Context, string) (string, bool, error) { return "", false, nil }

type nopEvents struct{}

func (nopEvents) PublishStatusChanged(context.Context, PaymentStatusChangedMsg) error { return nil }

type nopAlerts struct{}

func (nopAlerts) Alert(context.Context, string) error { return nil }

type nopMetrics struct{}

func (nopMetrics) Transition(domain.Status, domain.Status) {}
func (nopMetrics) Quarantined(string)                      {}
func (nopMetrics) Notification(string)                     {}

// logQuarantine keeps quarantined payloads in the log when no store is wired.
type logQuarantine struct{}

func (logQuarantine) Quarantine(ctx context.Context, kind, refKey string, payload []byte) error {
	logging.FromCtx(ctx).Warn("quarantined", "kind", kind, "ref", refKey, "payload", string(payload))
	return nil
}
