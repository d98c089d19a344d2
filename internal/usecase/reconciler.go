package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/security"
)

type NotificationOutcome string

const (
	OutcomeApplied     NotificationOutcome = "applied"
	OutcomeDuplicate   NotificationOutcome = "duplicate"
	OutcomeStale       NotificationOutcome = "stale"
	OutcomeQuarantined NotificationOutcome = "quarantined"
)

// Quarantine kinds.
const (
	QuarantineMalformed       = "malformed"
	QuarantineUnverified      = "unverified"
	QuarantineUnresolved      = "unresolved"
	QuarantinePaymentMismatch = "payment_mismatch"
	QuarantineApplyFailed     = "apply_failed"
)

const (
	scopeNotification = "notification"
	maxApplyAttempts  = 3
)

// gatewayStatuses maps the gateway's payment status onto ours. Statuses not
// listed carry no transition.
var gatewayStatuses = map[string]domain.Status{
	"AUTHORIZING":      domain.StatusAuthorizing,
	"3DS_CHECKING":     domain.StatusAuthorizing,
	"AUTHORIZED":       domain.StatusAuthorized,
	"CONFIRMED":        domain.StatusConfirmed,
	"REJECTED":         domain.StatusFailed,
	"AUTH_FAIL":        domain.StatusFailed,
	"CANCELED":         domain.StatusFailed,
	"DEADLINE_EXPIRED": domain.StatusFailed,
}

// Reconciler merges gateway notifications into the order they describe.
// It never reports failure to its caller; whatever cannot be applied is
// quarantined for manual follow-up.
type Reconciler struct {
	*core
}

func NewReconciler(d Deps, opts Options) *Reconciler {
	return &Reconciler{core: newCore(d, opts)}
}

// HandleRawNotification decodes a notification body keeping numbers exact.
func (uc *Reconciler) HandleRawNotification(ctx context.Context, body []byte) NotificationOutcome {
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil || payload == nil {
		logging.FromCtx(ctx).Warn("notification body not decodable", "err", err)
		return uc.quarantine(ctx, QuarantineMalformed, "", body)
	}
	return uc.HandleNotification(ctx, payload)
}

func (uc *Reconciler) HandleNotification(ctx context.Context, payload map[string]any) NotificationOutcome {
	orderID := stringField(payload, "OrderId")
	paymentID := stringField(payload, "PaymentId")
	gwStatus := stringField(payload, "Status")
	ref := orderID + "/" + paymentID

	l := logging.FromCtx(ctx).With("gateway_payment_id", paymentID, "gateway_status", gwStatus)
	ctx = logging.WithCtx(ctx, l)
	// transition lines carry order_id themselves; only ours need it added
	l = l.With("order_id", orderID)

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", payload))
	}

	if err := uc.verify(payload); err != nil {
		l.Warn("notification rejected", "err", err)
		return uc.quarantine(ctx, QuarantineUnverified, ref, raw)
	}

	dedupKey := paymentID + ":" + gwStatus + ":" + stringField(payload, security.FieldToken)
	if _, seen, err := uc.Idem.Recall(ctx, scopeNotification, dedupKey); err == nil && seen {
		l.Info("notification already applied")
		return uc.outcome(OutcomeDuplicate)
	}

	o, err := uc.resolve(ctx, stringField(payload, "CustomerKey"), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			l.Warn("notification unresolved", "err", domain.NewError(domain.KindNotificationUnresolved, orderID, err))
			return uc.quarantine(ctx, QuarantineUnresolved, ref, raw)
		}
		l.Error("notification lookup failed", "err", err)
		return uc.quarantine(ctx, QuarantineApplyFailed, ref, raw)
	}
	if paymentID != "" && o.GatewayPaymentID != "" && paymentID != o.GatewayPaymentID {
		l.Warn("notification payment id does not match order", "stored_payment_id", o.GatewayPaymentID)
		return uc.quarantine(ctx, QuarantinePaymentMismatch, ref, raw)
	}

	snapshot := snapshotOf(payload)
	for attempt := 1; ; attempt++ {
		patch := patchFor(o, payload)
		if !o.Clone().Apply(patch, uc.Now()) {
			l.Info("notification carries nothing new", "status", o.Status)
			uc.remember(ctx, dedupKey, orderID)
			return uc.outcome(OutcomeStale)
		}
		patch.LastGatewayResponse = snapshot

		// CAS on the status we read; a concurrent writer forces a re-read
		_, err := uc.update(ctx, o, patch, []domain.Status{o.Status})
		if errors.Is(err, ErrConflict) && attempt < maxApplyAttempts {
			if o, err = uc.Store.Get(ctx, o.CustomerID, o.OrderID); err == nil {
				continue
			}
		}
		if err != nil {
			l.Error("notification not applied", "attempt", attempt, "err", err)
			return uc.quarantine(ctx, QuarantineApplyFailed, ref, raw)
		}
		uc.remember(ctx, dedupKey, orderID)
		return uc.outcome(OutcomeApplied)
	}
}

func (uc *Reconciler) verify(payload map[string]any) error {
	if tk := stringField(payload, security.FieldTerminalKey); tk != uc.opts.TerminalKey {
		return domain.NewError(domain.KindNotificationUnverified, "", fmt.Errorf("unknown terminal %q", tk))
	}
	ok, err := uc.Signer.Verify(security.OpNotification, payload)
	if err != nil {
		return domain.NewError(domain.KindNotificationUnverified, "", err)
	}
	if !ok {
		return domain.NewError(domain.KindNotificationUnverified, "", errors.New("token mismatch"))
	}
	return nil
}

// resolve tries the (customer, order) key first, then the order id alone.
func (uc *Reconciler) resolve(ctx context.Context, customerID, orderID string) (*domain.Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("notification without order id: %w", domain.ErrNotFound)
	}
	if customerID != "" {
		o, err := uc.Store.Get(ctx, customerID, orderID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return uc.Store.ScanByOrderID(ctx, orderID)
}

// patchFor derives the update a notification implies for o.
func patchFor(o *domain.Order, payload map[string]any) domain.OrderPatch {
	var patch domain.OrderPatch

	if to, ok := gatewayStatuses[stringField(payload, "Status")]; ok {
		if to == domain.StatusConfirmed && o.IsRecurringCharge() {
			to = domain.StatusCharged
		}
		// Success=false on a positive status is still a failure
		if to != domain.StatusFailed && !successFlag(payload) {
			to = domain.StatusFailed
		}
		patch.Status = domain.StatusPtr(to)
	}
	if id := stringField(payload, "PaymentId"); id != "" && o.GatewayPaymentID == "" {
		patch.GatewayPaymentID = id
	}
	if token := stringField(payload, "RebillId"); token != "" && o.RecurringToken == "" {
		patch.RecurringToken = token
		patch.MarkRecurringOrigin = o.ParentOrderID == ""
	}

	return patch
}

// snapshotOf is the payload as kept on the order, without its token.
func snapshotOf(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != security.FieldToken {
			out[k] = v
		}
	}
	return out
}

func successFlag(payload map[string]any) bool {
	switch v := payload["Success"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func (uc *Reconciler) remember(ctx context.Context, key, orderID string) {
	if err := uc.Idem.Remember(ctx, scopeNotification, key, orderID); err != nil {
		logging.FromCtx(ctx).Warn("notification dedup write failed", "err", err)
	}
}

func (uc *Reconciler) quarantine(ctx context.Context, kind, ref string, raw []byte) NotificationOutcome {
	l := logging.FromCtx(ctx)
	if err := uc.Quarantine.Quarantine(ctx, kind, ref, raw); err != nil {
		// last resort: the payload lives on in the error log
		l.Error("quarantine write failed", "kind", kind, "ref", ref, "payload", string(raw), "err", err)
	}
	uc.Metrics.Quarantined(kind)
	uc.alert(ctx, fmt.Sprintf("Notification quarantined (%s): %s", kind, ref))
	return uc.outcome(OutcomeQuarantined)
}

func (uc *Reconciler) outcome(o NotificationOutcome) NotificationOutcome {
	uc.Metrics.Notification(string(o))
	return o
}
