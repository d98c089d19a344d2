package usecase

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/security"
)

type ChargeInput struct {
	OrderID          string // optional; a pre-assigned id makes redelivery safe
	CustomerID       string
	RecurringToken   string
	AmountMinorUnits int64
	Description      string
}

type ChargeOutput struct {
	OrderID string
	Status  domain.Status
}

// RecurringCharges issues charges against a saved token. Every attempt gets
// its own order row; the order that produced the token is never touched.
type RecurringCharges struct {
	*core
}

func NewRecurringCharges(d Deps, opts Options) *RecurringCharges {
	return &RecurringCharges{core: newCore(d, opts)}
}

func (uc *RecurringCharges) Charge(ctx context.Context, in ChargeInput) (ChargeOutput, error) {
	if in.OrderID == "" {
		in.OrderID = uc.NewID()
	}
	if in.RecurringToken == "" {
		return ChargeOutput{}, domain.NewError(domain.KindInvalidRequest, in.OrderID, errors.New("recurring token required"))
	}
	draft := &domain.Order{
		OrderID:          in.OrderID,
		CustomerID:       in.CustomerID,
		AmountMinorUnits: in.AmountMinorUnits,
		Currency:         uc.opts.SettlementCurrency,
		Description:      in.Description,
		RecurringToken:   in.RecurringToken,
	}
	if err := draft.Validate(); err != nil {
		return ChargeOutput{}, domain.NewError(domain.KindInvalidRequest, in.OrderID, err)
	}

	unlock, err := uc.lock(ctx, scopeCharge, in.OrderID)
	if err != nil {
		return ChargeOutput{}, err
	}
	defer unlock()

	// A replay is answered from the stored row before the token is checked,
	// so a charge that already settled still reports its status after the
	// token is revoked. Matching customer and token keeps the row private.
	o, err := uc.Store.ScanByOrderID(ctx, in.OrderID)
	switch {
	case err == nil:
		if !o.IsRecurringCharge() || o.CustomerID != in.CustomerID || o.RecurringToken != in.RecurringToken {
			if _, err := uc.owner(ctx, in.CustomerID, in.RecurringToken, in.OrderID); err != nil {
				return ChargeOutput{}, err
			}
			return ChargeOutput{}, domain.NewError(domain.KindInvalidRequest, in.OrderID, errors.New("order id already in use"))
		}
		if o.Status != domain.StatusCreated {
			return ChargeOutput{OrderID: o.OrderID, Status: o.Status}, nil
		}
		// an earlier attempt stopped before the charge completed; the token
		// must still be live to finish it
		if _, err := uc.owner(ctx, in.CustomerID, in.RecurringToken, in.OrderID); err != nil {
			return ChargeOutput{}, err
		}
	case errors.Is(err, domain.ErrNotFound):
		origin, err := uc.owner(ctx, in.CustomerID, in.RecurringToken, in.OrderID)
		if err != nil {
			return ChargeOutput{}, err
		}
		now := uc.Now()
		draft.ParentOrderID = origin.OrderID
		draft.Status = domain.StatusCreated
		draft.CreatedAt, draft.UpdatedAt = now, now
		if err := uc.Store.Create(ctx, draft); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return ChargeOutput{}, domain.NewError(domain.KindInvalidRequest, in.OrderID, errors.New("order id already in use"))
			}
			return ChargeOutput{}, storeUnavailable(in.OrderID, err)
		}
		o = draft
	default:
		return ChargeOutput{}, storeUnavailable(in.OrderID, err)
	}

	if o.GatewayPaymentID == "" {
		if o, err = uc.open(ctx, o); err != nil {
			return ChargeOutput{OrderID: o.OrderID, Status: o.Status}, err
		}
	}

	resp, err := uc.call(ctx, security.OpCharge, o.OrderID, map[string]any{
		"PaymentId": o.GatewayPaymentID,
		"RebillId":  o.RecurringToken,
	})
	if err != nil {
		return uc.rejected(ctx, o, resp, err)
	}

	next, err := uc.update(ctx, o, domain.OrderPatch{
		Status:              domain.StatusPtr(domain.StatusCharged),
		LastGatewayResponse: resp.Raw,
	}, domain.Predecessors(domain.StatusCharged))
	if errors.Is(err, ErrConflict) {
		next, err = uc.Store.Get(ctx, o.CustomerID, o.OrderID)
	}
	if err != nil {
		return ChargeOutput{OrderID: o.OrderID, Status: o.Status}, uc.persistenceFailure(ctx, o, security.OpCharge, err)
	}
	logging.FromCtx(ctx).Info("recurring charge completed",
		"order_id", next.OrderID, "customer_id", next.CustomerID,
		"parent_order_id", next.ParentOrderID, "amount", next.AmountMinorUnits)
	return ChargeOutput{OrderID: next.OrderID, Status: next.Status}, nil
}

// owner returns the order that produced token, if customerID owns it.
func (uc *RecurringCharges) owner(ctx context.Context, customerID, token, orderID string) (*domain.Order, error) {
	origin, err := uc.Store.FindRecurringOrigin(ctx, token)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, domain.NewError(domain.KindTokenOwnershipMismatch, orderID, errors.New("recurring token not found for customer"))
	case err != nil:
		return nil, storeUnavailable(orderID, err)
	case origin.CustomerID != customerID:
		logging.FromCtx(ctx).Warn("recurring token used by another customer",
			"order_id", orderID, "customer_id", customerID, "origin_order_id", origin.OrderID)
		return nil, domain.NewError(domain.KindTokenOwnershipMismatch, orderID, errors.New("recurring token not found for customer"))
	}
	return origin, nil
}

// open sends Init for a charge order to get a fresh gateway payment id.
func (uc *RecurringCharges) open(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	resp, err := uc.call(ctx, security.OpInit, o.OrderID, uc.initFields(o, ""))
	if err != nil {
		out, err := uc.rejected(ctx, o, resp, err)
		failed := o.Clone()
		failed.Status = out.Status
		return failed, err
	}
	next, err := uc.update(ctx, o, domain.OrderPatch{
		GatewayPaymentID:    resp.PaymentID,
		LastGatewayResponse: resp.Raw,
	}, domain.AllStatuses)
	if err != nil {
		o = o.Clone()
		o.GatewayPaymentID = resp.PaymentID
		return o, uc.persistenceFailure(ctx, o, security.OpInit, err)
	}
	return next, nil
}

// rejected records a gateway rejection as FAILED and alerts admins; a charge
// failure is the first sign of an expired or revoked card. Other errors leave
// the order as it is.
func (uc *RecurringCharges) rejected(ctx context.Context, o *domain.Order, resp *GatewayResponse, err error) (ChargeOutput, error) {
	if domain.KindOf(err) != domain.KindGatewayRejected {
		return ChargeOutput{OrderID: o.OrderID, Status: o.Status}, err
	}
	failed := uc.fail(ctx, o, resp)
	var ge *domain.GatewayError
	code, msg := "", ""
	if errors.As(err, &ge) {
		code, msg = ge.Code, ge.Message
	}
	logging.FromCtx(ctx).Warn("recurring charge rejected",
		"order_id", o.OrderID, "customer_id", o.CustomerID,
		"parent_order_id", o.ParentOrderID, "code", code, "message", msg)
	uc.alert(ctx, fmt.Sprintf("Recurring charge failed: customer %s, order %s, amount %d, code %s: %s",
		o.CustomerID, o.OrderID, o.AmountMinorUnits, code, msg))
	return ChargeOutput{OrderID: failed.OrderID, Status: failed.Status}, err
}

// Revoke clears a saved token so it can no longer be charged.
func (uc *RecurringCharges) Revoke(ctx context.Context, customerID, token string) error {
	origin, err := uc.owner(ctx, customerID, token, "")
	if err != nil {
		return err
	}
	if _, err := uc.update(ctx, origin, domain.OrderPatch{ClearRecurringToken: true}, domain.AllStatuses); err != nil {
		return storeUnavailable(origin.OrderID, err)
	}
	logging.FromCtx(ctx).Info("recurring token revoked",
		"order_id", origin.OrderID, "customer_id", customerID)
	return nil
}
