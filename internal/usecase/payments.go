package usecase

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/security"
)

const (
	scopeStart   = "start"
	scopeConfirm = "confirm"
	scopeCharge  = "charge"
)

type StartPaymentInput struct {
	OrderID             string // optional; generated when empty
	CustomerID          string
	AmountMinorUnits    int64
	Currency            string
	Description         string
	WantsRecurringSetup bool
	Email               string // receipt recipient
}

type StartPaymentOutput struct {
	OrderID          string
	RedirectURL      string
	GatewayPaymentID string
	Status           domain.Status
}

type CompleteAuthorizationInput struct {
	OrderID          string
	GatewayPaymentID string
	AmountMinorUnits int64
}

type CompleteAuthorizationOutput struct {
	OrderID        string
	Status         domain.Status
	RecurringToken string
}

// Payments drives a checkout through Init, Confirm and the token lookup.
type Payments struct {
	*core
}

func NewPayments(d Deps, opts Options) *Payments {
	return &Payments{core: newCore(d, opts)}
}

func startOutput(o *domain.Order) StartPaymentOutput {
	return StartPaymentOutput{
		OrderID:          o.OrderID,
		RedirectURL:      o.PaymentURL,
		GatewayPaymentID: o.GatewayPaymentID,
		Status:           o.Status,
	}
}

// StartPayment records the order and opens a gateway session for it.
// Retrying with the same OrderID resumes instead of opening a second session.
func (uc *Payments) StartPayment(ctx context.Context, in StartPaymentInput) (StartPaymentOutput, error) {
	if in.OrderID == "" {
		in.OrderID = uc.NewID()
	}
	if in.Currency == "" {
		in.Currency = uc.opts.SettlementCurrency
	}
	draft := &domain.Order{
		OrderID:            in.OrderID,
		CustomerID:         in.CustomerID,
		AmountMinorUnits:   in.AmountMinorUnits,
		Currency:           in.Currency,
		Description:        in.Description,
		RecurringRequested: in.WantsRecurringSetup,
	}
	if err := draft.Validate(); err != nil {
		return StartPaymentOutput{}, domain.NewError(domain.KindInvalidRequest, in.OrderID, err)
	}

	unlock, err := uc.lock(ctx, scopeStart, in.OrderID)
	if err != nil {
		return StartPaymentOutput{}, err
	}
	defer unlock()

	o, err := uc.Store.Get(ctx, in.CustomerID, in.OrderID)
	switch {
	case err == nil:
		switch {
		case o.Status == domain.StatusFailed:
			return startOutput(o), storedRejection(o, security.OpInit)
		case o.GatewayPaymentID != "":
			return startOutput(o), nil
		}
		// a previous attempt never reached the gateway; send Init again
	case errors.Is(err, domain.ErrNotFound):
		if o, err = uc.createDraft(ctx, draft); err != nil {
			return StartPaymentOutput{}, err
		}
	default:
		return StartPaymentOutput{}, storeUnavailable(in.OrderID, err)
	}

	resp, err := uc.call(ctx, security.OpInit, o.OrderID, uc.initFields(o, in.Email))
	if err != nil {
		if domain.KindOf(err) == domain.KindGatewayRejected {
			return startOutput(uc.fail(ctx, o, resp)), err
		}
		// nothing moved; the row stays CREATED for a retry with the same id
		logging.FromCtx(ctx).Warn("init not completed", "order_id", o.OrderID, "err", err)
		return startOutput(o), err
	}

	o.GatewayPaymentID = resp.PaymentID
	next, err := uc.update(ctx, o, domain.OrderPatch{
		GatewayPaymentID:    resp.PaymentID,
		PaymentURL:          resp.PaymentURL,
		LastGatewayResponse: resp.Raw,
	}, domain.AllStatuses)
	if err != nil {
		out := startOutput(o)
		out.RedirectURL = resp.PaymentURL
		return out, uc.persistenceFailure(ctx, o, security.OpInit, err)
	}
	logging.FromCtx(ctx).Info("payment session opened",
		"order_id", next.OrderID, "customer_id", next.CustomerID,
		"gateway_payment_id", next.GatewayPaymentID, "recurring", next.RecurringRequested)
	return startOutput(next), nil
}

// createDraft converts the amount once and writes the CREATED row.
func (uc *Payments) createDraft(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	if err := uc.convert(ctx, o); err != nil {
		return nil, err
	}
	now := uc.Now()
	o.Status = domain.StatusCreated
	o.CreatedAt, o.UpdatedAt = now, now

	if err := uc.Store.Create(ctx, o); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, domain.NewError(domain.KindInvalidRequest, o.OrderID, errors.New("order id already in use"))
		}
		return nil, storeUnavailable(o.OrderID, err)
	}
	logging.FromCtx(ctx).Info("order created",
		"order_id", o.OrderID, "customer_id", o.CustomerID,
		"amount", o.AmountMinorUnits, "currency", o.Currency)
	return o, nil
}

// CompleteAuthorization confirms the payment and, for recurring setups, saves
// the gateway's reusable token on the order.
func (uc *Payments) CompleteAuthorization(ctx context.Context, in CompleteAuthorizationInput) (CompleteAuthorizationOutput, error) {
	o, err := uc.Store.ScanByOrderID(ctx, in.OrderID)
	if err != nil {
		return CompleteAuthorizationOutput{}, storeUnavailable(in.OrderID, err)
	}
	if done, out, err := authorizationSettled(o); done && !missingRecurringToken(o) {
		return out, err
	}
	switch {
	case o.GatewayPaymentID == "":
		return CompleteAuthorizationOutput{}, domain.NewError(domain.KindInvalidRequest, o.OrderID, errors.New("payment session not opened"))
	case in.GatewayPaymentID != o.GatewayPaymentID:
		return CompleteAuthorizationOutput{}, domain.NewError(domain.KindInvalidRequest, o.OrderID,
			fmt.Errorf("payment id %q does not belong to this order", in.GatewayPaymentID))
	case in.AmountMinorUnits != o.AmountMinorUnits:
		return CompleteAuthorizationOutput{}, domain.NewError(domain.KindInvalidRequest, o.OrderID,
			fmt.Errorf("amount %d does not match order amount %d", in.AmountMinorUnits, o.AmountMinorUnits))
	}

	unlock, err := uc.lock(ctx, scopeConfirm, o.OrderID)
	if err != nil {
		return CompleteAuthorizationOutput{}, err
	}
	defer unlock()

	// a concurrent call may have finished while we waited for the lock
	if o, err = uc.Store.Get(ctx, o.CustomerID, o.OrderID); err != nil {
		return CompleteAuthorizationOutput{}, storeUnavailable(in.OrderID, err)
	}
	if done, out, err := authorizationSettled(o); done {
		if missingRecurringToken(o) {
			return uc.backfillRecurringToken(ctx, o)
		}
		return out, err
	}

	resp, err := uc.call(ctx, security.OpConfirm, o.OrderID, map[string]any{
		"PaymentId": o.GatewayPaymentID,
		"Amount":    o.AmountMinorUnits,
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindGatewayRejected {
			failed := uc.fail(ctx, o, resp)
			return CompleteAuthorizationOutput{OrderID: failed.OrderID, Status: failed.Status}, err
		}
		return CompleteAuthorizationOutput{}, err
	}

	next, err := uc.update(ctx, o, domain.OrderPatch{
		Status:              domain.StatusPtr(domain.StatusAuthorized),
		LastGatewayResponse: resp.Raw,
	}, domain.Predecessors(domain.StatusAuthorized))
	switch {
	case errors.Is(err, ErrConflict):
		// a notification already moved the order past AUTHORIZED
		if cur, gerr := uc.Store.Get(ctx, o.CustomerID, o.OrderID); gerr == nil {
			o = cur
		}
	case err != nil:
		return CompleteAuthorizationOutput{}, uc.persistenceFailure(ctx, o, security.OpConfirm, err)
	default:
		o = next
	}

	patch := domain.OrderPatch{Status: domain.StatusPtr(domain.StatusConfirmed)}
	if o.RecurringRequested && o.RecurringToken == "" {
		if token := uc.acquireRecurringToken(ctx, o); token != "" {
			patch.RecurringToken = token
			patch.MarkRecurringOrigin = true
		}
	}

	next, err = uc.update(ctx, o, patch, domain.Predecessors(domain.StatusConfirmed))
	if errors.Is(err, ErrConflict) {
		next, err = uc.Store.Get(ctx, o.CustomerID, o.OrderID)
	}
	if err != nil {
		return CompleteAuthorizationOutput{}, uc.persistenceFailure(ctx, o, security.OpConfirm, err)
	}
	return CompleteAuthorizationOutput{OrderID: next.OrderID, Status: next.Status, RecurringToken: next.RecurringToken}, nil
}

// authorizationSettled short-circuits orders that need no Confirm.
func authorizationSettled(o *domain.Order) (bool, CompleteAuthorizationOutput, error) {
	out := CompleteAuthorizationOutput{OrderID: o.OrderID, Status: o.Status, RecurringToken: o.RecurringToken}
	switch o.Status {
	case domain.StatusConfirmed, domain.StatusCharged:
		return true, out, nil
	case domain.StatusFailed:
		return true, out, storedRejection(o, security.OpConfirm)
	}
	return false, out, nil
}

// missingRecurringToken reports a confirmed recurring setup whose token was
// never saved, e.g. because a notification confirmed it first.
func missingRecurringToken(o *domain.Order) bool {
	return o.Status == domain.StatusConfirmed && o.RecurringRequested && o.RecurringToken == ""
}

// acquireRecurringToken is best effort: failures are logged and yield "".
func (uc *Payments) acquireRecurringToken(ctx context.Context, o *domain.Order) string {
	token, err := uc.QueryRecurringToken(ctx, o.GatewayPaymentID)
	switch {
	case err != nil:
		logging.FromCtx(ctx).Warn("recurring token not acquired; confirmation kept",
			"order_id", o.OrderID, "customer_id", o.CustomerID,
			"gateway_payment_id", o.GatewayPaymentID, "err", err)
	case token == "":
		logging.FromCtx(ctx).Warn("gateway returned no recurring token",
			"order_id", o.OrderID, "gateway_payment_id", o.GatewayPaymentID)
	}
	return token
}

// backfillRecurringToken saves the token on an order that is already
// CONFIRMED without running Confirm again.
func (uc *Payments) backfillRecurringToken(ctx context.Context, o *domain.Order) (CompleteAuthorizationOutput, error) {
	out := CompleteAuthorizationOutput{OrderID: o.OrderID, Status: o.Status}
	token := uc.acquireRecurringToken(ctx, o)
	if token == "" {
		return out, nil
	}
	next, err := uc.update(ctx, o, domain.OrderPatch{
		RecurringToken:      token,
		MarkRecurringOrigin: true,
	}, domain.Predecessors(domain.StatusConfirmed))
	if errors.Is(err, ErrConflict) {
		next, err = uc.Store.Get(ctx, o.CustomerID, o.OrderID)
	}
	if err != nil {
		return CompleteAuthorizationOutput{}, uc.persistenceFailure(ctx, o, security.OpGetState, err)
	}
	return CompleteAuthorizationOutput{OrderID: next.OrderID, Status: next.Status, RecurringToken: next.RecurringToken}, nil
}

// QueryRecurringToken asks the gateway for the reusable token of a payment.
// An empty token with a nil error means the gateway has none.
func (uc *Payments) QueryRecurringToken(ctx context.Context, gatewayPaymentID string) (string, error) {
	resp, err := uc.call(ctx, security.OpGetState, "", map[string]any{"PaymentId": gatewayPaymentID})
	if err != nil {
		return "", err
	}
	return resp.RebillID, nil
}

// GetPayment reads the stored order by its id alone.
func (uc *Payments) GetPayment(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := uc.Store.ScanByOrderID(ctx, orderID)
	if err != nil {
		return nil, storeUnavailable(orderID, err)
	}
	return o, nil
}

// PaymentStatus answers from the status cache and falls back to the store.
func (uc *Payments) PaymentStatus(ctx context.Context, orderID string) (domain.Status, error) {
	if s, ok, err := uc.Cache.GetStatus(ctx, orderID); err == nil && ok {
		return domain.Status(s), nil
	} else if err != nil {
		logging.FromCtx(ctx).Warn("status cache read failed", "order_id", orderID, "err", err)
	}
	o, err := uc.GetPayment(ctx, orderID)
	if err != nil {
		return "", err
	}
	if err := uc.Cache.SetStatus(ctx, o.OrderID, string(o.Status)); err != nil {
		logging.FromCtx(ctx).Warn("status cache write failed", "order_id", o.OrderID, "err", err)
	}
	return o.Status, nil
}
