package queue

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/usecase"
)

// Charger is the slice of the recurring charge use case the consumer needs.
type Charger interface {
	Charge(ctx context.Context, in usecase.ChargeInput) (usecase.ChargeOutput, error)
}

// ChargeRequestedHandler turns billing-cycle requests into recurring charges.
type ChargeRequestedHandler struct {
	Charges Charger
}

func NewChargeRequestedHandler(c Charger) *ChargeRequestedHandler {
	return &ChargeRequestedHandler{Charges: c}
}

// HandleCharge is intended to be used with JSONHandler[usecase.ChargeRequestedMsg].
// Only a retryable failure goes back to the queue; the rest are final and
// already recorded on the order.
func (h *ChargeRequestedHandler) HandleCharge(ctx context.Context, msg usecase.ChargeRequestedMsg) error {
	if msg.OrderID == "" {
		return fmt.Errorf("%w: charge request without orderId", ErrPoison)
	}
	l := logging.FromCtx(ctx).With("order_id", msg.OrderID, "customer_id", msg.CustomerID)

	out, err := h.Charges.Charge(ctx, usecase.ChargeInput{
		OrderID:          msg.OrderID,
		CustomerID:       msg.CustomerID,
		RecurringToken:   msg.RecurringToken,
		AmountMinorUnits: msg.AmountMinorUnits,
		Description:      msg.Description,
	})
	switch {
	case err == nil:
		l.Info("charge request processed", "status", out.Status)
		return nil
	case domain.Retryable(err), errors.Is(err, domain.ErrInFlight):
		return err
	default:
		l.Warn("charge request finished with error", "kind", domain.KindOf(err), "status", out.Status, "err", err)
		return nil
	}
}
