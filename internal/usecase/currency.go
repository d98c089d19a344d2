package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/shopspring/decimal"
)

// convert rewrites the order amount into the settlement currency. It runs
// once, before the row is created, so the signed amount is never re-derived.
func (c *core) convert(ctx context.Context, o *domain.Order) error {
	from := strings.ToUpper(o.Currency)
	to := strings.ToUpper(c.opts.SettlementCurrency)
	if from == to {
		o.Currency = to
		return nil
	}
	if c.Rates == nil {
		return domain.NewError(domain.KindInvalidRequest, o.OrderID, fmt.Errorf("currency %s is not accepted", o.Currency))
	}
	rate, err := c.Rates.GetRate(ctx, from, to, c.Now())
	if err != nil {
		return domain.NewError(domain.KindTransportFailure, o.OrderID, fmt.Errorf("rate %s/%s: %w", from, to, err))
	}
	converted, err := ConvertMinorUnits(o.AmountMinorUnits, rate)
	if err != nil {
		return domain.NewError(domain.KindInvalidRequest, o.OrderID, err)
	}

	logging.FromCtx(ctx).Info("amount converted",
		"order_id", o.OrderID, "from", from, "to", to,
		"rate", rate.String(), "source_amount", o.AmountMinorUnits, "amount", converted)

	o.SourceAmountMinorUnits = o.AmountMinorUnits
	o.SourceCurrency = from
	o.ExchangeRate = rate.String()
	o.AmountMinorUnits = converted
	o.Currency = to
	return nil
}

// ConvertMinorUnits multiplies an amount by rate and rounds half-up to whole
// minor units. Both currencies are assumed to have two decimal places.
func ConvertMinorUnits(amount int64, rate decimal.Decimal) (int64, error) {
	if !rate.IsPositive() {
		return 0, fmt.Errorf("exchange rate %s must be positive", rate)
	}
	v := decimal.NewFromInt(amount).Mul(rate).Round(0)
	if !v.IsPositive() {
		return 0, errors.New("converted amount rounds to zero")
	}
	return v.IntPart(), nil
}
