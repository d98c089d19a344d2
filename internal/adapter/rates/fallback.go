package rates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/shopspring/decimal"
)

// FallbackSource answers from a static table when the primary source fails.
type FallbackSource struct {
	primary usecase.RateSource
	table   map[string]decimal.Decimal
}

// NewFallbackSource parses table, keyed by source currency, with values in
// the settlement currency.
func NewFallbackSource(primary usecase.RateSource, table map[string]string) (*FallbackSource, error) {
	parsed := make(map[string]decimal.Decimal, len(table))
	for code, v := range table {
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("fallback rate %s=%q is not a positive number", code, v)
		}
		parsed[strings.ToUpper(code)] = d
	}
	return &FallbackSource{primary: primary, table: parsed}, nil
}

func (s *FallbackSource) GetRate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error) {
	var primaryErr error
	if s.primary != nil {
		rate, err := s.primary.GetRate(ctx, from, to, date)
		if err == nil {
			return rate, nil
		}
		primaryErr = err
	}
	rate, ok := s.table[strings.ToUpper(from)]
	if !ok {
		if primaryErr == nil {
			return decimal.Zero, fmt.Errorf("no rate for %s/%s", from, to)
		}
		return decimal.Zero, fmt.Errorf("no rate for %s/%s: %w", from, to, primaryErr)
	}
	logging.FromCtx(ctx).Warn("using fallback exchange rate",
		"from", from, "to", to, "rate", rate.String(), "err", primaryErr)
	return rate, nil
}

var _ usecase.RateSource = (*FallbackSource)(nil)
