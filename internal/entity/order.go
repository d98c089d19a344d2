package domain

import (
	"fmt"
	"reflect"
	"time"
)

type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusAuthorizing Status = "AUTHORIZING"
	StatusAuthorized  Status = "AUTHORIZED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusCharged     Status = "CHARGED"
	StatusFailed      Status = "FAILED"
)

// MaxOrderIDLen is the longest order id the gateway accepts.
const MaxOrderIDLen = 36

var statusRank = map[Status]int{
	StatusCreated:     0,
	StatusAuthorizing: 1,
	StatusAuthorized:  2,
	StatusConfirmed:   3,
	StatusCharged:     4,
}

var AllStatuses = []Status{
	StatusCreated, StatusAuthorizing, StatusAuthorized,
	StatusConfirmed, StatusCharged, StatusFailed,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCharged || s == StatusFailed
}

// CanTransition reports whether an order may move from one status to another.
// Statuses only move forward; FAILED is reachable from any non-terminal status.
func CanTransition(from, to Status) bool {
	if from == to || from.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// Predecessors lists the statuses a conditional update towards `to` may start
// from. `to` itself is included so re-applying the same transition is a no-op
// instead of a conflict.
func Predecessors(to Status) []Status {
	out := []Status{to}
	for _, s := range AllStatuses {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Order is one payment attempt: an initial checkout or a recurring charge.
type Order struct {
	OrderID          string `json:"orderId"`
	CustomerID       string `json:"customerId"`
	AmountMinorUnits int64  `json:"amountMinorUnits"`
	Currency         string `json:"currency"`
	Description      string `json:"description"`

	// set when the caller priced the order in another currency
	SourceAmountMinorUnits int64  `json:"sourceAmountMinorUnits,omitempty"`
	SourceCurrency         string `json:"sourceCurrency,omitempty"`
	ExchangeRate           string `json:"exchangeRate,omitempty"`

	GatewayPaymentID string `json:"gatewayPaymentId,omitempty"`
	PaymentURL       string `json:"paymentUrl,omitempty"`
	Status           Status `json:"status"`

	RecurringRequested bool   `json:"recurringRequested"`
	RecurringToken     string `json:"recurringToken,omitempty"`
	IsRecurringOrigin  bool   `json:"isRecurringOrigin"`
	ParentOrderID      string `json:"parentOrderId,omitempty"`

	LastGatewayResponse map[string]any `json:"lastGatewayResponse,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (o *Order) Validate() error {
	switch {
	case o.OrderID == "" || len(o.OrderID) > MaxOrderIDLen:
		return fmt.Errorf("%w: order id must be 1..%d chars", ErrInvalidRequest, MaxOrderIDLen)
	case o.CustomerID == "":
		return fmt.Errorf("%w: customer id required", ErrInvalidRequest)
	case o.AmountMinorUnits <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case o.Currency == "":
		return fmt.Errorf("%w: currency required", ErrInvalidRequest)
	}
	return nil
}

// IsRecurringCharge reports whether the order was issued against a saved token.
func (o *Order) IsRecurringCharge() bool {
	return o.RecurringToken != "" && !o.IsRecurringOrigin && o.ParentOrderID != ""
}

// Clone returns a copy that shares no maps with the receiver.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.LastGatewayResponse = cloneMap(o.LastGatewayResponse)
	return &c
}

// OrderPatch is a partial update. Zero fields are left untouched.
type OrderPatch struct {
	Status              *Status
	GatewayPaymentID    string
	PaymentURL          string
	RecurringToken      string
	MarkRecurringOrigin bool
	ClearRecurringToken bool
	LastGatewayResponse map[string]any
}

func StatusPtr(s Status) *Status { return &s }

// Apply merges p into the order and reports whether anything changed.
// Status never moves backwards and a recurring token is only replaced by an
// explicit clear, so applying the same patch twice is a no-op.
func (o *Order) Apply(p OrderPatch, now time.Time) bool {
	changed := false

	if p.Status != nil && *p.Status != o.Status && CanTransition(o.Status, *p.Status) {
		o.Status = *p.Status
		changed = true
	}
	if p.GatewayPaymentID != "" && p.GatewayPaymentID != o.GatewayPaymentID {
		o.GatewayPaymentID = p.GatewayPaymentID
		changed = true
	}
	if p.PaymentURL != "" && p.PaymentURL != o.PaymentURL {
		o.PaymentURL = p.PaymentURL
		changed = true
	}

	switch {
	case p.ClearRecurringToken:
		if o.RecurringToken != "" {
			o.RecurringToken = ""
			changed = true
		}
	case p.RecurringToken != "" && o.RecurringToken == "":
		o.RecurringToken = p.RecurringToken
		if p.MarkRecurringOrigin {
			o.IsRecurringOrigin = true
		}
		changed = true
	}

	if p.LastGatewayResponse != nil && !reflect.DeepEqual(p.LastGatewayResponse, o.LastGatewayResponse) {
		o.LastGatewayResponse = cloneMap(p.LastGatewayResponse)
		changed = true
	}

	if changed {
		o.UpdatedAt = now
	}
	return changed
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
