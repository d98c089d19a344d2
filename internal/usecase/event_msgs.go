package usecase

import "time"

// Published on every persisted status change.
type PaymentStatusChangedMsg struct {
	OrderID          string    `json:"orderId"`
	CustomerID       string    `json:"customerId"`
	GatewayPaymentID string    `json:"gatewayPaymentId,omitempty"`
	AmountMinorUnits int64     `json:"amountMinorUnits"`
	Currency         string    `json:"currency"`
	From             string    `json:"from"`
	Status           string    `json:"status"` // e.g. "CONFIRMED"
	Recurring        bool      `json:"recurring"`
	At               time.Time `json:"at"`
}

// Sent by the billing-cycle job. OrderID is required so redelivery is idempotent.
type ChargeRequestedMsg struct {
	OrderID          string `json:"orderId"`
	CustomerID       string `json:"customerId"`
	RecurringToken   string `json:"recurringToken"`
	AmountMinorUnits int64  `json:"amountMinorUnits"`
	Description      string `json:"description"`
}
