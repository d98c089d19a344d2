package usecase

import (
	"context"
	"errors"
	"time"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/security"
	"github.com/shopspring/decimal"
)

// Store errors. A missing order is reported as domain.ErrNotFound.
var (
	ErrConflict      = errors.New("order status precondition failed")
	ErrAlreadyExists = errors.New("order already exists")
)

// OrderStore persists orders keyed by (customerID, orderID).
type OrderStore interface {
	Create(ctx context.Context, o *domain.Order) error
	Get(ctx context.Context, customerID, orderID string) (*domain.Order, error)
	// Update merges patch only if the current status is in expected and
	// returns the stored result along with the status the write replaced.
	// ErrConflict otherwise.
	Update(ctx context.Context, customerID, orderID string, patch domain.OrderPatch, expected []domain.Status) (*domain.Order, domain.Status, error)
	ScanByOrderID(ctx context.Context, orderID string) (*domain.Order, error)
	FindRecurringOrigin(ctx context.Context, token string) (*domain.Order, error)
}

type QuarantineStore interface {
	Quarantine(ctx context.Context, kind, refKey string, payload []byte) error
}

type GatewayResponse struct {
	Success    bool
	ErrorCode  string
	Message    string
	Details    string
	Status     string
	PaymentID  string
	PaymentURL string
	RebillID   string
	Raw        map[string]any
}

// AsError keeps the gateway's own code and message intact.
func (r *GatewayResponse) AsError(op security.Operation) *domain.GatewayError {
	return &domain.GatewayError{
		Operation: string(op),
		Code:      r.ErrorCode,
		Message:   r.Message,
		Details:   r.Details,
		Payload:   r.Raw,
	}
}

// GatewayClient is a dumb transport: an error means no usable response.
type GatewayClient interface {
	Send(ctx context.Context, op security.Operation, fields map[string]any) (*GatewayResponse, error)
}

type RequestSigner interface {
	Sign(op security.Operation, params map[string]any) (string, error)
	Verify(op security.Operation, params map[string]any) (bool, error)
}

type IdempotencyStore interface {
	TryLock(ctx context.Context, scope, key string) (bool, error)
	Unlock(ctx context.Context, scope, key string) error
	Remember(ctx context.Context, scope, key, value string) error
	Recall(ctx context.Context, scope, key string) (string, bool, error)
}

// StatusCache holds the last known status per order. SetStatus ignores a
// status the cached one cannot transition to.
type StatusCache interface {
	SetStatus(ctx context.Context, orderID string, status string) error
	GetStatus(ctx context.Context, orderID string) (string, bool, error)
}

type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, msg PaymentStatusChangedMsg) error
}

type Alerter interface {
	Alert(ctx context.Context, text string) error
}

type RateSource interface {
	GetRate(ctx context.Context, from, to string, date time.Time) (decimal.Decimal, error)
}

type Metrics interface {
	Transition(from, to domain.Status)
	Quarantined(kind string)
	Notification(outcome string)
}
