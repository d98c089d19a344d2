package kafka

import (
	"context"

	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/usecase"
)

// NotificationReconciler is the part of the reconciler the consumer drives.
type NotificationReconciler interface {
	HandleRawNotification(ctx context.Context, body []byte) usecase.NotificationOutcome
}

// NotificationHandler feeds gateway notifications relayed through Kafka into
// the reconciler. Every message is acknowledged: the reconciler quarantines
// whatever it cannot apply.
type NotificationHandler struct {
	Reconciler NotificationReconciler
}

func NewNotificationHandler(r NotificationReconciler) *NotificationHandler {
	return &NotificationHandler{Reconciler: r}
}

func (h *NotificationHandler) Handle(ctx context.Context, value []byte) error {
	outcome := h.Reconciler.HandleRawNotification(ctx, value)
	logging.FromCtx(ctx).Info("relayed notification handled", "outcome", outcome)
	return nil
}
