package http

import (
	"io"
	"net/http"
	"time"

	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/gin-gonic/gin"
)

const notificationBodyLimit = 64 * 1024

type NotificationHandler struct {
	reconciler *usecase.Reconciler
	timeout    time.Duration
}

func NewNotificationHandler(r *usecase.Reconciler, timeout time.Duration) *NotificationHandler {
	return &NotificationHandler{reconciler: r, timeout: timeout}
}

// Notify handler: POST /v1/notifications
// The gateway retries until it reads "OK", so every delivery is acknowledged;
// payloads that cannot be applied end up in quarantine instead.
func (h *NotificationHandler) Notify(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, notificationBodyLimit))
	if err != nil {
		logging.From(c).Warn("notification body unreadable", "err", err)
	}

	ctx, cancel := requestCtx(c, h.timeout)
	defer cancel()

	outcome := h.reconciler.HandleRawNotification(ctx, body)
	logging.From(c).Info("notification handled", "outcome", outcome)
	c.String(http.StatusOK, "OK")
}
