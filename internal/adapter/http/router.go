package http

import (
	"log/slog"

	"github.com/aq2208/gorder-payments/internal/adapter/http/middleware"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	Payments      *PaymentHandler
	Recurring     *RecurringHandler
	Notifications *NotificationHandler
	Token         *TokenHandler
}

func NewRouter(h Handlers, authz *middleware.Authz, l *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.MetricsMiddleware())
	r.Use(middleware.Logging(l))

	r.GET("/healthz", func(c *gin.Context) {
		logging.From(c).Debug("health check")
		c.JSON(200, gin.H{"ok": true})
	})
	// Prometheus endpoint (scraped by Prometheus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/v1/token", h.Token.IssueToken)

	v1 := r.Group("/v1")
	{
		v1.POST("/payments", authz.Require(middleware.PermPaymentsWrite), h.Payments.StartPayment)
		v1.POST("/payments/:orderId/confirm", authz.Require(middleware.PermPaymentsWrite), h.Payments.CompleteAuthorization)
		v1.GET("/payments/:orderId", authz.Require(middleware.PermPaymentsRead), h.Payments.GetPayment)
		v1.GET("/payments/:orderId/status", authz.Require(middleware.PermPaymentsRead), h.Payments.GetStatus)

		v1.POST("/recurring/charges", authz.Require(middleware.PermRecurringCharge), h.Recurring.Charge)
		v1.POST("/recurring/revoke", authz.Require(middleware.PermRecurringCharge), h.Recurring.Revoke)

		// signed by the gateway, verified by the reconciler
		v1.POST("/notifications", h.Notifications.Notify)
	}

	return r
}
