package http

import (
	"errors"
	"net/http"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/gin-gonic/gin"
)

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindTokenOwnershipMismatch:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInFlight:
		return http.StatusConflict
	case domain.KindGatewayRejected:
		return http.StatusUnprocessableEntity
	case domain.KindTransportFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its stable kind. Gateway rejections carry the
// gateway's own code and message; internal failures hide their cause.
func writeError(c *gin.Context, err error, extra gin.H) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	_ = c.Error(err)

	body := gin.H{"error": string(kind), "retryable": domain.Retryable(err)}
	if kind == "" {
		body["error"] = "internal"
	}
	if status == http.StatusInternalServerError {
		logging.From(c).Error("request failed", "kind", kind, "err", err)
		body["message"] = "internal error"
	} else {
		body["message"] = err.Error()
	}

	var ge *domain.GatewayError
	if errors.As(err, &ge) {
		body["gateway"] = gin.H{
			"operation": ge.Operation,
			"code":      ge.Code,
			"message":   ge.Message,
			"details":   ge.Details,
			"payload":   ge.Payload, // verbatim gateway reply
		}
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(domain.KindInvalidRequest), "message": err.Error()})
}
