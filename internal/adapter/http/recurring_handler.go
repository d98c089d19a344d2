package http

import (
	"net/http"
	"time"

	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/gin-gonic/gin"
)

type RecurringHandler struct {
	charges *usecase.RecurringCharges
	timeout time.Duration
}

func NewRecurringHandler(charges *usecase.RecurringCharges, timeout time.Duration) *RecurringHandler {
	return &RecurringHandler{charges: charges, timeout: timeout}
}

type chargeReq struct {
	OrderID          string `json:"orderId" binding:"omitempty,max=36"`
	CustomerID       string `json:"customerId" binding:"required"`
	RecurringToken   string `json:"recurringToken" binding:"required"`
	AmountMinorUnits int64  `json:"amountMinorUnits" binding:"required,gt=0"`
	Description      string `json:"description" binding:"max=250"`
}

// Charge handler: POST /v1/recurring/charges
func (h *RecurringHandler) Charge(c *gin.Context) {
	var req chargeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx, cancel := requestCtx(c, h.timeout)
	defer cancel()

	out, err := h.charges.Charge(ctx, usecase.ChargeInput{
		OrderID:          req.OrderID,
		CustomerID:       req.CustomerID,
		RecurringToken:   req.RecurringToken,
		AmountMinorUnits: req.AmountMinorUnits,
		Description:      req.Description,
	})
	if err != nil {
		extra := gin.H{}
		if out.OrderID != "" {
			extra["orderId"], extra["status"] = out.OrderID, string(out.Status)
		}
		writeError(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": out.OrderID, "status": string(out.Status)})
}

type revokeReq struct {
	CustomerID     string `json:"customerId" binding:"required"`
	RecurringToken string `json:"recurringToken" binding:"required"`
}

// Revoke handler: POST /v1/recurring/revoke
func (h *RecurringHandler) Revoke(c *gin.Context) {
	var req revokeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx, cancel := requestCtx(c, h.timeout)
	defer cancel()

	if err := h.charges.Revoke(ctx, req.CustomerID, req.RecurringToken); err != nil {
		writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}
