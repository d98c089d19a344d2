package http

import (
	"context"
	"net/http"
	"time"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/logging"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/gin-gonic/gin"
)

type PaymentHandler struct {
	payments *usecase.Payments
	timeout  time.Duration
}

func NewPaymentHandler(payments *usecase.Payments, timeout time.Duration) *PaymentHandler {
	return &PaymentHandler{payments: payments, timeout: timeout}
}

type startPaymentReq struct {
	OrderID             string `json:"orderId" binding:"omitempty,max=36"`
	CustomerID          string `json:"customerId" binding:"required"`
	AmountMinorUnits    int64  `json:"amountMinorUnits" binding:"required,gt=0"`
	Currency            string `json:"currency" binding:"omitempty,len=3"`
	Description         string `json:"description" binding:"max=250"`
	WantsRecurringSetup bool   `json:"wantsRecurringSetup"`
	Email               string `json:"email" binding:"omitempty,email"`
}

type startPaymentResp struct {
	OrderID          string `json:"orderId"`
	RedirectURL      string `json:"redirectUrl,omitempty"`
	GatewayPaymentID string `json:"gatewayPaymentId,omitempty"`
	Status           string `json:"status"`
}

// StartPayment handler: POST /v1/payments
func (h *PaymentHandler) StartPayment(c *gin.Context) {
	var req startPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	out, err := h.payments.StartPayment(ctx, usecase.StartPaymentInput{
		OrderID:             req.OrderID,
		CustomerID:          req.CustomerID,
		AmountMinorUnits:    req.AmountMinorUnits,
		Currency:            req.Currency,
		Description:         req.Description,
		WantsRecurringSetup: req.WantsRecurringSetup,
		Email:               req.Email,
	})
	if err != nil {
		extra := gin.H{}
		if out.OrderID != "" {
			extra["orderId"], extra["status"] = out.OrderID, string(out.Status)
		}
		writeError(c, err, extra)
		return
	}
	c.JSON(http.StatusCreated, startPaymentResp{
		OrderID:          out.OrderID,
		RedirectURL:      out.RedirectURL,
		GatewayPaymentID: out.GatewayPaymentID,
		Status:           string(out.Status),
	})
}

type confirmReq struct {
	GatewayPaymentID string `json:"gatewayPaymentId" binding:"required"`
	AmountMinorUnits int64  `json:"amountMinorUnits" binding:"required,gt=0"`
}

type confirmResp struct {
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	RecurringToken string `json:"recurringToken,omitempty"`
}

// CompleteAuthorization handler: POST /v1/payments/:orderId/confirm
func (h *PaymentHandler) CompleteAuthorization(c *gin.Context) {
	var req confirmReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	out, err := h.payments.CompleteAuthorization(ctx, usecase.CompleteAuthorizationInput{
		OrderID:          c.Param("orderId"),
		GatewayPaymentID: req.GatewayPaymentID,
		AmountMinorUnits: req.AmountMinorUnits,
	})
	if err != nil {
		writeError(c, err, gin.H{"orderId": c.Param("orderId")})
		return
	}
	c.JSON(http.StatusOK, confirmResp{
		OrderID:        out.OrderID,
		Status:         string(out.Status),
		RecurringToken: out.RecurringToken,
	})
}

type paymentView struct {
	OrderID                string         `json:"orderId"`
	CustomerID             string         `json:"customerId"`
	AmountMinorUnits       int64          `json:"amountMinorUnits"`
	Currency               string         `json:"currency"`
	Description            string         `json:"description,omitempty"`
	SourceAmountMinorUnits int64          `json:"sourceAmountMinorUnits,omitempty"`
	SourceCurrency         string         `json:"sourceCurrency,omitempty"`
	ExchangeRate           string         `json:"exchangeRate,omitempty"`
	GatewayPaymentID       string         `json:"gatewayPaymentId,omitempty"`
	PaymentURL             string         `json:"paymentUrl,omitempty"`
	Status                 string         `json:"status"`
	HasRecurringToken      bool           `json:"hasRecurringToken"`
	IsRecurringOrigin      bool           `json:"isRecurringOrigin"`
	ParentOrderID          string         `json:"parentOrderId,omitempty"`
	LastGatewayResponse    map[string]any `json:"lastGatewayResponse,omitempty"`
	CreatedAt              time.Time      `json:"createdAt"`
	UpdatedAt              time.Time      `json:"updatedAt"`
}

func viewOf(o *domain.Order) paymentView {
	return paymentView{
		OrderID:                o.OrderID,
		CustomerID:             o.CustomerID,
		AmountMinorUnits:       o.AmountMinorUnits,
		Currency:               o.Currency,
		Description:            o.Description,
		SourceAmountMinorUnits: o.SourceAmountMinorUnits,
		SourceCurrency:         o.SourceCurrency,
		ExchangeRate:           o.ExchangeRate,
		GatewayPaymentID:       o.GatewayPaymentID,
		PaymentURL:             o.PaymentURL,
		Status:                 string(o.Status),
		HasRecurringToken:      o.RecurringToken != "",
		IsRecurringOrigin:      o.IsRecurringOrigin,
		ParentOrderID:          o.ParentOrderID,
		LastGatewayResponse:    o.LastGatewayResponse,
		CreatedAt:              o.CreatedAt,
		UpdatedAt:              o.UpdatedAt,
	}
}

// GetPayment handler: GET /v1/payments/:orderId
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	o, err := h.payments.GetPayment(ctx, c.Param("orderId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, viewOf(o))
}

// GetStatus handler: GET /v1/payments/:orderId/status
func (h *PaymentHandler) GetStatus(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	s, err := h.payments.PaymentStatus(ctx, c.Param("orderId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": c.Param("orderId"), "status": s})
}

// ctx carries the request logger into the use case and bounds its run time.
func (h *PaymentHandler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return requestCtx(c, h.timeout)
}

func requestCtx(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := logging.WithCtx(c.Request.Context(), logging.From(c))
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
