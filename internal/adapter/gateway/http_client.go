package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aq2208/gorder-payments/internal/security"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/go-resty/resty/v2"
)

// Observer receives one call per gateway round trip.
type Observer interface {
	GatewayCall(op string, outcome string, took time.Duration)
}

// HTTPClient posts signed operations to the gateway's JSON API. It does not
// interpret the reply beyond lifting the common fields out of it.
type HTTPClient struct {
	http    *resty.Client
	baseURL string
	obs     Observer
}

func NewHTTPClient(baseURL string, timeout time.Duration, obs Observer) *HTTPClient {
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPClient{http: c, baseURL: strings.TrimRight(baseURL, "/"), obs: obs}
}

func (c *HTTPClient) Send(ctx context.Context, op security.Operation, fields map[string]any) (*usecase.GatewayResponse, error) {
	start := time.Now()
	resp, err := c.send(ctx, op, fields)
	if c.obs != nil {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "transport_error"
		case !resp.Success:
			outcome = "rejected"
		}
		c.obs.GatewayCall(string(op), outcome, time.Since(start))
	}
	return resp, err
}

func (c *HTTPClient) send(ctx context.Context, op security.Operation, fields map[string]any) (*usecase.GatewayResponse, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.baseURL + "/" + string(op))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", op, err)
	}
	if res.StatusCode() < 200 || res.StatusCode() >= 300 {
		return nil, fmt.Errorf("%s returned http %d: %s", op, res.StatusCode(), truncate(res.Body(), 512))
	}
	return Decode(res.Body())
}

// Decode lifts the fields every gateway reply shares out of a raw body.
// Numbers stay json.Number so ids and amounts keep their exact text.
func Decode(body []byte) (*usecase.GatewayResponse, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode gateway reply: %w", err)
	}
	if raw == nil {
		return nil, errors.New("decode gateway reply: empty body")
	}

	r := &usecase.GatewayResponse{
		ErrorCode:  text(raw["ErrorCode"]),
		Message:    text(raw["Message"]),
		Details:    text(raw["Details"]),
		Status:     text(raw["Status"]),
		PaymentID:  text(raw["PaymentId"]),
		PaymentURL: text(raw["PaymentURL"]),
		RebillID:   text(raw["RebillId"]),
		Raw:        raw,
	}
	switch v := raw["Success"].(type) {
	case bool:
		r.Success = v
	case string:
		r.Success = v == "true"
	}
	// GetState may report the token inside PaymentData
	if r.RebillID == "" {
		if pd, ok := raw["PaymentData"].(map[string]any); ok {
			r.RebillID = text(pd["RebillId"])
		}
	}
	if r.Success && r.ErrorCode != "" && r.ErrorCode != "0" {
		r.Success = false
	}
	return r, nil
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

var _ usecase.GatewayClient = (*HTTPClient)(nil)
