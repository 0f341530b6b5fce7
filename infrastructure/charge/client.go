// Package charge implements the HTTP client for the external charge API.
// The provider is a black box with a loosely specified wire format, so the
// decoder is deliberately permissive: amounts may arrive in minor or major
// units, currency in any casing, and the intent object nested or flat.
// Everything is normalized before it leaves this package.
package charge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
	pkgerrors "payflow-backend/pkg/errors"
)

const defaultTimeout = 15 * time.Second

// codes the provider uses when a confirm races a payment that already went
// through; callers treat these as success, not failure
var alreadySucceededCodes = map[string]bool{
	"payment_intent_unexpected_state": true,
	"already_succeeded":               true,
	"charge_already_captured":         true,
}

// Client talks to the charge API over HTTP behind a circuit breaker
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

var _ ports.ChargeAPI = (*Client)(nil)

// NewClient builds a charge API client. The breaker opens after 5
// consecutive failures and half-opens after 30 seconds.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "charge-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("charge API circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

// CreatePaymentIntent registers a payment intent for a booking
func (c *Client) CreatePaymentIntent(ctx context.Context, bookingID string, amountMinor int64, currency string) (*ports.IntentResult, error) {
	body := map[string]interface{}{
		"booking_id": bookingID,
		"amount":     amountMinor,
		"currency":   strings.ToUpper(currency),
	}

	var envelope intentEnvelope
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", body, nil, &envelope); err != nil {
		return nil, err
	}

	intent, err := envelope.normalize()
	if err != nil {
		return nil, err
	}

	return &ports.IntentResult{
		ClientSecret:  envelope.clientSecret(),
		PaymentIntent: *intent,
	}, nil
}

// ConfirmPayment confirms an intent with a payment method. The caller's
// idempotency key is forwarded so a retried confirm cannot double-charge.
func (c *Client) ConfirmPayment(ctx context.Context, paymentIntentID, paymentMethodID string, pctx ports.PaymentContext) (*ports.ConfirmResult, error) {
	body := map[string]interface{}{
		"payment_method_id": paymentMethodID,
		"return_url":        pctx.ReturnURL,
	}

	headers := map[string]string{}
	if pctx.IdempotencyKey != "" {
		headers["Idempotency-Key"] = pctx.IdempotencyKey
	}
	if pctx.SessionID != "" {
		headers["X-Session-ID"] = pctx.SessionID
	}

	path := fmt.Sprintf("/v1/payment_intents/%s/confirm", paymentIntentID)

	var envelope confirmEnvelope
	if err := c.do(ctx, http.MethodPost, path, body, headers, &envelope); err != nil {
		return nil, err
	}

	return envelope.normalize(), nil
}

// GetPaymentStatus polls the provider-side status for a booking
func (c *Client) GetPaymentStatus(ctx context.Context, bookingID string) (*ports.StatusResult, error) {
	path := fmt.Sprintf("/v1/bookings/%s/payment_status", bookingID)

	var envelope statusEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &envelope); err != nil {
		return nil, err
	}

	return &ports.StatusResult{
		Status:          strings.ToLower(envelope.Status),
		PaymentIntentID: envelope.PaymentIntentID,
		ClientSecret:    envelope.clientSecret(),
		Metadata:        envelope.Metadata,
	}, nil
}

// IsAlreadySucceeded reports whether a confirm failure actually means the
// payment already went through. Prefers the provider error code; falls back
// to message matching for providers that omit codes.
func IsAlreadySucceeded(err error) bool {
	appErr := pkgerrors.GetAppError(err)
	if appErr == nil {
		return false
	}
	if alreadySucceededCodes[appErr.Code] {
		return true
	}
	msg := strings.ToLower(appErr.Message)
	return strings.Contains(msg, "already succeeded") ||
		strings.Contains(msg, "has already been confirmed")
}

// do runs one request through the breaker and decodes the response into out
func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, body, headers)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return pkgerrors.NewConnectionError("charge API circuit open", err)
		}
		return err
	}

	raw := result.([]byte)
	if out == nil || len(raw) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return pkgerrors.NewProviderError("malformed_response", "charge API returned unparseable body", true, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body interface{}, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, pkgerrors.NewInternalError("encode charge request").WithCause(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, pkgerrors.NewInternalError("build charge request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, pkgerrors.NewTimeoutError("charge API request").WithCause(err)
		}
		return nil, pkgerrors.NewConnectionError("charge API unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pkgerrors.NewConnectionError("read charge response", err)
	}

	c.logger.Debug("charge API call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	return nil, c.normalizeError(resp.StatusCode, raw)
}

// providerError is the provider's error body, which arrives either nested
// under "error" or flat
type providerError struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p providerError) fields() (code, message string) {
	if p.Error != nil {
		return p.Error.Code, p.Error.Message
	}
	return p.Code, p.Message
}

func (c *Client) normalizeError(status int, raw []byte) error {
	var body providerError
	_ = json.Unmarshal(raw, &body)
	code, message := body.fields()
	if message == "" {
		message = fmt.Sprintf("charge API returned HTTP %d", status)
	}
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return pkgerrors.NewProviderError(code, message, true, nil).
			WithDetail("rate_limited", true)
	case status == http.StatusNotFound:
		return pkgerrors.NewNotFoundError(message)
	case status >= 500:
		// Provider-side faults are transient until proven otherwise
		return pkgerrors.NewProviderError(code, message, true, nil)
	default:
		// 4xx: declines and invalid requests do not get retried
		return pkgerrors.NewProviderError(code, message, false, nil)
	}
}

// wireAmount accepts minor-unit integers and major-unit decimals,
// bare or quoted
type wireAmount json.Number

func (w *wireAmount) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		var s string
		if err2 := json.Unmarshal(data, &s); err2 != nil {
			return err
		}
		n = json.Number(s)
	}
	*w = wireAmount(n)
	return nil
}

func (w wireAmount) minorUnits() (int64, error) {
	n := json.Number(w)
	if n == "" {
		return 0, nil
	}
	if strings.Contains(n.String(), ".") {
		major, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return int64(math.Round(major * 100)), nil
	}
	return n.Int64()
}

type wireIntent struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Amount       wireAmount `json:"amount"`
	Currency     string     `json:"currency"`
	ClientSecret string     `json:"client_secret"`
}

type intentEnvelope struct {
	ClientSecret  string      `json:"clientSecret"`
	ClientSecret2 string      `json:"client_secret"`
	PaymentIntent *wireIntent `json:"paymentIntent"`
	wireIntent
}

func (e intentEnvelope) clientSecret() string {
	switch {
	case e.ClientSecret != "":
		return e.ClientSecret
	case e.ClientSecret2 != "":
		return e.ClientSecret2
	case e.PaymentIntent != nil && e.PaymentIntent.ClientSecret != "":
		return e.PaymentIntent.ClientSecret
	default:
		return e.wireIntent.ClientSecret
	}
}

func (e intentEnvelope) normalize() (*ports.PaymentIntent, error) {
	intent := e.wireIntent
	if e.PaymentIntent != nil {
		intent = *e.PaymentIntent
	}
	if intent.ID == "" {
		return nil, pkgerrors.NewProviderError("malformed_response", "payment intent missing id", true, nil)
	}
	minor, err := intent.Amount.minorUnits()
	if err != nil {
		return nil, pkgerrors.NewProviderError("malformed_response", "payment intent amount unparseable", true, err)
	}
	return &ports.PaymentIntent{
		ID:          intent.ID,
		Status:      strings.ToLower(intent.Status),
		AmountMinor: minor,
		Currency:    strings.ToUpper(intent.Currency),
	}, nil
}

type confirmEnvelope struct {
	Success    *bool      `json:"success"`
	Status     string     `json:"status"`
	Amount     wireAmount `json:"amount"`
	Currency   string     `json:"currency"`
	BookingID  string     `json:"booking_id"`
	BookingID2 string     `json:"bookingId"`
}

func (e confirmEnvelope) normalize() *ports.ConfirmResult {
	status := strings.ToLower(e.Status)
	success := status == "succeeded"
	if e.Success != nil {
		success = *e.Success
	}
	minor, err := e.Amount.minorUnits()
	if err != nil {
		minor = 0
	}
	bookingID := e.BookingID
	if bookingID == "" {
		bookingID = e.BookingID2
	}
	return &ports.ConfirmResult{
		Success:     success,
		Status:      status,
		AmountMinor: minor,
		Currency:    strings.ToUpper(e.Currency),
		BookingID:   bookingID,
	}
}

type statusEnvelope struct {
	Status          string            `json:"status"`
	PaymentIntentID string            `json:"payment_intent_id"`
	ClientSecret    string            `json:"client_secret"`
	ClientSecretAlt string            `json:"clientSecret"`
	Metadata        map[string]string `json:"metadata"`
}

func (e statusEnvelope) clientSecret() string {
	if e.ClientSecret != "" {
		return e.ClientSecret
	}
	return e.ClientSecretAlt
}
