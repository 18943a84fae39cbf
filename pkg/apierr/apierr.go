// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidMessages   = "invalid_messages"
	CodePayloadTooLarge   = "payload_too_large"
	CodeInsufficientTier  = "INSUFFICIENT_TIER"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidMessages writes a 400 for a malformed or absent messages array.
func WriteInvalidMessages(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidMessages)
}

// WritePayloadTooLarge writes a 413 when the input text exceeds the size cap.
func WritePayloadTooLarge(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusRequestEntityTooLarge, msg, TypeInvalidRequest, CodePayloadTooLarge)
}

// WriteInsufficientTier writes a 403 with the structured INSUFFICIENT_TIER code.
func WriteInsufficientTier(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypeAuthenticationErr, CodeInsufficientTier)
}

// queueDetails is the details object embedded in a 429 queue-overflow response.
type queueDetails struct {
	QueueSize    int    `json:"queueSize"`
	MaxQueueSize int    `json:"maxQueueSize"`
	Timestamp    string `json:"timestamp"`
}

// WriteQueueFull writes the 429 returned when a client's pending queue exceeds
// the configured ceiling. The body shape is relied on by callers:
//
//	{ "status": 429, "error": "Too Many Requests", "details": {...} }
func WriteQueueFull(ctx *fasthttp.RequestCtx, queueSize, maxQueueSize int) {
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("Retry-After", "60")
	body, _ := json.Marshal(struct {
		Status  int          `json:"status"`
		Error   string       `json:"error"`
		Details queueDetails `json:"details"`
	}{
		Status: fasthttp.StatusTooManyRequests,
		Error:  "Too Many Requests",
		Details: queueDetails{
			QueueSize:    queueSize,
			MaxQueueSize: maxQueueSize,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		},
	})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 4xx  → passed through
//	Provider 5xx  → 502
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 400 && providerStatus < 500:
		Write(ctx, providerStatus, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
