package apierr

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func decodeEnvelope(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return env.Error
}

func TestWrite(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusBadRequest, "bad input", TypeInvalidRequest, CodeInvalidRequest)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	e := decodeEnvelope(t, ctx)
	if e.Message != "bad input" || e.Type != TypeInvalidRequest || e.Code != CodeInvalidRequest {
		t.Errorf("unexpected envelope: %+v", e)
	}
}

func TestWriteInvalidMessages(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteInvalidMessages(ctx, "messages must be an array of message objects")

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if e := decodeEnvelope(t, ctx); e.Code != CodeInvalidMessages {
		t.Errorf("code = %q", e.Code)
	}
}

func TestWritePayloadTooLarge(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WritePayloadTooLarge(ctx, "input text exceeds maximum length")

	if ctx.Response.StatusCode() != fasthttp.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if e := decodeEnvelope(t, ctx); e.Code != CodePayloadTooLarge {
		t.Errorf("code = %q", e.Code)
	}
}

func TestWriteInsufficientTier(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteInsufficientTier(ctx, "model requires the seed tier")

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if e := decodeEnvelope(t, ctx); e.Code != "INSUFFICIENT_TIER" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestWriteQueueFull(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteQueueFull(ctx, 60, 60)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if ra := string(ctx.Response.Header.Peek("Retry-After")); ra != "60" {
		t.Errorf("Retry-After = %q", ra)
	}

	var out struct {
		Status  int    `json:"status"`
		Error   string `json:"error"`
		Details struct {
			QueueSize    int    `json:"queueSize"`
			MaxQueueSize int    `json:"maxQueueSize"`
			Timestamp    string `json:"timestamp"`
		} `json:"details"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if out.Status != 429 || out.Error != "Too Many Requests" {
		t.Errorf("envelope = %+v", out)
	}
	if out.Details.QueueSize != 60 || out.Details.MaxQueueSize != 60 {
		t.Errorf("details = %+v", out.Details)
	}
	if _, err := time.Parse(time.RFC3339, out.Details.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", out.Details.Timestamp, err)
	}
}

func TestWriteProviderError(t *testing.T) {
	tests := []struct {
		name           string
		providerStatus int
		wantStatus     int
		wantRetryAfter bool
	}{
		{"429 passes through with Retry-After", 429, 429, true},
		{"404 passes through", 404, 404, false},
		{"401 passes through", 401, 401, false},
		{"500 maps to 502", 500, 502, false},
		{"503 maps to 502", 503, 502, false},
		{"0 maps to 502", 0, 502, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			WriteProviderError(ctx, tt.providerStatus, "upstream failure")

			if ctx.Response.StatusCode() != tt.wantStatus {
				t.Errorf("status = %d, want %d", ctx.Response.StatusCode(), tt.wantStatus)
			}
			hasRetry := len(ctx.Response.Header.Peek("Retry-After")) > 0
			if hasRetry != tt.wantRetryAfter {
				t.Errorf("Retry-After present = %v, want %v", hasRetry, tt.wantRetryAfter)
			}
		})
	}
}

func TestWriteTimeout(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTimeout(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if e := decodeEnvelope(t, ctx); e.Code != CodeRequestTimeout {
		t.Errorf("code = %q", e.Code)
	}
}
