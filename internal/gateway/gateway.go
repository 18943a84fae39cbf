// Package gateway is the core text-generation request pipeline.
//
// Every entry point funnels into the same flow: normalize → tier gate →
// cache lookup (hit short-circuits) → rate limit → per-client queue
// admission → provider dispatch → (stream normalize | direct respond) →
// usage emission → cache store.
//
// Key design constraints:
//   - Cache entries are write-once per key; concurrent identical misses are
//     collapsed with singleflight so a burst produces one upstream call.
//   - Queue, cache, rate limiter, analytics, and metrics are optional and
//     nil-safe.
//   - Streaming responses are never cached and bypass singleflight.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	"github.com/pollinations/text-gateway/internal/analytics"
	"github.com/pollinations/text-gateway/internal/cache"
	"github.com/pollinations/text-gateway/internal/metrics"
	"github.com/pollinations/text-gateway/internal/providers"
	"github.com/pollinations/text-gateway/internal/queue"
	"github.com/pollinations/text-gateway/internal/ratelimit"
	"github.com/pollinations/text-gateway/internal/request"
	"github.com/pollinations/text-gateway/internal/tier"
	"github.com/pollinations/text-gateway/internal/usage"
	"github.com/pollinations/text-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// ProviderTimeout is the per-provider call timeout for non-streaming
	// requests. Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CacheTTL controls the TTL for cached responses. Default: 1h.
	CacheTTL time.Duration

	// Metrics enables Prometheus metrics collection. Nil disables.
	Metrics *metrics.Registry

	// CORSOrigins is the allowed-origins list. Empty means allow all.
	CORSOrigins []string
}

// Gateway orchestrates the request pipeline. All dependencies are injected
// so they can be replaced with doubles in unit tests.
type Gateway struct {
	registry   *providers.Registry
	normalizer *request.Normalizer
	tiers      *tier.Gate

	cache      cache.Cache
	exclusions *cache.ExclusionList
	queue      *queue.Queue
	rpm        *ratelimit.RPMLimiter
	analytics  *analytics.Logger

	flight singleflight.Group

	log             *slog.Logger
	metrics         *metrics.Registry
	providerTimeout time.Duration
	cacheTTL        time.Duration
	corsOrigins     []string
}

// New creates a Gateway. registry and normalizer are required; tiers may be
// nil to disable tier gating.
func New(registry *providers.Registry, normalizer *request.Normalizer, tiers *tier.Gate, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &Gateway{
		registry:        registry,
		normalizer:      normalizer,
		tiers:           tiers,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: providerTimeout,
		cacheTTL:        cacheTTL,
		corsOrigins:     opts.CORSOrigins,
	}
}

// SetCache injects the response cache and its exclusion list.
func (g *Gateway) SetCache(c cache.Cache, excl *cache.ExclusionList) {
	g.cache = c
	g.exclusions = excl
}

// SetQueue injects the per-client admission queue.
func (g *Gateway) SetQueue(q *queue.Queue) { g.queue = q }

// SetRateLimiter injects the global RPM limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) { g.rpm = rpm }

// SetAnalytics injects the async request analytics logger.
func (g *Gateway) SetAnalytics(a *analytics.Logger) { g.analytics = a }

// completion is the outcome of the non-streaming pipeline.
type completion struct {
	resp     *providers.GenerationResponse
	body     []byte
	provider string
	cacheHit bool
}

// admit runs the pre-dispatch gates: tier check, global rate limit, then
// per-client queue admission. On rejection the HTTP error response has
// already been written and admit returns false.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, req *providers.GenerationRequest, token string) bool {
	if g.tiers != nil {
		callerTier := g.tiers.Resolve(token)
		modelTier := tier.Anonymous
		if info, ok := g.registry.Info(req.Model); ok {
			modelTier = info.Tier
		}
		if err := g.tiers.Check(req.Model, modelTier, callerTier); err != nil {
			if g.metrics != nil {
				g.metrics.RecordTierRejection(req.Model)
			}
			g.log.Warn("tier_rejected",
				slog.String("request_id", req.RequestID),
				slog.String("model", req.Model),
				slog.String("caller_tier", callerTier),
			)
			apierr.WriteInsufficientTier(ctx, err.Error())
			return false
		}
	}

	if g.rpm != nil {
		allowed, err := g.rpm.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteRateLimit(ctx)
			return false
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	if g.queue != nil {
		if g.metrics != nil {
			g.metrics.QueueEnter()
		}
		waitStart := time.Now()
		err := g.queue.Admit(ctx, req.Client.Key(), req.Client.Referrer)
		if g.metrics != nil {
			g.metrics.QueueLeave()
			g.metrics.ObserveQueueWait(time.Since(waitStart))
		}
		if err != nil {
			var tooMany *queue.TooManyRequestsError
			switch {
			case errors.As(err, &tooMany):
				if g.metrics != nil {
					g.metrics.RecordQueueRejection("full")
				}
				g.log.Warn("queue_full",
					slog.String("request_id", req.RequestID),
					slog.String("client", req.Client.Key()),
					slog.Int("pending", tooMany.QueueSize),
				)
				apierr.WriteQueueFull(ctx, tooMany.QueueSize, tooMany.MaxQueueSize)
			default:
				if g.metrics != nil {
					g.metrics.RecordQueueRejection("cancelled")
				}
				apierr.Write(ctx, fasthttp.StatusRequestTimeout,
					"request cancelled while queued", apierr.TypeServerError, apierr.CodeRequestTimeout)
			}
			return false
		}
	}

	return true
}

// complete runs the non-streaming pipeline after normalization. On failure
// the error response has already been written and ok is false.
func (g *Gateway) complete(ctx *fasthttp.RequestCtx, req *providers.GenerationRequest, token, route string) (*completion, bool) {
	cacheEligible := g.cache != nil && (g.exclusions == nil || !g.exclusions.Matches(req.Model))
	key := cache.BuildKey(req)

	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		if body, ok := g.cache.Get(ctx, key); ok {
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.Debug("cache_hit",
				slog.String("request_id", req.RequestID),
				slog.String("model", req.Model),
			)
			resp, err := providers.DecodeResponse(body)
			if err == nil {
				return &completion{resp: resp, body: body, provider: "cache", cacheHit: true}, true
			}
			// Undecodable entry: treat as a miss and let the dispatch
			// overwrite path leave it alone (write-once backends keep the
			// old bytes; nothing worse than a stale miss happens).
			g.log.Warn("cache_decode_failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	if !g.admit(ctx, req, token) {
		return nil, false
	}

	// Collapse concurrent identical misses into one upstream call. The
	// singleflight result is the serialized response body, shared by every
	// waiter.
	type flightResult struct {
		resp     *providers.GenerationResponse
		body     []byte
		provider string
	}

	doDispatch := func() (any, error) {
		resp, provider, err := g.dispatchComplete(ctx, req, route)
		if err != nil {
			return nil, err
		}
		body, err := providers.EncodeResponse(resp)
		if err != nil {
			return nil, err
		}
		if cacheEligible {
			if serr := g.cache.Set(ctx, key, body, g.cacheTTL); serr != nil {
				if g.metrics != nil {
					g.metrics.CacheSetError()
				}
			} else if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
		}
		return flightResult{resp: resp, body: body, provider: provider}, nil
	}

	var (
		v   any
		err error
	)
	if cacheEligible {
		v, err, _ = g.flight.Do(key, doDispatch)
	} else {
		v, err = doDispatch()
	}
	if err != nil {
		g.log.Error("provider_error",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		writeGenerationError(ctx, err)
		return nil, false
	}

	fr := v.(flightResult)
	return &completion{resp: fr.resp, body: fr.body, provider: fr.provider}, true
}

// dispatchComplete resolves the handler, strips parameters it does not
// support, and performs one non-streaming provider call under the provider
// timeout.
func (g *Gateway) dispatchComplete(ctx context.Context, req *providers.GenerationRequest, route string) (*providers.GenerationResponse, string, error) {
	h := g.registry.Resolve(req.Model)
	adjusted := request.ForProvider(req, h.Name())
	if adjusted.Stream || adjusted.Model != g.registry.Upstream(req.Model) {
		cp := *adjusted
		cp.Stream = false
		cp.Model = g.registry.Upstream(req.Model)
		adjusted = &cp
	}

	callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	start := time.Now()
	result, err := h.Generate(callCtx, adjusted)
	elapsed := time.Since(start)

	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(h.Name(), route, classifyError(err), elapsed)
			g.metrics.RecordError(h.Name(), classifyError(err))
		}
		return nil, h.Name(), err
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(h.Name(), route, "success", elapsed)
	}

	if result.Response != nil {
		// Echo the public alias, not the upstream identifier.
		result.Response.Model = req.Model
		return result.Response, h.Name(), nil
	}

	// Handler returned a stream for a non-streaming request: drain it into
	// a single response.
	resp, err := drainStream(result.Stream, req.Model, req.RequestID)
	return resp, h.Name(), err
}

// dispatchStream resolves the handler and opens a streaming provider call.
// No timeout is applied: the stream lives as long as fragments keep flowing
// and dies with the client connection.
func (g *Gateway) dispatchStream(ctx context.Context, req *providers.GenerationRequest, route string) (<-chan providers.StreamFragment, string, error) {
	h := g.registry.Resolve(req.Model)
	adjusted := request.ForProvider(req, h.Name())
	if !adjusted.Stream || adjusted.Model != g.registry.Upstream(req.Model) {
		cp := *adjusted
		cp.Stream = true
		cp.Model = g.registry.Upstream(req.Model)
		adjusted = &cp
	}

	result, err := h.Generate(ctx, adjusted)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordError(h.Name(), classifyError(err))
		}
		return nil, h.Name(), err
	}

	if result.Stream != nil {
		return result.Stream, h.Name(), nil
	}

	// Handler answered with a complete response: replay it as a short
	// synthetic stream so every caller sees the same fragment interface.
	ch := make(chan providers.StreamFragment, 2)
	if result.Response != nil {
		frag := providers.StreamFragment{Role: providers.RoleAssistant}
		if len(result.Response.Choices) > 0 {
			c := result.Response.Choices[0]
			if c.Message.Content != nil {
				frag.Content = *c.Message.Content
			}
			frag.FinishReason = c.FinishReason
		}
		ch <- frag
		rec := result.Response.Record
		ch <- providers.StreamFragment{Usage: &rec, Done: true}
	}
	close(ch)
	return ch, h.Name(), nil
}

// drainStream collects a fragment stream into a complete response.
func drainStream(stream <-chan providers.StreamFragment, model, requestID string) (*providers.GenerationResponse, error) {
	var (
		content      []byte
		finishReason = "stop"
		rec          usage.Record
	)
	for frag := range stream {
		if frag.Err != nil {
			return nil, frag.Err
		}
		if frag.Usage != nil {
			rec = *frag.Usage
		}
		if frag.FinishReason != "" {
			finishReason = frag.FinishReason
		}
		content = append(content, frag.Content...)
		if frag.Done {
			break
		}
	}

	text := string(content)
	return &providers.GenerationResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []providers.Choice{{
			Message: providers.AssistantMessage{
				Role:    providers.RoleAssistant,
				Content: &text,
			},
			FinishReason: finishReason,
		}},
		Usage:  rec.ToWire(),
		Record: rec,
	}, nil
}

// classifyError buckets a provider error for metrics labels.
func classifyError(err error) string {
	var pe *providers.Error
	switch {
	case errors.As(err, &pe):
		switch {
		case pe.Status == fasthttp.StatusTooManyRequests:
			return "rate_limited"
		case pe.Status >= 500:
			return "upstream_5xx"
		case pe.Status >= 400:
			return "upstream_4xx"
		default:
			return "upstream_error"
		}
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// writeGenerationError maps pipeline errors to HTTP responses:
//
//	invalid messages                      → 400
//	payload too large                     → 413
//	insufficient tier                     → 403
//	queue overflow                        → 429 with queue details
//	provider errors carrying HTTP status  → passed through with remapping
//	context.DeadlineExceeded              → 504
//	everything else                       → 502
func writeGenerationError(ctx *fasthttp.RequestCtx, err error) {
	var (
		tooLarge *request.PayloadTooLargeError
		tierErr  *tier.InsufficientTierError
		tooMany  *queue.TooManyRequestsError
	)
	switch {
	case errors.Is(err, request.ErrInvalidMessages):
		apierr.WriteInvalidMessages(ctx, err.Error())
	case errors.As(err, &tooLarge):
		apierr.WritePayloadTooLarge(ctx, err.Error())
	case errors.As(err, &tierErr):
		apierr.WriteInsufficientTier(ctx, err.Error())
	case errors.As(err, &tooMany):
		apierr.WriteQueueFull(ctx, tooMany.QueueSize, tooMany.MaxQueueSize)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		if sc, ok := err.(interface{ HTTPStatus() int }); ok {
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

// logRequest enqueues an analytics entry. Never blocks.
func (g *Gateway) logRequest(req *providers.GenerationRequest, provider, route string, rec usage.Record, latency time.Duration, status int, cached, streamed bool) {
	if g.analytics == nil {
		return
	}
	g.analytics.Log(analytics.RequestLog{
		RequestID:        req.RequestID,
		Provider:         provider,
		Model:            req.Model,
		Route:            route,
		ClientIP:         req.Client.IP,
		Referrer:         req.Client.Referrer,
		PromptTokens:     uint32(rec.PromptTotal()),
		CompletionTokens: uint32(rec.CompletionTotal()),
		LatencyMs:        clampLatency(latency),
		Status:           uint16(status),
		Cached:           cached,
		Streamed:         streamed,
		CreatedAt:        time.Now(),
	})
}

func clampLatency(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}
