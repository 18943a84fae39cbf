package gateway

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/pollinations/text-gateway/internal/providers"
	"github.com/pollinations/text-gateway/internal/request"
	"github.com/pollinations/text-gateway/internal/usage"
)

// crossdomainXML is the Flash cross-domain policy served at
// /crossdomain.xml for legacy embedded clients.
const crossdomainXML = `<?xml version="1.0"?>
<!DOCTYPE cross-domain-policy SYSTEM "http://www.macromedia.com/xml/dtds/cross-domain-policy.dtd">
<cross-domain-policy>
  <allow-access-from domain="*" />
</cross-domain-policy>
`

// observe finalizes the per-route HTTP metrics. Streaming handlers call it
// from the stream completion callback instead.
func (g *Gateway) observe(ctx *fasthttp.RequestCtx, route string, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.DecInFlight()
	g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
}

// handleChatCompletions serves POST /openai/chat/completions and the
// /v1/chat/completions alias: OpenAI-compatible request and response, SSE
// JSON deltas when stream is requested.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	const route = "chat_completions"
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	token := accessToken(ctx)

	req, err := g.normalizer.ParseBody(ctx.PostBody(), g.defaultModel(), clientIdentity(ctx), reqID)
	if err != nil {
		writeGenerationError(ctx, err)
		g.observe(ctx, route, start)
		return
	}

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	if req.Stream {
		g.streamResponse(ctx, req, token, route, start, false)
		return
	}

	c, ok := g.complete(ctx, req, token, route)
	if !ok {
		g.observe(ctx, route, start)
		return
	}

	elapsed := time.Since(start)
	usage.SetHeaders(&ctx.Response.Header, c.resp.Model, c.resp.Record, elapsed)
	ctx.Response.Header.Set("X-Cache", cacheLabel(c.cacheHit))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(c.body)

	g.finishComplete(ctx, req, c, route, start)
}

// handleRootPost serves POST /: same body shape as the chat endpoint, but
// the response is the bare completion text.
func (g *Gateway) handleRootPost(ctx *fasthttp.RequestCtx) {
	const route = "root_post"
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	token := accessToken(ctx)

	req, err := g.normalizer.ParseBody(ctx.PostBody(), g.defaultModel(), clientIdentity(ctx), reqID)
	if err != nil {
		writeGenerationError(ctx, err)
		g.observe(ctx, route, start)
		return
	}

	if req.Stream {
		g.streamResponse(ctx, req, token, route, start, true)
		return
	}

	c, ok := g.complete(ctx, req, token, route)
	if !ok {
		g.observe(ctx, route, start)
		return
	}

	elapsed := time.Since(start)
	usage.SetHeaders(&ctx.Response.Header, c.resp.Model, c.resp.Record, elapsed)
	ctx.Response.Header.Set("X-Cache", cacheLabel(c.cacheHit))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(c.resp.Text())

	g.finishComplete(ctx, req, c, route, start)
}

// handlePrompt serves GET /{prompt}: the URL path is the prompt, the
// response is bare text. ?stream=true switches to incremental plain-text
// chunks.
func (g *Gateway) handlePrompt(ctx *fasthttp.RequestCtx) {
	const route = "prompt_get"
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	token := accessToken(ctx)

	prompt, _ := ctx.UserValue("prompt").(string)
	if unescaped, err := url.PathUnescape(prompt); err == nil {
		prompt = unescaped
	}

	args := ctx.QueryArgs()
	model := string(args.Peek("model"))
	if model == "" {
		model = g.defaultModel()
	}

	params := request.PromptParams{
		System: string(args.Peek("system")),
		Stream: args.GetBool("stream"),
	}
	if raw := string(args.Peek("seed")); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			params.Seed = &v
		}
	}
	if raw := string(args.Peek("temperature")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			params.Temperature = &v
		}
	}
	if args.GetBool("json") || args.GetBool("jsonMode") {
		params.JSONMode = true
	}

	req, err := g.normalizer.FromPrompt(prompt, model, params, clientIdentity(ctx), reqID)
	if err != nil {
		writeGenerationError(ctx, err)
		g.observe(ctx, route, start)
		return
	}

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("model", req.Model),
		slog.Bool("stream", params.Stream),
	)

	if params.Stream {
		g.streamResponse(ctx, req, token, route, start, true)
		return
	}

	c, ok := g.complete(ctx, req, token, route)
	if !ok {
		g.observe(ctx, route, start)
		return
	}

	elapsed := time.Since(start)
	usage.SetHeaders(&ctx.Response.Header, c.resp.Model, c.resp.Record, elapsed)
	ctx.Response.Header.Set("X-Cache", cacheLabel(c.cacheHit))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(c.resp.Text())

	g.finishComplete(ctx, req, c, route, start)
}

// streamResponse runs the streaming pipeline shared by every entry point.
// plain selects bare-text framing instead of SSE JSON deltas.
func (g *Gateway) streamResponse(ctx *fasthttp.RequestCtx, req *providers.GenerationRequest, token, route string, start time.Time, plain bool) {
	if !g.admit(ctx, req, token) {
		g.observe(ctx, route, start)
		return
	}

	stream, provider, err := g.dispatchStream(ctx, req, route)
	if err != nil {
		g.log.Error("provider_error",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		writeGenerationError(ctx, err)
		g.observe(ctx, route, start)
		return
	}

	// Peek the first fragment: an upstream failure before any data means a
	// clean HTTP error instead of a 200 with an error buried in the body.
	first, haveFirst := peekFragment(stream)
	if haveFirst && first.Err != nil {
		writeGenerationError(ctx, first.Err)
		g.observe(ctx, route, start)
		return
	}

	onComplete := func(out *streamOutcome) {
		status := fasthttp.StatusOK
		elapsed := time.Since(start)
		g.logRequest(req, provider, route, out.Usage, elapsed, status, false, true)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, status, elapsed)
			g.metrics.ObserveGatewayRequest(provider, route, "bypass", elapsed)
			g.metrics.AddTokens(provider, route, out.Usage.PromptTotal(), out.Usage.CompletionTotal(), false)
		}
	}

	if plain {
		writePlain(ctx, first, haveFirst, stream, onComplete)
		return
	}
	writeSSE(ctx, req.Model, req.RequestID, first, haveFirst, stream, onComplete)
}

// finishComplete emits metrics and analytics for a finished non-streaming
// request.
func (g *Gateway) finishComplete(ctx *fasthttp.RequestCtx, req *providers.GenerationRequest, c *completion, route string, start time.Time) {
	elapsed := time.Since(start)
	g.logRequest(req, c.provider, route, c.resp.Record, elapsed, fasthttp.StatusOK, c.cacheHit, false)
	if g.metrics != nil {
		g.metrics.ObserveGatewayRequest(c.provider, route, cacheMetricLabel(c.cacheHit), elapsed)
		g.metrics.AddTokens(c.provider, route, c.resp.Record.PromptTotal(), c.resp.Record.CompletionTotal(), c.cacheHit)
	}
	g.observe(ctx, route, start)

	g.log.Debug("response_ok",
		slog.String("request_id", req.RequestID),
		slog.String("provider", c.provider),
		slog.String("model", c.resp.Model),
		slog.Bool("cached", c.cacheHit),
		slog.Int("total_tokens", c.resp.Record.Total()),
		slog.Duration("elapsed", elapsed),
	)
}

// handleModels serves GET /models: the catalog of models visible to the
// caller's tier.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	const route = "models"
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}

	catalog := g.registry.Catalog()
	visible := catalog
	if g.tiers != nil {
		callerTier := g.tiers.Resolve(accessToken(ctx))
		visible = make([]providers.ModelInfo, 0, len(catalog))
		for _, mi := range catalog {
			if g.tiers.Visible(mi.Tier, callerTier) {
				visible = append(visible, mi)
			}
		}
	}

	body, _ := json.Marshal(visible)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	g.observe(ctx, route, start)
}

func (g *Gateway) handleCrossdomain(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/xml")
	ctx.SetBodyString(crossdomainXML)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"status":"ok"}`)
}

// defaultModel is the catalog name routed to the default handler.
func (g *Gateway) defaultModel() string {
	return "openai"
}

func cacheLabel(hit bool) string {
	if hit {
		return xCacheHIT
	}
	return xCacheMISS
}

func cacheMetricLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
