package gateway

import (
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/pollinations/text-gateway/internal/providers"
)

// clientIdentity derives the opaque per-client identity used for queue
// serialization. Precedence for the IP: X-Real-IP, then the first entry of
// X-Forwarded-For, then the socket peer address. The referrer comes from the
// Referer header or, for GET callers that cannot set headers, the ?referrer
// query parameter.
func clientIdentity(ctx *fasthttp.RequestCtx) providers.Identity {
	ip := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Real-IP")))
	if ip == "" {
		fwd := string(ctx.Request.Header.Peek("X-Forwarded-For"))
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		ip = strings.TrimSpace(fwd)
	}
	if ip == "" {
		ip = ctx.RemoteIP().String()
	}

	referrer := string(ctx.Request.Header.Peek("Referer"))
	if referrer == "" {
		referrer = string(ctx.QueryArgs().Peek("referrer"))
	}

	return providers.Identity{IP: ip, Referrer: referrer}
}

// accessToken extracts the tier access token. Precedence: the ?code query
// parameter (for GET callers that cannot set headers), then
// Authorization: Bearer, then the x-access-code header.
func accessToken(ctx *fasthttp.RequestCtx) string {
	if code := string(ctx.QueryArgs().Peek("code")); code != "" {
		return code
	}
	if tok := bearerToken(ctx); tok != "" {
		return tok
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek("x-access-code")))
}

// bearerToken extracts the Authorization bearer token, if present.
func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
