package gateway

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/pollinations/text-gateway/internal/usage"
)

// ManagementRoutes holds optional management handlers registered alongside
// the public API.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the fully wired request handler: routes plus the standard
// middleware chain. Exposed separately from Start so tests can drive it over
// an in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/openai/chat/completions", g.handleChatCompletions)
	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/", g.handleRootPost)
	r.GET("/models", g.handleModels)
	r.GET("/crossdomain.xml", g.handleCrossdomain)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	// The catch-all prompt route is registered last so the fixed routes
	// above win.
	r.GET("/{prompt:*}", g.handlePrompt)

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins, usage.HeaderNames()),
		securityHeaders,
	)
}

// Server builds a fasthttp server around Handler. Write timeout is generous
// because streaming completions hold the response open.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Minute,
		StreamRequestBody:  true,
		MaxRequestBodySize: 8 << 20,
	}
}

// Start starts the HTTP server on addr (e.g. ":16385").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	return g.Server(mgmt).ListenAndServe(addr)
}
