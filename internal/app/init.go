package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pollinations/text-gateway/internal/analytics"
	gwcache "github.com/pollinations/text-gateway/internal/cache"
	"github.com/pollinations/text-gateway/internal/config"
	"github.com/pollinations/text-gateway/internal/gateway"
	"github.com/pollinations/text-gateway/internal/metrics"
	"github.com/pollinations/text-gateway/internal/providers"
	anthropicprov "github.com/pollinations/text-gateway/internal/providers/anthropic"
	geminiprov "github.com/pollinations/text-gateway/internal/providers/gemini"
	openaiprov "github.com/pollinations/text-gateway/internal/providers/openai"
	openaicompatprov "github.com/pollinations/text-gateway/internal/providers/openaicompat"
	"github.com/pollinations/text-gateway/internal/queue"
	"github.com/pollinations/text-gateway/internal/ratelimit"
	"github.com/pollinations/text-gateway/internal/request"
	"github.com/pollinations/text-gateway/internal/tier"
)

// initInfra establishes optional external connections.
// Redis is required when CACHE_MODE=redis or RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the handler registry and the public model catalog.
// At least one provider key must be configured — enforced by config.Load
// before we reach here.
func (a *App) initProviders(ctx context.Context) error {
	byModel, catalog, def, err := buildCatalog(ctx, a.cfg)
	if err != nil {
		return err
	}
	if def == nil {
		return fmt.Errorf("no provider API keys configured")
	}

	reg, err := providers.NewRegistry(def, byModel, catalog)
	if err != nil {
		return err
	}
	a.registry = reg

	names := make([]string, 0, len(catalog))
	for _, mi := range catalog {
		names = append(names, mi.Name)
	}
	a.log.Info("models loaded", slog.Any("models", names))

	return nil
}

// initServices creates the cache backend, the admission queue, the metrics
// registry, and the analytics logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = gwcache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.reqQueue = queue.New(ctx, queue.Options{
		Interval:        a.cfg.Queue.Interval,
		MaxPending:      a.cfg.Queue.MaxPending,
		ExemptReferrers: a.cfg.Queue.ExemptReferrers,
	})

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLog, err := analytics.New(ctx, a.log, analytics.Options{
		ClickHouseDSN: a.cfg.Analytics.ClickHouseDSN,
	})
	if err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	a.reqLog = reqLog
	if a.cfg.Analytics.ClickHouseDSN != "" {
		a.log.Info("analytics sink: clickhouse")
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	normalizer := request.New(request.Options{
		MaxPromptChars: a.cfg.Limits.MaxPromptChars,
		MaxImages:      a.cfg.Limits.MaxImages,
	})

	tiers, err := tier.New(a.cfg.Tiers.Tokens)
	if err != nil {
		return fmt.Errorf("tiers: %w", err)
	}

	gw := gateway.New(a.registry, normalizer, tiers, gateway.Options{
		Logger:          a.log,
		ProviderTimeout: a.cfg.ProviderTimeout,
		CacheTTL:        a.cfg.Cache.TTL,
		Metrics:         a.prom,
		CORSOrigins:     a.cfg.CORSOrigins,
	})

	// Cache backend + exclusion rules.
	var cacheImpl gwcache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = gwcache.NewRedisCacheFromClient(a.rdb)
	case "memory":
		cacheImpl = a.memCache
	case "none":
		// nil cache — the gateway skips caching entirely.
	}
	if cacheImpl != nil {
		var excl *gwcache.ExclusionList
		if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
			excl, err = gwcache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			a.log.Info("cache exclusions loaded", slog.Int("rules", excl.Len()))
		}
		gw.SetCache(cacheImpl, excl)
	}

	gw.SetQueue(a.reqQueue)

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetAnalytics(a.reqLog)

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.gw = gw

	return nil
}

// buildCatalog creates provider handlers from non-empty API keys and maps
// every public model alias to its handler. The returned default handler
// serves unknown model names.
func buildCatalog(ctx context.Context, cfg *config.Config) (map[string]providers.Handler, []providers.ModelInfo, providers.Handler, error) {
	byModel := make(map[string]providers.Handler)
	var catalog []providers.ModelInfo
	var def providers.Handler

	add := func(h providers.Handler, entries ...providers.ModelInfo) {
		for _, mi := range entries {
			byModel[mi.Name] = h
			catalog = append(catalog, mi)
		}
	}

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		h := openaiprov.New(cfg.OpenAI.APIKey, opts...)
		def = h
		add(h,
			providers.ModelInfo{Name: "openai", Type: "chat", Tier: tier.Anonymous, Provider: h.Name(), Upstream: "gpt-4.1-nano"},
			providers.ModelInfo{Name: "openai-fast", Type: "chat", Tier: tier.Anonymous, Provider: h.Name(), Upstream: "gpt-4.1-nano"},
			providers.ModelInfo{Name: "openai-large", Type: "chat", Tier: tier.Seed, Provider: h.Name(), Upstream: "gpt-4.1"},
		)
	}

	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		h := anthropicprov.New(cfg.Anthropic.APIKey, opts...)
		add(h,
			providers.ModelInfo{Name: "claude", Type: "chat", Tier: tier.Seed, Provider: h.Name(), Upstream: "claude-3-5-haiku-latest"},
		)
	}

	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		h, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("gemini: %w", err)
		}
		add(h,
			providers.ModelInfo{Name: "gemini", Type: "chat", Tier: tier.Anonymous, Provider: h.Name(), Upstream: "gemini-2.5-flash-lite"},
			providers.ModelInfo{Name: "gemini-large", Type: "chat", Tier: tier.Flower, Provider: h.Name(), Upstream: "gemini-2.5-pro"},
		)
	}

	type ocEntry struct {
		cfg     config.ProviderConfig
		name    string
		baseURL string
		models  []providers.ModelInfo
	}
	ocProviders := []ocEntry{
		{cfg.DeepSeek, "deepseek", "https://api.deepseek.com/v1", []providers.ModelInfo{
			{Name: "deepseek", Type: "chat", Tier: tier.Seed, Upstream: "deepseek-chat"},
			{Name: "deepseek-reasoning", Type: "chat", Tier: tier.Seed, Upstream: "deepseek-reasoner"},
		}},
		{cfg.Mistral, "mistral", "https://api.mistral.ai/v1", []providers.ModelInfo{
			{Name: "mistral", Type: "chat", Tier: tier.Anonymous, Upstream: "mistral-small-latest"},
		}},
		{cfg.Scaleway, "scaleway", "https://api.scaleway.ai/v1", []providers.ModelInfo{
			{Name: "qwen-coder", Type: "chat", Tier: tier.Anonymous, Upstream: "qwen2.5-coder-32b-instruct"},
		}},
		{cfg.Groq, "groq", "https://api.groq.com/openai/v1", []providers.ModelInfo{
			{Name: "llamascout", Type: "chat", Tier: tier.Anonymous, Upstream: "meta-llama/llama-4-scout-17b-16e-instruct"},
		}},
	}
	for _, e := range ocProviders {
		if e.cfg.APIKey == "" {
			continue
		}
		baseURL := e.cfg.BaseURL
		if baseURL == "" {
			baseURL = e.baseURL
		}
		h := openaicompatprov.New(e.name, e.cfg.APIKey, baseURL)
		for i := range e.models {
			e.models[i].Provider = e.name
		}
		add(h, e.models...)
		if def == nil {
			def = h
		}
	}

	return byModel, catalog, def, nil
}
