// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Only one provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 16385.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// OpenAI-compatible providers.
	DeepSeek ProviderConfig
	Mistral  ProviderConfig
	Scaleway ProviderConfig
	Groq     ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// Queue controls per-client request serialization.
	Queue QueueConfig

	// Limits bounds inbound request payloads.
	Limits LimitsConfig

	// RateLimit controls the global requests-per-minute limit.
	RateLimit RateLimitConfig

	// Tiers maps access tokens to tier names ("seed", "flower", "nectar").
	Tiers TierConfig

	// ProviderTimeout is the per-provider call timeout. Default: 30s.
	ProviderTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string

	// Analytics configures the async request log.
	Analytics AnalyticsConfig
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process TTL cache. No external deps.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// QueueConfig controls per-client admission.
type QueueConfig struct {
	// Interval is the enforced spacing between consecutive dispatches for
	// one client. Default: 6s.
	Interval time.Duration

	// MaxPending is the per-client pending ceiling; requests beyond it are
	// rejected with 429. Default: 60.
	MaxPending int

	// ExemptReferrers lists referrer substrings that bypass queueing
	// entirely (trusted frontends).
	ExemptReferrers []string
}

// LimitsConfig bounds inbound request payloads.
type LimitsConfig struct {
	// MaxPromptChars caps the total message text length. Default: 256000.
	MaxPromptChars int

	// MaxImages caps image parts per request; surplus images are dropped.
	// Default: 5.
	MaxImages int
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Requires Redis. Default: 0.
	RPMLimit int
}

// TierConfig maps access tokens to tier names.
type TierConfig struct {
	// Tokens maps a bearer token to its tier ("seed", "flower", "nectar").
	// Loaded from TIER_TOKENS as comma-separated "token:tier" pairs.
	Tokens map[string]string
}

// AnalyticsConfig configures the async request log.
type AnalyticsConfig struct {
	// ClickHouseDSN enables the ClickHouse sink when non-empty, e.g.
	// "clickhouse://localhost:9000/analytics".
	ClickHouseDSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 16385)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")

	v.SetDefault("QUEUE_INTERVAL", "6s")
	v.SetDefault("QUEUE_MAX_PENDING", 60)

	v.SetDefault("MAX_PROMPT_CHARS", 256_000)
	v.SetDefault("MAX_IMAGES_PER_REQUEST", 5)

	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		DeepSeek: ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY"), BaseURL: v.GetString("DEEPSEEK_BASE_URL")},
		Mistral:  ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},
		Scaleway: ProviderConfig{APIKey: v.GetString("SCALEWAY_API_KEY"), BaseURL: v.GetString("SCALEWAY_BASE_URL")},
		Groq:     ProviderConfig{APIKey: v.GetString("GROQ_API_KEY"), BaseURL: v.GetString("GROQ_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Queue: QueueConfig{
			Interval:        v.GetDuration("QUEUE_INTERVAL"),
			MaxPending:      v.GetInt("QUEUE_MAX_PENDING"),
			ExemptReferrers: v.GetStringSlice("QUEUE_EXEMPT_REFERRERS"),
		},

		Limits: LimitsConfig{
			MaxPromptChars: v.GetInt("MAX_PROMPT_CHARS"),
			MaxImages:      v.GetInt("MAX_IMAGES_PER_REQUEST"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Tiers: TierConfig{
			Tokens: parseTierTokens(v.GetString("TIER_TOKENS")),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),

		Analytics: AnalyticsConfig{
			ClickHouseDSN: v.GetString("ANALYTICS_CLICKHOUSE_DSN"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseTierTokens parses comma-separated "token:tier" pairs.
func parseTierTokens(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, tierName, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(token)] = strings.ToLower(strings.TrimSpace(tierName))
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, DEEPSEEK_API_KEY, " +
				"MISTRAL_API_KEY, SCALEWAY_API_KEY, or GROQ_API_KEY)",
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Queue.Interval < 0 {
		return fmt.Errorf("config: QUEUE_INTERVAL must not be negative")
	}
	if c.Queue.MaxPending < 1 {
		return fmt.Errorf("config: QUEUE_MAX_PENDING must be >= 1, got %d", c.Queue.MaxPending)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: RPM_LIMIT requires REDIS_URL")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.Scaleway.APIKey != "" ||
		c.Groq.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
