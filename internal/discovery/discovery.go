package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"omnichat/internal/metrics"
	"omnichat/internal/providers"
	"omnichat/internal/providers/registry"
	"omnichat/internal/store"
)

type Config struct {
	HTTPClient  *http.Client
	Redis       *redis.Client
	CacheTTL    time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Client runs model discovery for one provider config at a time. Calls for
// different configs are independent; calls for the same config are not
// deduplicated and the last result to land wins.
type Client struct {
	cfg   Config
	build func(registry.BuildOptions) (providers.Provider, error)
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Client{cfg: cfg, build: registry.Build}
}

// Discover returns usable chat model ids for a config.
//
// An empty API key returns an empty list without any network I/O. On remote
// failure the provider's static default models are returned together with the
// typed error, so callers always end up with a usable list; custom providers
// have no defaults and degrade to an empty list plus the error.
func (c *Client) Discover(ctx context.Context, cfg store.Config) ([]string, error) {
	preset, ok := cfg.Preset()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", cfg.ProviderName)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return []string{}, nil
	}

	c.cfg.Metrics.DiscoveryRuns.Inc()
	p, err := c.build(registry.BuildOptions{
		Preset:      preset,
		BaseURL:     cfg.CustomBaseURL,
		APIKey:      cfg.APIKey,
		HTTPClient:  c.cfg.HTTPClient,
		MaxRetries:  c.cfg.MaxRetries,
		BackoffBase: c.cfg.BackoffBase,
	})
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}

	models, err := p.ListModels(ctx)
	if err != nil {
		c.cfg.Metrics.DiscoveryFallbacks.Inc()
		c.cfg.Logger.Warn().Err(err).Str("provider", cfg.ProviderName).Msg("discovery failed, using default models")
		defaults := append([]string(nil), preset.DefaultModels...)
		if defaults == nil {
			defaults = []string{}
		}
		return defaults, err
	}

	c.cacheModels(ctx, cfg.ID, models)
	return models, nil
}

// CachedModels returns the last successful discovery result for a config, if
// the cache still holds one.
func (c *Client) CachedModels(ctx context.Context, configID string) ([]string, bool) {
	if c.cfg.Redis == nil {
		return nil, false
	}
	raw, err := c.cfg.Redis.Get(ctx, cacheKey(configID)).Result()
	if err != nil {
		return nil, false
	}
	var models []string
	if err := json.Unmarshal([]byte(raw), &models); err != nil {
		return nil, false
	}
	return models, true
}

func (c *Client) cacheModels(ctx context.Context, configID string, models []string) {
	if c.cfg.Redis == nil {
		return
	}
	raw, err := json.Marshal(models)
	if err != nil {
		return
	}
	if err := c.cfg.Redis.Set(ctx, cacheKey(configID), raw, c.cfg.CacheTTL).Err(); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("config_id", configID).Msg("failed to cache models")
	}
}

func cacheKey(configID string) string {
	return "omnichat:models:" + configID
}
