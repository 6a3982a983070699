package registry

import (
	"fmt"
	"net/http"
	"time"

	"omnichat/internal/catalog"
	"omnichat/internal/providers"
	"omnichat/internal/providers/anthropic_messages"
	"omnichat/internal/providers/google_genai"
	"omnichat/internal/providers/openai_compat"
)

type BuildOptions struct {
	Preset catalog.Preset
	// BaseURL overrides the preset URL; required for the custom family,
	// ignored for everything else.
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Build constructs the concrete client for a provider family. The switch is
// exhaustive; adding a family without a client arm is a compile-visible
// default error, not silent misrouting.
func Build(opts BuildOptions) (providers.Provider, error) {
	baseURL := opts.Preset.BaseURL
	if opts.Preset.Family == catalog.FamilyCustom {
		baseURL = opts.BaseURL
	}

	switch opts.Preset.Family {
	case catalog.FamilyOpenAICompat, catalog.FamilyCustom:
		return openai_compat.New(openai_compat.Config{
			BaseURL:     baseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			Rules:       opts.Preset.Rules,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case catalog.FamilyAnthropic:
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:       baseURL,
			APIKey:        opts.APIKey,
			DefaultModels: opts.Preset.DefaultModels,
			HTTPClient:    opts.HTTPClient,
			MaxRetries:    opts.MaxRetries,
			BackoffBase:   opts.BackoffBase,
		}), nil

	case catalog.FamilyGoogleAI:
		return google_genai.New(google_genai.Config{
			BaseURL:     baseURL,
			APIKey:      opts.APIKey,
			Rules:       opts.Preset.Rules,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider family %q", opts.Preset.Family)
	}
}
