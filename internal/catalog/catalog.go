package catalog

// Family identifies the wire protocol a provider speaks. Behavior is resolved
// by exhaustive switches on this type, never by matching display names.
type Family int

const (
	FamilyOpenAICompat Family = iota
	FamilyAnthropic
	FamilyGoogleAI
	FamilyCustom
)

func (f Family) String() string {
	switch f {
	case FamilyOpenAICompat:
		return "openai_compat"
	case FamilyAnthropic:
		return "anthropic"
	case FamilyGoogleAI:
		return "google_ai"
	case FamilyCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// AuthStyle describes where the API key travels on the wire.
type AuthStyle int

const (
	AuthBearerHeader AuthStyle = iota
	AuthAPIKeyHeader
	AuthQueryParamKey
	AuthNone
)

// ModelRules normalizes a raw model listing into the ordered list shown to
// users. Include keeps ids containing any of the substrings (empty keeps all),
// Exclude then drops ids containing any of its substrings. Priority orders the
// survivors by first matching prefix entry, non-matching ids keep their
// original relative order after all matches. With no Priority the result is
// sorted lexicographically.
type ModelRules struct {
	Include  []string
	Exclude  []string
	Priority []string
}

// Preset is the compile-time description of one known provider.
type Preset struct {
	Name          string
	Family        Family
	BaseURL       string
	Auth          AuthStyle
	DefaultModels []string
	Rules         ModelRules
}

// Presets returns the fixed, ordered provider table. "Custom" has no base URL
// and no default models; users supply both.
func Presets() []Preset {
	return []Preset{
		{
			Name:    "OpenAI",
			Family:  FamilyOpenAICompat,
			BaseURL: "https://api.openai.com/v1",
			Auth:    AuthBearerHeader,
			DefaultModels: []string{
				"gpt-4o", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo",
			},
			Rules: ModelRules{
				Include:  []string{"gpt", "o1", "o3"},
				Exclude:  []string{"instruct"},
				Priority: []string{"gpt-4o", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo"},
			},
		},
		{
			Name:    "Anthropic",
			Family:  FamilyAnthropic,
			BaseURL: "https://api.anthropic.com/v1",
			Auth:    AuthAPIKeyHeader,
			DefaultModels: []string{
				"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-opus-20240229",
			},
		},
		{
			Name:    "Google AI",
			Family:  FamilyGoogleAI,
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Auth:    AuthQueryParamKey,
			DefaultModels: []string{
				"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash",
			},
			Rules: ModelRules{Include: []string{"gemini"}},
		},
		{
			Name:    "Mistral",
			Family:  FamilyOpenAICompat,
			BaseURL: "https://api.mistral.ai/v1",
			Auth:    AuthBearerHeader,
			DefaultModels: []string{
				"mistral-large-latest", "mistral-small-latest", "open-mistral-nemo",
			},
		},
		{
			Name:    "Groq",
			Family:  FamilyOpenAICompat,
			BaseURL: "https://api.groq.com/openai/v1",
			Auth:    AuthBearerHeader,
			DefaultModels: []string{
				"llama-3.3-70b-versatile", "llama-3.1-8b-instant", "mixtral-8x7b-32768",
			},
		},
		{
			Name:    "Together AI",
			Family:  FamilyOpenAICompat,
			BaseURL: "https://api.together.xyz/v1",
			Auth:    AuthBearerHeader,
			DefaultModels: []string{
				"meta-llama/Llama-3.3-70B-Instruct-Turbo", "mistralai/Mixtral-8x7B-Instruct-v0.1",
			},
		},
		{
			Name:   "Custom",
			Family: FamilyCustom,
			Auth:   AuthBearerHeader,
		},
	}
}

// Lookup returns the preset for name, or false when the name is unknown.
func Lookup(name string) (Preset, bool) {
	for _, p := range Presets() {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
