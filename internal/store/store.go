package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"omnichat/internal/catalog"
)

// Config is one provider's user-supplied configuration plus its discovery
// cache. Configs carry no active flag; the store holds the active selection
// as a single field so two configs can never be active at once.
type Config struct {
	ID           string
	ProviderName string
	// CustomBaseURL is honored only for the custom family; catalog providers
	// keep their fixed base URLs.
	CustomBaseURL   string
	APIKey          string
	SelectedModel   string
	AvailableModels []string
	UpdatedAt       time.Time
}

// Preset resolves the catalog entry backing this config.
func (c Config) Preset() (catalog.Preset, bool) {
	return catalog.Lookup(c.ProviderName)
}

// BaseURL is the effective endpoint for this config.
func (c Config) BaseURL() string {
	preset, ok := c.Preset()
	if !ok {
		return ""
	}
	if preset.Family == catalog.FamilyCustom {
		return c.CustomBaseURL
	}
	return preset.BaseURL
}

// Journal persists store mutations. Implementations may be a database or a
// no-op; the store's invariants do not depend on it.
type Journal interface {
	UpsertConfig(ctx context.Context, cfg Config) error
	SetActive(ctx context.Context, id string) error
	LoadConfigs(ctx context.Context) ([]Config, string, error)
}

// Store is the in-memory authoritative collection of provider configs. All
// mutations happen under one mutex, so readers observe the active selection
// either fully before or fully after a change.
type Store struct {
	mu       sync.Mutex
	byName   map[string]Config
	names    map[string]string // config id -> provider name
	activeID string            // empty means no active provider
	journal  Journal
	logger   zerolog.Logger
}

func New(journal Journal, logger zerolog.Logger) *Store {
	return &Store{
		byName:  make(map[string]Config),
		names:   make(map[string]string),
		journal: journal,
		logger:  logger.With().Str("component", "store").Logger(),
	}
}

// Load hydrates the store from the journal. Records for provider names no
// longer in the catalog are dropped with a warning.
func (s *Store) Load(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	configs, activeID, err := s.journal.LoadConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load configs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range configs {
		if _, ok := catalog.Lookup(cfg.ProviderName); !ok {
			s.logger.Warn().Str("provider", cfg.ProviderName).Msg("dropping config for unknown provider")
			continue
		}
		s.byName[cfg.ProviderName] = cfg
		s.names[cfg.ID] = cfg.ProviderName
	}
	if _, ok := s.names[activeID]; ok {
		s.activeID = activeID
	}
	return nil
}

// GetOrCreate returns the config for a catalog provider, creating one seeded
// from the preset on first reference. Idempotent.
func (s *Store) GetOrCreate(ctx context.Context, providerName string) (Config, error) {
	preset, ok := catalog.Lookup(providerName)
	if !ok {
		return Config{}, fmt.Errorf("unknown provider %q", providerName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.byName[providerName]; ok {
		return copyConfig(cfg), nil
	}

	cfg := Config{
		ID:           uuid.NewString(),
		ProviderName: preset.Name,
		UpdatedAt:    time.Now().UTC(),
	}
	s.byName[providerName] = cfg
	s.names[cfg.ID] = providerName
	if err := s.persist(ctx, cfg); err != nil {
		return Config{}, err
	}
	return copyConfig(cfg), nil
}

// Update upserts a config by id. Changing or clearing the API key resets the
// discovered model list and the selected model, since discovery results are
// keyed to a credential's visibility.
func (s *Store) Update(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, ok := s.names[cfg.ID]
	if !ok {
		return fmt.Errorf("unknown config id %q", cfg.ID)
	}
	prev := s.byName[name]

	next := prev
	next.APIKey = cfg.APIKey
	next.SelectedModel = cfg.SelectedModel
	if preset, _ := prev.Preset(); preset.Family == catalog.FamilyCustom {
		next.CustomBaseURL = cfg.CustomBaseURL
	}
	if cfg.APIKey != prev.APIKey {
		next.AvailableModels = nil
		next.SelectedModel = ""
	}
	next.UpdatedAt = time.Now().UTC()

	s.byName[name] = next
	return s.persist(ctx, next)
}

// SetAvailableModels records a discovery result. Concurrent refreshes are not
// serialized; the last write wins.
func (s *Store) SetAvailableModels(ctx context.Context, id string, models []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, ok := s.names[id]
	if !ok {
		return fmt.Errorf("unknown config id %q", id)
	}
	cfg := s.byName[name]
	cfg.AvailableModels = append([]string(nil), models...)
	cfg.UpdatedAt = time.Now().UTC()
	s.byName[name] = cfg
	return s.persist(ctx, cfg)
}

// SetActive makes exactly one config active. Idempotent and exclusive.
func (s *Store) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.names[id]; !ok {
		return fmt.Errorf("unknown config id %q", id)
	}
	s.activeID = id
	if s.journal != nil {
		if err := s.journal.SetActive(ctx, id); err != nil {
			return fmt.Errorf("persist active selection: %w", err)
		}
	}
	return nil
}

// Active returns the currently selected config, if any.
func (s *Store) Active() (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[s.activeID]
	if !ok {
		return Config{}, false
	}
	return copyConfig(s.byName[name]), true
}

// ByID looks a config up by its id.
func (s *Store) ByID(id string) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[id]
	if !ok {
		return Config{}, false
	}
	return copyConfig(s.byName[name]), true
}

// IsActive reports whether the given config id is the active selection.
func (s *Store) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id != "" && s.activeID == id
}

// List returns existing configs in catalog order.
func (s *Store) List() []Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Config, 0, len(s.byName))
	for _, preset := range catalog.Presets() {
		if cfg, ok := s.byName[preset.Name]; ok {
			out = append(out, copyConfig(cfg))
		}
	}
	return out
}

func (s *Store) persist(ctx context.Context, cfg Config) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.UpsertConfig(ctx, cfg); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}

func copyConfig(cfg Config) Config {
	cfg.AvailableModels = append([]string(nil), cfg.AvailableModels...)
	return cfg
}
