package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"omnichat/internal/metrics"
	"omnichat/internal/providers"
	"omnichat/internal/providers/registry"
	"omnichat/internal/queue"
	"omnichat/internal/store"
)

// ErrBusy is returned while a previous send is still in flight. In-flight
// requests are not cancelled; callers resend manually.
var ErrBusy = errors.New("a chat request is already in flight")

// SessionStore persists conversations. Nil disables persistence; history is
// then whatever the caller supplies.
type SessionStore interface {
	EnsureSession(ctx context.Context, id, title string) error
	AppendTurn(ctx context.Context, sessionID string, turn providers.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]providers.Turn, error)
}

type Config struct {
	Configs      *store.Store
	Sessions     SessionStore
	RateLimiter  *queue.RateLimiter
	HTTPClient   *http.Client
	SystemPrompt string
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Orchestrator is the single entry point UI callers use to send a message
// through the active provider. One attempt per send, no automatic retry.
type Orchestrator struct {
	cfg   Config
	busy  atomic.Bool
	build func(registry.BuildOptions) (providers.Provider, error)
}

func New(cfg Config) *Orchestrator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Orchestrator{cfg: cfg, build: registry.Build}
}

// Send runs one chat round trip against the active provider and returns the
// assistant turn. On failure the returned turn carries a user-safe error
// notice (so conversation history stays linear) and the structured error is
// returned alongside for distinct UI treatment.
func (o *Orchestrator) Send(ctx context.Context, sessionID, clientID, message string, attachments []providers.Attachment) (providers.Turn, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return providers.Turn{}, ErrBusy
	}
	defer o.busy.Store(false)

	// The session row must exist before any turn, error notices included,
	// or the turn is orphaned from the session list.
	if err := o.ensureSession(ctx, sessionID, message); err != nil {
		return providers.Turn{}, err
	}

	active, ok := o.cfg.Configs.Active()
	if !ok {
		err := providers.NewError(providers.KindMissingCredential, "no active provider")
		return o.failTurn(ctx, sessionID, "No provider is active. Pick one in settings first.", err)
	}
	if strings.TrimSpace(active.APIKey) == "" {
		err := providers.NewError(providers.KindMissingCredential, "api key is empty")
		return o.failTurn(ctx, sessionID, fmt.Sprintf("No API key is configured for %s.", active.ProviderName), err)
	}
	if strings.TrimSpace(active.SelectedModel) == "" {
		err := providers.NewError(providers.KindMissingModel, "no model selected")
		return o.failTurn(ctx, sessionID, fmt.Sprintf("No model is selected for %s.", active.ProviderName), err)
	}

	if o.cfg.RateLimiter != nil {
		allowed, _, resetAt, err := o.cfg.RateLimiter.Allow(ctx, clientID, time.Now())
		if err != nil {
			o.cfg.Logger.Error().Err(err).Msg("rate limiter unavailable")
		} else if !allowed {
			o.cfg.Metrics.ChatRateLimited.Inc()
			perr := providers.NewError(providers.KindRateLimited, "local rate limit exceeded")
			notice := fmt.Sprintf("You're sending messages too quickly. Try again after %s.", resetAt.Format(time.Kitchen))
			return o.failTurn(ctx, sessionID, notice, perr)
		}
	}

	history, err := o.loadHistory(ctx, sessionID)
	if err != nil {
		return providers.Turn{}, err
	}

	userTurn := providers.NewTurn(providers.RoleUser, message, attachments)
	o.appendTurn(ctx, sessionID, userTurn)

	preset, _ := active.Preset()
	p, err := o.build(registry.BuildOptions{
		Preset:     preset,
		BaseURL:    active.CustomBaseURL,
		APIKey:     active.APIKey,
		HTTPClient: o.cfg.HTTPClient,
		// Exactly one attempt per send; retry policy belongs to the caller.
		MaxRetries: 0,
	})
	if err != nil {
		return o.failTurn(ctx, sessionID, "This provider is not usable right now.", err)
	}

	o.cfg.Metrics.ChatRequests.Inc()
	resp, err := p.Chat(ctx, providers.ChatRequest{
		Model:        active.SelectedModel,
		SystemPrompt: o.cfg.SystemPrompt,
		Message:      message,
		Attachments:  attachments,
		History:      history,
	})
	if err != nil {
		o.cfg.Metrics.ChatFailures.Inc()
		if providers.KindOf(err) == providers.KindRateLimited {
			o.cfg.Metrics.ChatRateLimited.Inc()
		}
		o.cfg.Logger.Warn().Err(err).Str("provider", active.ProviderName).Msg("chat request failed")
		return o.failTurn(ctx, sessionID, userFacingMessage(err), err)
	}

	reply := providers.NewTurn(providers.RoleAssistant, resp.Text, nil)
	o.appendTurn(ctx, sessionID, reply)
	return reply, nil
}

// Busy reports whether a send is currently in flight.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

func (o *Orchestrator) ensureSession(ctx context.Context, sessionID, message string) error {
	if o.cfg.Sessions == nil {
		return nil
	}
	// Truncate on rune boundaries; a byte slice can cut a multibyte
	// character in half.
	title := []rune(message)
	if len(title) > 60 {
		title = title[:60]
	}
	if err := o.cfg.Sessions.EnsureSession(ctx, sessionID, string(title)); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, sessionID string) ([]providers.Turn, error) {
	if o.cfg.Sessions == nil {
		return nil, nil
	}
	history, err := o.cfg.Sessions.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history, nil
}

func (o *Orchestrator) appendTurn(ctx context.Context, sessionID string, turn providers.Turn) {
	if o.cfg.Sessions == nil {
		return
	}
	if err := o.cfg.Sessions.AppendTurn(ctx, sessionID, turn); err != nil {
		o.cfg.Logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist turn")
	}
}

// failTurn appends an assistant-authored error notice so the failure is
// visible in the conversation, and returns it with the structured error.
func (o *Orchestrator) failTurn(ctx context.Context, sessionID, notice string, err error) (providers.Turn, error) {
	turn := providers.NewTurn(providers.RoleAssistant, notice, nil)
	o.appendTurn(ctx, sessionID, turn)
	return turn, err
}

func userFacingMessage(err error) string {
	var pe *providers.Error
	if !errors.As(err, &pe) {
		return "The request failed. Please try again."
	}
	switch pe.Kind {
	case providers.KindRateLimited:
		return "The provider is rate limiting requests. Wait a moment before retrying."
	case providers.KindParseFailed:
		return "Failed to parse the provider's response."
	case providers.KindInvalidEndpoint:
		return "The configured endpoint URL is invalid."
	case providers.KindRequestFailed:
		if pe.Message != "" {
			return pe.Message
		}
		return fmt.Sprintf("The request failed with status %d.", pe.Status)
	default:
		return "The request failed. Please try again."
	}
}
