package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"omnichat/internal/discovery"
	"omnichat/internal/metrics"
	"omnichat/internal/orchestrator"
	"omnichat/internal/providers"
	"omnichat/internal/queue"
	"omnichat/internal/speech"
	"omnichat/internal/storage"
	"omnichat/internal/store"
)

// SessionReader exposes persisted conversations to the API. Nil disables the
// session endpoints.
type SessionReader interface {
	ListSessions(ctx context.Context) ([]storage.Session, error)
	ListTurns(ctx context.Context, sessionID string) ([]providers.Turn, error)
}

type Config struct {
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Discovery    *discovery.Client
	Queue        *queue.StreamQueue
	Marker       *queue.RefreshMarker
	Sessions     SessionReader
	// Speaker builds a synthesis player around a per-request audio sink.
	// Nil disables the speak endpoints.
	Speaker func(sink speech.Sink) *speech.Player
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type API struct {
	cfg Config

	speakMu sync.Mutex
	speaker *speech.Player
}

func New(cfg Config) *API {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &API{cfg: cfg}
}

// Register mounts all routes on mux. API keys are write-only: they are
// accepted on updates and never echoed back.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/providers", a.listProviders)
	mux.HandleFunc("POST /api/providers", a.createProvider)
	mux.HandleFunc("PUT /api/providers/{id}", a.updateProvider)
	mux.HandleFunc("POST /api/providers/{id}/activate", a.activateProvider)
	mux.HandleFunc("GET /api/providers/{id}/models", a.listModels)
	mux.HandleFunc("POST /api/providers/{id}/refresh", a.refreshModels)
	mux.HandleFunc("POST /api/chat", a.chat)
	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}/turns", a.listTurns)
	mux.HandleFunc("POST /api/speak", a.speak)
	mux.HandleFunc("POST /api/speak/toggle", a.speakToggle)
	mux.HandleFunc("POST /api/speak/stop", a.speakStop)
	mux.HandleFunc("GET /api/speak/state", a.speakState)
}

type configView struct {
	ID              string    `json:"id"`
	ProviderName    string    `json:"provider_name"`
	BaseURL         string    `json:"base_url"`
	CustomBaseURL   string    `json:"custom_base_url,omitempty"`
	HasAPIKey       bool      `json:"has_api_key"`
	SelectedModel   string    `json:"selected_model"`
	AvailableModels []string  `json:"available_models"`
	Active          bool      `json:"active"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (a *API) view(cfg store.Config) configView {
	return configView{
		ID:              cfg.ID,
		ProviderName:    cfg.ProviderName,
		BaseURL:         cfg.BaseURL(),
		CustomBaseURL:   cfg.CustomBaseURL,
		HasAPIKey:       strings.TrimSpace(cfg.APIKey) != "",
		SelectedModel:   cfg.SelectedModel,
		AvailableModels: cfg.AvailableModels,
		Active:          a.cfg.Store.IsActive(cfg.ID),
		UpdatedAt:       cfg.UpdatedAt,
	}
}

func (a *API) listProviders(w http.ResponseWriter, r *http.Request) {
	configs := a.cfg.Store.List()
	views := make([]configView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, a.view(cfg))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) createProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderName string `json:"provider_name"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	cfg, err := a.cfg.Store.GetOrCreate(r.Context(), req.ProviderName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.view(cfg))
}

func (a *API) updateProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey        *string `json:"api_key"`
		SelectedModel *string `json:"selected_model"`
		CustomBaseURL *string `json:"custom_base_url"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	cfg, ok := a.cfg.Store.ByID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown config id")
		return
	}
	if req.APIKey != nil {
		cfg.APIKey = *req.APIKey
	}
	if req.SelectedModel != nil {
		cfg.SelectedModel = *req.SelectedModel
	}
	if req.CustomBaseURL != nil {
		cfg.CustomBaseURL = *req.CustomBaseURL
	}
	if err := a.cfg.Store.Update(r.Context(), cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	keyChanged := req.APIKey != nil
	if keyChanged {
		a.enqueueRefresh(r.Context(), cfg.ID, "key_changed")
	}
	updated, _ := a.cfg.Store.ByID(cfg.ID)
	writeJSON(w, http.StatusOK, a.view(updated))
}

func (a *API) activateProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.cfg.Store.SetActive(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	cfg, _ := a.cfg.Store.ByID(id)
	writeJSON(w, http.StatusOK, a.view(cfg))
}

// listModels runs discovery synchronously. A remote failure still answers 200
// with the static fallback list plus the failure detail, so pickers never go
// blank.
func (a *API) listModels(w http.ResponseWriter, r *http.Request) {
	cfg, ok := a.cfg.Store.ByID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown config id")
		return
	}

	models, err := a.cfg.Discovery.Discover(r.Context(), cfg)
	resp := struct {
		Models   []string `json:"models"`
		Fallback bool     `json:"fallback"`
		Error    string   `json:"error,omitempty"`
	}{Models: models}
	if err != nil {
		resp.Fallback = true
		resp.Error = err.Error()
	} else if err := a.cfg.Store.SetAvailableModels(r.Context(), cfg.ID, models); err != nil {
		a.cfg.Logger.Error().Err(err).Str("config_id", cfg.ID).Msg("failed to store models")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) refreshModels(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := a.cfg.Store.ByID(id); !ok {
		writeError(w, http.StatusNotFound, "unknown config id")
		return
	}
	enqueued := a.enqueueRefresh(r.Context(), id, "manual")
	writeJSON(w, http.StatusAccepted, map[string]bool{"enqueued": enqueued})
}

// enqueueRefresh coalesces bursts: only the first request per config within
// the marker TTL lands a job.
func (a *API) enqueueRefresh(ctx context.Context, configID, reason string) bool {
	if a.cfg.Queue == nil {
		return false
	}
	if a.cfg.Marker != nil {
		first, err := a.cfg.Marker.MarkFirst(ctx, configID)
		if err != nil {
			a.cfg.Logger.Error().Err(err).Msg("refresh marker unavailable")
		} else if !first {
			return false
		}
	}
	if _, err := a.cfg.Queue.Enqueue(ctx, queue.RefreshJob{ConfigID: configID, Reason: reason}); err != nil {
		a.cfg.Logger.Error().Err(err).Str("config_id", configID).Msg("failed to enqueue refresh job")
		return false
	}
	a.cfg.Metrics.RefreshJobsEnqueued.Inc()
	return true
}

type chatAttachment struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Data string `json:"data"`
}

func (a *API) chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string           `json:"session_id"`
		Message     string           `json:"message"`
		Attachments []chatAttachment `json:"attachments"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	attachments := make([]providers.Attachment, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		payload, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, "attachment data must be base64")
			return
		}
		attachments = append(attachments, providers.Attachment{
			Name:    att.Name,
			Kind:    providers.AttachmentKind(att.Kind),
			Payload: payload,
		})
	}

	turn, err := a.cfg.Orchestrator.Send(r.Context(), req.SessionID, clientID(r), req.Message, attachments)
	if errors.Is(err, orchestrator.ErrBusy) {
		writeError(w, http.StatusConflict, "a chat request is already in flight")
		return
	}

	resp := struct {
		Turn  providers.Turn `json:"turn"`
		Error *errorView     `json:"error,omitempty"`
	}{Turn: turn}
	if err != nil {
		resp.Error = &errorView{Kind: providers.KindOf(err).String(), Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Sessions == nil {
		writeError(w, http.StatusNotFound, "session persistence is disabled")
		return
	}
	sessions, err := a.cfg.Sessions.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) listTurns(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Sessions == nil {
		writeError(w, http.StatusNotFound, "session persistence is disabled")
		return
	}
	turns, err := a.cfg.Sessions.ListTurns(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

type errorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorView{Message: msg})
}
