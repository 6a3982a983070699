package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"omnichat/internal/discovery"
	"omnichat/internal/orchestrator"
	"omnichat/internal/queue"
	"omnichat/internal/store"
)

type routeTransport struct {
	routes map[string]struct {
		status int
		body   string
	}
	calls int
}

func (t *routeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls++
	for suffix, r := range t.routes {
		if strings.HasSuffix(req.URL.Path, suffix) {
			return &http.Response{
				StatusCode: r.status,
				Body:       io.NopCloser(strings.NewReader(r.body)),
				Header:     http.Header{"Content-Type": []string{"application/json"}},
			}, nil
		}
	}
	return &http.Response{
		StatusCode: 404,
		Body:       io.NopCloser(strings.NewReader(`{}`)),
		Header:     http.Header{},
	}, nil
}

func newTestAPI(t *testing.T, transport http.RoundTripper) (*API, *http.ServeMux, *store.Store) {
	t.Helper()
	st := store.New(nil, zerolog.Nop())
	httpClient := &http.Client{Transport: transport}
	api := New(Config{
		Store:        st,
		Orchestrator: orchestrator.New(orchestrator.Config{Configs: st, HTTPClient: httpClient, Logger: zerolog.Nop()}),
		Discovery:    discovery.New(discovery.Config{HTTPClient: httpClient, Logger: zerolog.Nop()}),
		Logger:       zerolog.Nop(),
	})
	mux := http.NewServeMux()
	api.Register(mux)
	return api, mux, st
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:51000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndUpdateProviderNeverEchoesKey(t *testing.T) {
	_, mux, _ := newTestAPI(t, &routeTransport{})

	rec := doJSON(t, mux, http.MethodPost, "/api/providers", map[string]string{"provider_name": "OpenAI"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created configView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.HasAPIKey {
		t.Fatal("fresh config should have no key")
	}

	rec = doJSON(t, mux, http.MethodPut, "/api/providers/"+created.ID, map[string]string{"api_key": "sk-super-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "sk-super-secret") {
		t.Fatal("api key must never be echoed")
	}
	var updated configView
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !updated.HasAPIKey {
		t.Fatal("has_api_key should flip after update")
	}
	if updated.SelectedModel != "" {
		t.Fatalf("selected model should reset on key change, got %q", updated.SelectedModel)
	}
}

func TestActivateIsExclusive(t *testing.T) {
	_, mux, st := newTestAPI(t, &routeTransport{})
	ctx := context.Background()
	a, _ := st.GetOrCreate(ctx, "OpenAI")
	b, _ := st.GetOrCreate(ctx, "Anthropic")

	if rec := doJSON(t, mux, http.MethodPost, "/api/providers/"+a.ID+"/activate", nil); rec.Code != http.StatusOK {
		t.Fatalf("activate a: %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodPost, "/api/providers/"+b.ID+"/activate", nil); rec.Code != http.StatusOK {
		t.Fatalf("activate b: %d", rec.Code)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/providers", nil)
	var views []configView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	active := 0
	for _, v := range views {
		if v.Active {
			active++
			if v.ID != b.ID {
				t.Fatalf("wrong active config: %s", v.ProviderName)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active config, got %d", active)
	}
}

func TestListModelsAnswersFallbackOnRemoteFailure(t *testing.T) {
	transport := &routeTransport{routes: map[string]struct {
		status int
		body   string
	}{
		"/models": {status: 500, body: `{"error":{"message":"down"}}`},
	}}
	_, mux, st := newTestAPI(t, transport)
	ctx := context.Background()
	cfg, _ := st.GetOrCreate(ctx, "OpenAI")
	cfg.APIKey = "sk-test"
	if err := st.Update(ctx, cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/providers/"+cfg.ID+"/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Models   []string `json:"models"`
		Fallback bool     `json:"fallback"`
		Error    string   `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Fallback || resp.Error == "" {
		t.Fatalf("expected fallback response, got %+v", resp)
	}
	if len(resp.Models) == 0 {
		t.Fatal("fallback must still offer the static default models")
	}
}

func TestChatRoundTrip(t *testing.T) {
	transport := &routeTransport{routes: map[string]struct {
		status int
		body   string
	}{
		"/chat/completions": {status: 200, body: `{"choices":[{"message":{"content":"hi there"}}]}`},
	}}
	_, mux, st := newTestAPI(t, transport)
	ctx := context.Background()
	cfg, _ := st.GetOrCreate(ctx, "OpenAI")
	cfg.APIKey = "sk-test"
	if err := st.Update(ctx, cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	cfg.SelectedModel = "gpt-4o"
	if err := st.Update(ctx, cfg); err != nil {
		t.Fatalf("Update model: %v", err)
	}
	if err := st.SetActive(ctx, cfg.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/chat", map[string]any{
		"session_id": "s1",
		"message":    "hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Turn struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"turn"`
		Error *errorView `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Turn.Role != "assistant" || resp.Turn.Content != "hi there" {
		t.Fatalf("turn = %+v", resp.Turn)
	}
}

func TestChatWithoutActiveProviderReportsErrorAndTurn(t *testing.T) {
	_, mux, _ := newTestAPI(t, &routeTransport{})

	rec := doJSON(t, mux, http.MethodPost, "/api/chat", map[string]any{
		"session_id": "s1",
		"message":    "hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Turn struct {
			Content string `json:"content"`
		} `json:"turn"`
		Error *errorView `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != "missing_credential" {
		t.Fatalf("error = %+v", resp.Error)
	}
	if resp.Turn.Content == "" {
		t.Fatal("error notice turn should accompany the failure")
	}
}

func TestRefreshCoalesces(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := store.New(nil, zerolog.Nop())
	api := New(Config{
		Store:  st,
		Queue:  queue.NewStreamQueue(rdb, "omnichat:refresh_jobs", "workers", "api", time.Second),
		Marker: queue.NewRefreshMarker(rdb, time.Minute),
		Logger: zerolog.Nop(),
	})
	mux := http.NewServeMux()
	api.Register(mux)

	cfg, _ := st.GetOrCreate(context.Background(), "OpenAI")

	first := doJSON(t, mux, http.MethodPost, "/api/providers/"+cfg.ID+"/refresh", nil)
	second := doJSON(t, mux, http.MethodPost, "/api/providers/"+cfg.ID+"/refresh", nil)
	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("status = %d / %d", first.Code, second.Code)
	}

	var r1, r2 struct {
		Enqueued bool `json:"enqueued"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &r1); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &r2); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if !r1.Enqueued {
		t.Fatal("first refresh should enqueue")
	}
	if r2.Enqueued {
		t.Fatal("second refresh inside the marker window should coalesce")
	}
}
