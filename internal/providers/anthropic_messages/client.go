package anthropic_messages

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"omnichat/internal/providers"
)

const apiVersion = "2023-06-01"

type Config struct {
	BaseURL string
	APIKey  string
	// DefaultModels backs the key-validation fallback for account tiers whose
	// /models endpoint does not exist.
	DefaultModels []string
	HTTPClient    *http.Client
	MaxRetries    int
	BackoffBase   time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return providers.ChatResponse{}, providers.NewError(providers.KindMissingCredential, "api key is empty")
	}
	if strings.TrimSpace(req.Model) == "" {
		return providers.ChatResponse{}, providers.NewError(providers.KindMissingModel, "no model selected")
	}

	body, err := buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	endpointURL, err := c.endpointURL("/messages")
	if err != nil {
		return providers.ChatResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, retry, err := c.callOnce(ctx, endpointURL, body)
		if err == nil {
			return providers.ChatResponse{Text: text}, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return providers.ChatResponse{}, ctx.Err()
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}

	return providers.ChatResponse{}, lastErr
}

// ListModels queries GET {base}/models. Some account tiers have no listing
// endpoint at all; on a 404 the key is validated instead with a one-token
// dummy completion and the static default list is returned.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, providers.NewError(providers.KindMissingCredential, "api key is empty")
	}
	endpointURL, err := c.endpointURL("/models")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	c.applyHeaders(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return c.validateKeyFallback(ctx)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, providers.DiscoveryStatusError(resp.StatusCode, respBody)
	}

	var wrapper struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &wrapper); err != nil {
		return nil, providers.NewError(providers.KindMalformedResponse, "decode models response: "+err.Error())
	}
	ids := make([]string, 0, len(wrapper.Data))
	for _, e := range wrapper.Data {
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// validateKeyFallback sends a minimal /messages call; any 2xx means the key
// works and the static defaults are good enough to offer.
func (c *Client) validateKeyFallback(ctx context.Context) ([]string, error) {
	if len(c.cfg.DefaultModels) == 0 {
		return nil, providers.NewError(providers.KindDiscoveryFailed, "no models endpoint and no default models")
	}
	body, err := json.Marshal(map[string]any{
		"model":      c.cfg.DefaultModels[0],
		"max_tokens": 1,
		"messages":   []map[string]any{{"role": "user", "content": "hi"}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal validation payload: %w", err)
	}
	endpointURL, err := c.endpointURL("/messages")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build validation request: %w", err)
	}
	c.applyHeaders(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, providers.DiscoveryStatusError(resp.StatusCode, respBody)
	}

	out := make([]string, len(c.cfg.DefaultModels))
	copy(out, c.cfg.DefaultModels)
	return out, nil
}

func buildPayload(req providers.ChatRequest) ([]byte, error) {
	messages := make([]map[string]any, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := "assistant"
		if turn.Role == providers.RoleUser {
			role = "user"
		}
		messages = append(messages, map[string]any{"role": role, "content": turn.Content})
	}

	text, images := providers.SplitParts(req.Message, req.Attachments)
	if len(images) == 0 {
		messages = append(messages, map[string]any{"role": "user", "content": text})
	} else {
		// Image parts lead, the text part trails.
		parts := make([]map[string]any, 0, len(images)+1)
		for _, img := range images {
			parts = append(parts, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": providers.ImageMediaType,
					"data":       base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}
		parts = append(parts, map[string]any{"type": "text", "text": text})
		messages = append(messages, map[string]any{"role": "user", "content": parts})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxTokens
	}
	payload := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		payload["system"] = req.SystemPrompt
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}
	return b, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	c.applyHeaders(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", false, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := providers.ChatStatusError(resp.StatusCode, respBody)
		return "", resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, perr
	}

	text, perr := parseMessages(respBody)
	if perr != nil {
		return "", false, perr
	}
	return text, false, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
}

func (c *Client) endpointURL(path string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", providers.NewError(providers.KindInvalidEndpoint, "base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", providers.NewError(providers.KindInvalidEndpoint, fmt.Sprintf("invalid base url %q", base))
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

func parseMessages(body []byte) (string, *providers.Error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", providers.NewError(providers.KindParseFailed, "decode messages response: "+err.Error())
	}
	if len(resp.Content) == 0 || resp.Content[0].Text == "" {
		return "", providers.NewError(providers.KindParseFailed, "missing text content in messages response")
	}
	return resp.Content[0].Text, nil
}
