package openai_compat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"omnichat/internal/catalog"
	"omnichat/internal/providers"
)

// Config covers OpenAI itself plus every endpoint speaking the same wire
// format (Mistral, Groq, Together AI, user-supplied custom endpoints).
type Config struct {
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Rules       catalog.ModelRules
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
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
	endpointURL, err := c.endpointURL("/chat/completions")
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
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return providers.ChatResponse{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return providers.ChatResponse{}, lastErr
}

// ListModels fetches GET {base}/models and normalizes the listing through the
// configured rules. Both documented response shapes are accepted: the usual
// {"data":[{"id":...}]} wrapper and the bare array some deployments return.
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
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, providers.DiscoveryStatusError(resp.StatusCode, respBody)
	}

	ids, perr := parseModelList(respBody)
	if perr != nil {
		return nil, perr
	}
	return c.cfg.Rules.Apply(ids), nil
}

func buildPayload(req providers.ChatRequest) ([]byte, error) {
	messages := make([]map[string]any, 0, len(req.History)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemPrompt})
	}
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
		parts := []map[string]any{{"type": "text", "text": text}}
		for _, img := range images {
			parts = append(parts, map[string]any{
				"type": "image_url",
				"image_url": map[string]any{
					"url": "data:" + providers.ImageMediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}
		messages = append(messages, map[string]any{"role": "user", "content": parts})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxTokens
	}
	b, err := json.Marshal(map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion payload: %w", err)
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

	text, perr := parseChatCompletions(respBody)
	if perr != nil {
		return "", false, perr
	}
	return text, false, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}
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

func parseChatCompletions(body []byte) (string, *providers.Error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", providers.NewError(providers.KindParseFailed, "decode chat completion response: "+err.Error())
	}
	if len(resp.Choices) == 0 {
		return "", providers.NewError(providers.KindParseFailed, "empty choices in chat completion response")
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text, nil
	}
	if content := anyToText(resp.Choices[0].Message.Content); strings.TrimSpace(content) != "" {
		return content, nil
	}
	return "", providers.NewError(providers.KindParseFailed, "missing message content in chat completion response")
}

func parseModelList(body []byte) ([]string, *providers.Error) {
	type entry struct {
		ID string `json:"id"`
	}

	var entries []entry
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, providers.NewError(providers.KindMalformedResponse, "decode models array: "+err.Error())
		}
	} else {
		var wrapper struct {
			Data []entry `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, providers.NewError(providers.KindMalformedResponse, "decode models response: "+err.Error())
		}
		entries = wrapper.Data
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
