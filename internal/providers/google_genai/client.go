package google_genai

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

// Config for the Gemini generateContent API. The key travels in the query
// string; there is no auth header.
type Config struct {
	BaseURL     string
	APIKey      string
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
	endpointURL, err := c.endpointURL("/models/"+req.Model+":generateContent", true)
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

// ListModels fetches GET {base}/models?key=... and strips the "models/"
// prefix each entry carries before normalizing through the rules.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, providers.NewError(providers.KindMissingCredential, "api key is empty")
	}
	endpointURL, err := c.endpointURL("/models", true)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}

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

	var wrapper struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(respBody, &wrapper); err != nil {
		return nil, providers.NewError(providers.KindMalformedResponse, "decode models response: "+err.Error())
	}
	ids := make([]string, 0, len(wrapper.Models))
	for _, m := range wrapper.Models {
		name := strings.TrimPrefix(m.Name, "models/")
		if name != "" {
			ids = append(ids, name)
		}
	}
	return c.cfg.Rules.Apply(ids), nil
}

func buildPayload(req providers.ChatRequest) ([]byte, error) {
	contents := make([]map[string]any, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := "model"
		if turn.Role == providers.RoleUser {
			role = "user"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": turn.Content}},
		})
	}

	text, images := providers.SplitParts(req.Message, req.Attachments)
	// No system field on this wire format; the instruction rides as a text
	// preamble of the final turn.
	if strings.TrimSpace(req.SystemPrompt) != "" {
		text = req.SystemPrompt + "\n\n" + text
	}
	parts := make([]map[string]any, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, map[string]any{
			"inlineData": map[string]any{
				"mimeType": providers.ImageMediaType,
				"data":     base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	parts = append(parts, map[string]any{"text": text})
	contents = append(contents, map[string]any{"role": "user", "parts": parts})

	b, err := json.Marshal(map[string]any{"contents": contents})
	if err != nil {
		return nil, fmt.Errorf("marshal generate content payload: %w", err)
	}
	return b, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	text, perr := parseGenerateContent(respBody)
	if perr != nil {
		return "", false, perr
	}
	return text, false, nil
}

func (c *Client) endpointURL(path string, withKey bool) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", providers.NewError(providers.KindInvalidEndpoint, "base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", providers.NewError(providers.KindInvalidEndpoint, fmt.Sprintf("invalid base url %q", base))
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if withKey {
		q := u.Query()
		q.Set("key", c.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func parseGenerateContent(body []byte) (string, *providers.Error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", providers.NewError(providers.KindParseFailed, "decode generate content response: "+err.Error())
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 || resp.Candidates[0].Content.Parts[0].Text == "" {
		return "", providers.NewError(providers.KindParseFailed, "missing candidate text in generate content response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}
