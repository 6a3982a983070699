package openai_compat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"omnichat/internal/catalog"
	"omnichat/internal/providers"
)

type countingTransport struct {
	calls int
}

func (t *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	t.calls++
	return nil, http.ErrHandlerTimeout
}

func TestBuildPayloadHistoryAndSystem(t *testing.T) {
	body, err := buildPayload(providers.ChatRequest{
		Model:        "gpt-4o",
		SystemPrompt: "You are concise",
		Message:      "and now?",
		History: []providers.Turn{
			{Role: providers.RoleUser, Content: "hello"},
			{Role: providers.RoleAssistant, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload struct {
		Model     string           `json:"model"`
		MaxTokens int              `json:"max_tokens"`
		Messages  []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "gpt-4o" {
		t.Fatalf("expected model gpt-4o, got %q", payload.Model)
	}
	if payload.MaxTokens != providers.DefaultMaxTokens {
		t.Fatalf("expected max_tokens %d, got %d", providers.DefaultMaxTokens, payload.MaxTokens)
	}
	roles := make([]string, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		roles = append(roles, m["role"].(string))
	}
	if !reflect.DeepEqual(roles, []string{"system", "user", "assistant", "user"}) {
		t.Fatalf("unexpected role sequence %v", roles)
	}
	if payload.Messages[3]["content"] != "and now?" {
		t.Fatalf("unexpected final content %#v", payload.Messages[3]["content"])
	}
}

func TestBuildPayloadAttachments(t *testing.T) {
	body, err := buildPayload(providers.ChatRequest{
		Model:   "gpt-4o",
		Message: "look at this",
		Attachments: []providers.Attachment{
			{Name: "pic.jpg", Kind: providers.AttachmentImage, Payload: []byte{0xFF, 0xD8}},
			{Name: "notes.txt", Kind: providers.AttachmentDocument, Payload: []byte("some notes")},
			{Name: "ghost.png", Kind: providers.AttachmentImage},
		},
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	final := payload.Messages[len(payload.Messages)-1]

	var parts []map[string]any
	if err := json.Unmarshal(final.Content, &parts); err != nil {
		t.Fatalf("expected typed part list, got %s", final.Content)
	}
	if len(parts) != 2 {
		t.Fatalf("expected text part plus one image part, got %d parts", len(parts))
	}
	text := parts[0]["text"].(string)
	if text != "look at this\n\n[File: notes.txt]\nsome notes" {
		t.Fatalf("unexpected inlined text %q", text)
	}
	imageURL := parts[1]["image_url"].(map[string]any)["url"].(string)
	if imageURL != "data:image/jpeg;base64,/9g=" {
		t.Fatalf("unexpected image url %q", imageURL)
	}
}

func TestChatParsesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4o", Message: "hi"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "hello there" {
		t.Fatalf("unexpected reply %q", resp.Text)
	}
}

func TestChatRateLimitedDistinctFromServerError(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   providers.Kind
	}{
		{http.StatusTooManyRequests, providers.KindRateLimited},
		{http.StatusInternalServerError, providers.KindRequestFailed},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		}))

		c := New(Config{BaseURL: srv.URL, APIKey: "sk-test"})
		_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4o", Message: "hi"})
		srv.Close()
		if providers.KindOf(err) != tc.want {
			t.Fatalf("status %d: expected kind %v, got %v (%v)", tc.status, tc.want, providers.KindOf(err), err)
		}
		var pe *providers.Error
		if !asProviderError(err, &pe) || pe.Message != "nope" {
			t.Fatalf("status %d: expected verbatim provider message, got %v", tc.status, err)
		}
	}
}

func TestChatParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4o", Message: "hi"})
	if providers.KindOf(err) != providers.KindParseFailed {
		t.Fatalf("expected parse failure, got %v", err)
	}
}

func TestChatPreconditionsSkipNetwork(t *testing.T) {
	transport := &countingTransport{}
	c := New(Config{BaseURL: "https://api.openai.com/v1", HTTPClient: &http.Client{Transport: transport}})

	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4o", Message: "hi"})
	if providers.KindOf(err) != providers.KindMissingCredential {
		t.Fatalf("expected missing credential, got %v", err)
	}

	c = New(Config{BaseURL: "https://api.openai.com/v1", APIKey: "sk-test", HTTPClient: &http.Client{Transport: transport}})
	_, err = c.Chat(context.Background(), providers.ChatRequest{Message: "hi"})
	if providers.KindOf(err) != providers.KindMissingModel {
		t.Fatalf("expected missing model, got %v", err)
	}

	if transport.calls != 0 {
		t.Fatalf("expected no transport calls, got %d", transport.calls)
	}
}

func TestListModelsWrappedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"text-moderation-latest"},{"id":"gpt-3.5-turbo-instruct"}]}`))
	}))
	defer srv.Close()

	rules := catalog.ModelRules{Include: []string{"gpt", "o1", "o3"}, Exclude: []string{"instruct"}}
	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Rules: rules})
	got, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"gpt-4o"}) {
		t.Fatalf("unexpected models %v", got)
	}
}

func TestListModelsBareArrayShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"zeta"},{"id":"alpha"}]`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	got, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Fatalf("unexpected models %v", got)
	}
}

func TestListModelsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	_, err := c.ListModels(context.Background())
	if providers.KindOf(err) != providers.KindMalformedResponse {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestInvalidEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "not a url", APIKey: "sk-test"})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", Message: "hi"})
	if providers.KindOf(err) != providers.KindInvalidEndpoint {
		t.Fatalf("expected invalid endpoint, got %v", err)
	}
}

func asProviderError(err error, target **providers.Error) bool {
	pe, ok := err.(*providers.Error)
	if ok {
		*target = pe
	}
	return ok
}
