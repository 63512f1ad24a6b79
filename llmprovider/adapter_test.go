package llmprovider

import (
	"context"
	"errors"
	"strings"
	"testing"

	iriscore "github.com/petal-labs/iris/core"
)

// mockProvider implements iriscore.Provider for testing.
type mockProvider struct {
	id           string
	chatResponse *iriscore.ChatResponse
	chatError    error
	capturedReq  *iriscore.ChatRequest
}

func (m *mockProvider) ID() string { return m.id }

func (m *mockProvider) Chat(_ context.Context, req *iriscore.ChatRequest) (*iriscore.ChatResponse, error) {
	m.capturedReq = req
	if m.chatError != nil {
		return nil, m.chatError
	}
	return m.chatResponse, nil
}

func (m *mockProvider) StreamChat(context.Context, *iriscore.ChatRequest) (*iriscore.ChatStream, error) {
	return nil, nil
}

func (m *mockProvider) Models() []iriscore.ModelInfo {
	return []iriscore.ModelInfo{{ID: "mock-model"}}
}

func (m *mockProvider) Supports(f iriscore.Feature) bool {
	return f == iriscore.FeatureChat
}

func TestComplete_SystemAndPrompt(t *testing.T) {
	mock := &mockProvider{
		id: "test-provider",
		chatResponse: &iriscore.ChatResponse{
			ID:     "resp-1",
			Model:  "claude-3",
			Output: "Hello from LLM",
			Usage:  iriscore.TokenUsage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
		},
	}
	adapter := &irisAdapter{provider: mock}

	resp, err := adapter.Complete(context.Background(), Request{
		Model:  "claude-3",
		System: "You are helpful",
		Prompt: "Say hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Hello from LLM" || resp.Provider != "test-provider" || resp.ID != "resp-1" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.TotalTokens != 20 || resp.Usage.InputTokens != 12 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	msgs := mock.capturedReq.Messages
	if len(msgs) != 2 || msgs[0].Role != iriscore.RoleSystem || msgs[1].Content != "Say hello" {
		t.Fatalf("messages = %+v", msgs)
	}
	if mock.capturedReq.Model != "claude-3" {
		t.Errorf("model = %q", mock.capturedReq.Model)
	}
}

func TestComplete_TemperatureAndMaxTokens(t *testing.T) {
	mock := &mockProvider{id: "p", chatResponse: &iriscore.ChatResponse{Output: "ok"}}
	adapter := &irisAdapter{provider: mock}

	req := RequestFromPayload(map[string]any{
		"provider":    "p",
		"model":       "m",
		"prompt":      "hi",
		"temperature": 0.5,
		"max_tokens":  100,
	})
	if _, err := adapter.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mock.capturedReq.Temperature; got == nil || *got != 0.5 {
		t.Errorf("Temperature = %v", got)
	}
	if got := mock.capturedReq.MaxTokens; got == nil || *got != 100 {
		t.Errorf("MaxTokens = %v", got)
	}
	if len(mock.capturedReq.Messages) != 1 {
		t.Errorf("no system prompt should mean one message, got %d", len(mock.capturedReq.Messages))
	}
}

func TestComplete_ErrorPropagation(t *testing.T) {
	boom := errors.New("rate limited")
	adapter := &irisAdapter{provider: &mockProvider{id: "p", chatError: boom}}
	_, err := adapter.Complete(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestResponse_Result(t *testing.T) {
	r := Response{Text: "t", Provider: "p", Model: "m"}
	r.Usage.TotalTokens = 3
	res := r.Result()
	if res["text"] != "t" || res["usage"].(map[string]any)["total_tokens"] != 3 {
		t.Fatalf("Result = %v", res)
	}
}

func TestRouter_CachesProvidersAndReadsKeys(t *testing.T) {
	t.Setenv("MOCK_API_KEY", "from-env")
	var created []string
	var keys []string
	r := NewRouter(RouterConfig{
		APIKeys: map[string]string{"other": "explicit"},
		Factory: func(name, apiKey string) (iriscore.Provider, error) {
			created = append(created, name)
			keys = append(keys, apiKey)
			return &mockProvider{id: name, chatResponse: &iriscore.ChatResponse{Output: name}}, nil
		},
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		resp, err := r.Complete(ctx, Request{Provider: "Mock", Model: "m", Prompt: "x"})
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Text != "mock" {
			t.Fatalf("Text = %q", resp.Text)
		}
	}
	if _, err := r.Complete(ctx, Request{Provider: "other", Model: "m", Prompt: "x"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if strings.Join(created, ",") != "mock,other" {
		t.Errorf("created = %v", created)
	}
	if strings.Join(keys, ",") != "from-env,explicit" {
		t.Errorf("keys = %v", keys)
	}

	if _, err := r.Complete(ctx, Request{Model: "m"}); err == nil {
		t.Error("missing provider should fail")
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient("definitely-not-a-provider", "")
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
}
