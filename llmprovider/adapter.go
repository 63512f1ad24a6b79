// Package llmprovider fulfils llm_call effects through iris providers.
package llmprovider

import (
	"context"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/flowrun/core"
)

// Request is one completion request built from an llm_call effect payload.
type Request struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   *int
}

// RequestFromPayload decodes an llm_call effect payload.
func RequestFromPayload(p map[string]any) Request {
	req := Request{
		Provider: core.AsString(p["provider"]),
		Model:    core.AsString(p["model"]),
		System:   core.AsString(p["system"]),
		Prompt:   core.AsString(p["prompt"]),
	}
	if f, ok := core.AsFloat(p["temperature"]); ok {
		req.Temperature = &f
	}
	if n := core.AsInt(p["max_tokens"], 0); n > 0 {
		req.MaxTokens = &n
	}
	return req
}

// Response is the completion result.
type Response struct {
	ID       string
	Text     string
	Provider string
	Model    string
	Status   string
	Usage    core.TokenUsage
}

// Result renders the response as the value written to the effect's result key.
func (r Response) Result() map[string]any {
	return map[string]any{
		"text":     r.Text,
		"provider": r.Provider,
		"model":    r.Model,
		"usage":    r.Usage.Map(),
	}
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// irisAdapter wraps an iris Provider to implement Client.
type irisAdapter struct {
	provider iriscore.Provider
}

var _ Client = (*irisAdapter)(nil)

// Complete sends a synchronous completion request via the iris provider.
func (a *irisAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := a.provider.Chat(ctx, a.toRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("provider chat failed: %w", err)
	}
	return a.fromResponse(resp), nil
}

func (a *irisAdapter) toRequest(req Request) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, iriscore.Message{Role: iriscore.RoleSystem, Content: req.System})
	}
	messages = append(messages, iriscore.Message{Role: iriscore.RoleUser, Content: req.Prompt})

	chatReq := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		chatReq.Temperature = &temp
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = req.MaxTokens
	}
	return chatReq
}

func (a *irisAdapter) fromResponse(resp *iriscore.ChatResponse) Response {
	return Response{
		ID:       resp.ID,
		Text:     resp.Output,
		Provider: a.provider.ID(),
		Model:    string(resp.Model),
		Status:   resp.Status,
		Usage: core.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
}
