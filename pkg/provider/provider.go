// Package provider defines the boundary to the LLM provider collaborator.
// The core never implements the call itself; hosts plug in an adapter and
// tests plug in scripted doubles.
package provider

import (
	"context"
)

// Usage reports token consumption for one completed call. Providers that
// do not report usage return nil, in which case callers fall back to
// estimation.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// Turn is one prior history entry handed to the provider.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries one unit of work to the provider.
type Request struct {
	ConversationID string   `json:"conversationId"`
	Mode           string   `json:"mode"`
	Prompt         string   `json:"prompt"`
	History        []Turn   `json:"history,omitempty"`
	ContextFiles   []string `json:"contextFiles,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// Response is the provider's reply.
type Response struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}

// Provider is the opaque collaborator contract.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Echo returns a development stand-in that mirrors the prompt back and
// reports a char/4 usage estimate. Useful for wiring the host end to end
// before a real adapter is configured.
func Echo() Provider {
	return Func(func(ctx context.Context, req Request) (*Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := int64(len(req.Prompt)/4 + 1)
		return &Response{
			Text: req.Prompt,
			Usage: &Usage{
				InputTokens:  n,
				OutputTokens: n,
				TotalTokens:  2 * n,
			},
		}, nil
	})
}
