// Package dialogue produces assistant replies from a persona prompt and the
// conversation so far. Clients are stateless: every call carries the full
// context it needs.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Params struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func DefaultParams() Params {
	return Params{Temperature: 0.7, MaxTokens: 150}
}

// Request is one completion call. History holds earlier turns oldest first and
// never includes Input.
type Request struct {
	SessionID    string    `json:"session_id,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	History      []Message `json:"history,omitempty"`
	Input        string    `json:"input"`
	Params       Params    `json:"params"`
}

// Messages flattens the request into chat order: system, history, input.
func (r Request) Messages() []Message {
	out := make([]Message, 0, len(r.History)+2)
	if strings.TrimSpace(r.SystemPrompt) != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.SystemPrompt})
	}
	for _, m := range r.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return append(out, Message{Role: RoleUser, Content: r.Input})
}

// ErrEmptyReply is returned when the upstream produced no usable text.
var ErrEmptyReply = errors.New("dialogue: empty reply")

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config controls client construction.
type Config struct {
	Mode        string
	HTTPURL     string
	OpenAIKey   string
	OpenAIBase  string
	OpenAIModel string
	HTTPStrict  bool
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoClient(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai dialogue mode")
		}
		return newOpenAIFromConfig(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("dialogue HTTP url is required for http mode")
		}
		return NewHTTPClient(cfg.HTTPURL, cfg.HTTPStrict), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported dialogue mode %q", cfg.Mode)
	}
}

// newAutoClient prefers OpenAI, then the HTTP endpoint, and keeps the mock
// only as a last resort so a misconfigured deployment still talks.
func newAutoClient(cfg Config) Client {
	var chain []Client
	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		chain = append(chain, newOpenAIFromConfig(cfg))
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, NewHTTPClient(cfg.HTTPURL, cfg.HTTPStrict))
	}
	switch len(chain) {
	case 0:
		return NewMockClient()
	case 1:
		return chain[0]
	default:
		return NewFallbackClient(chain[0], chain[1])
	}
}

func newOpenAIFromConfig(cfg Config) *OpenAIClient {
	var opts []OpenAIOption
	if base := strings.TrimSpace(cfg.OpenAIBase); base != "" {
		opts = append(opts, WithBaseURL(base))
	}
	if model := strings.TrimSpace(cfg.OpenAIModel); model != "" {
		opts = append(opts, WithModel(model))
	}
	return NewOpenAIClient(cfg.OpenAIKey, opts...)
}
