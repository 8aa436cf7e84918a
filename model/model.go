package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Role of a message in a model conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn sent to the model.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request captures the normalized advisor input.
type Request struct {
	// System carries the system instructions.
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	// MaxTokens overrides the adapter default when > 0.
	MaxTokens int64 `json:"max_tokens,omitempty"`
}

// LastUserText returns the text of the last user message.
func (r Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Text
		}
	}
	return ""
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is the complete model answer.
type Response struct {
	ID           string      `json:"id,omitempty"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", "end_turn", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Model is the minimal interface an advisor needs. Generate blocks until the
// full answer is available; there is no streaming.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrNoMessages is returned for a request without messages.
var ErrNoMessages = errors.New("no messages provided")

// MockModel is a lightweight in-memory Model useful for tests and examples.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	queue     []string
	err       error
	requests  []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for a prompt (the
// last user message).
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// QueueResponses registers completions returned in order regardless of the
// prompt. Queued answers take precedence over AddResponse.
func (m *MockModel) QueueResponses(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// SetError makes every following Generate call fail with err.
func (m *MockModel) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Requests returns the requests seen so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	var text string
	switch {
	case len(m.queue) > 0:
		text, m.queue = m.queue[0], m.queue[1:]
	default:
		prompt := req.LastUserText()
		text = m.responses[prompt]
		if text == "" {
			text = fmt.Sprintf("Mock response to: %s", prompt)
		}
	}
	return &Response{
		ID:           fmt.Sprintf("mock-%d", len(m.requests)),
		Text:         text,
		FinishReason: "stop",
	}, nil
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

var _ Model = (*MockModel)(nil)
