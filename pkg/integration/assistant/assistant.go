// Package assistant exposes an LLM chat backend to commands as the
// "assistant" integration.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parley/pkg/config"
)

// Name is the registry name of the assistant integration.
const Name = "assistant"

const (
	ProviderOpenCode = "opencode"
	ProviderOpenAI   = "openai"
	ProviderFantasy  = "fantasy"
)

// Usage captures token accounting across backends.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	ReasoningTokens     int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// IsZero reports whether all token counters are unset/zero.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// Reply is one normalized assistant answer.
type Reply struct {
	Text     string
	Provider string
	Model    string
	Usage    *Usage
}

// Backend is one LLM provider.
type Backend interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (string, error)
	Prompt(ctx context.Context, sessionID string, prompt string) (Reply, error)
}

// sessionCloser is implemented by backends that hold per-session state locally.
type sessionCloser interface {
	CloseSession(sessionID string)
}

// Client is the integration commands look up by Name.
type Client struct {
	backend  Backend
	provider string
}

// New builds the backend selected by integrations.assistant.provider.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	providerID := strings.ToLower(strings.TrimSpace(cfg.Integrations.Assistant.Provider))
	if providerID == "" {
		providerID = ProviderOpenCode
	}

	slog.Default().With("component", "assistant.factory").Debug("Resolving assistant backend", "provider", providerID)

	var (
		backend Backend
		err     error
	)
	switch providerID {
	case ProviderOpenCode:
		backend, err = NewOpenCode(cfg.Providers.OpenCode, cfg.Integrations.Assistant.Model)
	case ProviderOpenAI:
		backend, err = NewOpenAI(cfg.Providers.OpenAI, cfg.Integrations.Assistant.Model)
	case ProviderFantasy:
		backend, err = NewFantasy(cfg.Providers.OpenAI, cfg.Integrations.Assistant)
	default:
		return nil, fmt.Errorf("unsupported assistant provider: %s", providerID)
	}
	if err != nil {
		return nil, err
	}

	return NewWithBackend(providerID, backend), nil
}

// NewWithBackend wraps an already-built backend.
func NewWithBackend(provider string, backend Backend) *Client {
	return &Client{backend: backend, provider: provider}
}

func (c *Client) Name() string {
	return Name
}

// Provider is the configured backend id.
func (c *Client) Provider() string {
	return c.provider
}

func (c *Client) Health(ctx context.Context) error {
	return c.backend.Health(ctx)
}

// StartSession opens a backend session and returns its id.
func (c *Client) StartSession(ctx context.Context, title string) (string, error) {
	return c.backend.CreateSession(ctx, title)
}

// Ask sends prompt within sessionID.
func (c *Client) Ask(ctx context.Context, sessionID string, prompt string) (Reply, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Reply{}, errors.New("session id is required")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Reply{}, errors.New("prompt is required")
	}

	return c.backend.Prompt(ctx, sessionID, prompt)
}

// EndSession drops any local state held for sessionID.
func (c *Client) EndSession(sessionID string) {
	if closer, ok := c.backend.(sessionCloser); ok {
		closer.CloseSession(sessionID)
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, timeout)
}

// requestLog wraps one backend call with start/finish debug lines.
type requestLog struct {
	log       *slog.Logger
	startedAt time.Time
}

func startRequest(component string, operation string, args ...any) requestLog {
	log := slog.Default().With("component", component, "operation", operation)
	log.Debug("assistant request started", args...)
	return requestLog{log: log, startedAt: time.Now()}
}

func (r requestLog) failed(err any) {
	r.log.Debug("assistant request failed", "duration_ms", time.Since(r.startedAt).Milliseconds(), "error", err)
}

func (r requestLog) completed(args ...any) {
	r.log.Debug("assistant request completed", append([]any{"duration_ms", time.Since(r.startedAt).Milliseconds()}, args...)...)
}

// splitModelRef splits "provider/model". ok is false when there is no
// provider prefix.
func splitModelRef(input string) (providerID string, modelID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(input), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	providerID = strings.TrimSpace(parts[0])
	modelID = strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", "", false
	}

	return providerID, modelID, true
}

// openAIModel accepts "gpt-x" or "openai/gpt-x".
func openAIModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}
	if !strings.Contains(model, "/") {
		return model, nil
	}

	providerID, modelID, ok := splitModelRef(model)
	if !ok {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not served by the openai api", providerID)
	}

	return modelID, nil
}
